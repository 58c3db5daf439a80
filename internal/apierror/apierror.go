// Package apierror defines the typed error taxonomy shared by the rate limiter,
// the token manager and the API client.
//
// Every failure that crosses a package boundary is an *Error carrying a stable
// Code, a human-readable message and, for RATE_LIMITED, a retry hint:
//
//	resp, err := c.Request(ctx, tenant, "/v1/orders", client.RequestOptions{})
//	if apierror.Is(err, apierror.CodeRateLimited) {
//		wait := apierror.RetryAfter(err)
//		// back off
//	}
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable machine-readable error code.
type Code string

// Error codes.
const (
	CodeAuthRequired       Code = "AUTH_REQUIRED"
	CodeAuthExpired        Code = "AUTH_EXPIRED"
	CodeAuthInvalid        Code = "AUTH_INVALID"
	CodeAuthRefreshFailed  Code = "AUTH_REFRESH_FAILED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeAPIError           Code = "API_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeTimeout            Code = "TIMEOUT"
)

var defaultStatus = map[Code]int{
	CodeAuthRequired:       http.StatusUnauthorized,
	CodeAuthExpired:        http.StatusUnauthorized,
	CodeAuthInvalid:        http.StatusUnauthorized,
	CodeAuthRefreshFailed:  http.StatusUnauthorized,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeForbidden:          http.StatusForbidden,
	CodeAPIError:           http.StatusBadGateway,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
	CodeValidation:         http.StatusBadRequest,
	CodeTimeout:            http.StatusGatewayTimeout,
}

// Status returns the HTTP status conventionally associated with a code.
// Unknown codes map to 500.
func (c Code) Status() int {
	if s, ok := defaultStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the typed failure returned by the access layer.
type Error struct {
	err        error
	Details    map[string]any
	Code       Code
	Message    string
	RetryAfter int // seconds; 0 when no hint is available
	HTTPStatus int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is an *Error with the same code.
// This lets callers match with errors.Is(err, apierror.New(code, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter sets the retry hint in whole seconds (rounded up).
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = CeilSeconds(d)
	return e
}

// WithStatus overrides the HTTP status reported for the error.
func (e *Error) WithStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// New creates an Error with the default status for the code.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: code.Status(),
	}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error that carries cause.
// A nil cause yields a plain Error.
func Wrap(code Code, cause error, message string) *Error {
	e := New(code, message)
	e.err = cause
	return e
}

// RateLimited creates a RATE_LIMITED error with a retry hint.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return New(CodeRateLimited, message).WithRetryAfter(retryAfter)
}

// Unavailable wraps a storage or transport failure as SERVICE_UNAVAILABLE.
// Context errors are mapped to TIMEOUT instead, and an error that is already
// typed is returned unchanged.
func Unavailable(cause error, message string) error {
	if cause == nil {
		return nil
	}
	if _, ok := As(cause); ok {
		return cause
	}
	if IsContextError(cause) {
		return Wrap(CodeTimeout, cause, message)
	}
	return Wrap(CodeServiceUnavailable, cause, message)
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or "" when err is not typed.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// RetryAfter returns the retry hint carried by err.
func RetryAfter(err error) time.Duration {
	if e, ok := As(err); ok {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// IsContextError reports whether err stems from context cancellation or deadline.
func IsContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// CeilSeconds rounds d up to whole seconds. Non-positive durations yield 0.
func CeilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return int(secs)
}
