package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/omarluq/apigate/internal/apierror"
	"github.com/omarluq/apigate/internal/auth"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware so that the first one listed runs first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// LoggerMiddleware attaches the base logger to every request context.
func LoggerMiddleware(logger zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
		})
	}
}

// RequestIDMiddleware propagates or generates X-Request-ID.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := AddRequestID(r.Context(), r.Header.Get(HeaderRequestID))
			w.Header().Set(HeaderRequestID, GetRequestID(ctx))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware emits one start and one completion line per request.
func LoggingMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := zerolog.Ctx(r.Context()).With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()

			logger.Debug().Msgf("%s %s", r.Method, r.URL.Path)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := formatDuration(time.Since(start))
			msg := statusSymbol(wrapped.statusCode) + " " + http.StatusText(wrapped.statusCode) + " (" + duration + ")"
			event := logger.Info()
			switch {
			case wrapped.statusCode >= http.StatusInternalServerError:
				event = logger.Error()
			case wrapped.statusCode >= http.StatusBadRequest:
				event = logger.Warn()
			}
			event.Int("status", wrapped.statusCode).Str("duration", duration).Msg(msg)
		})
	}
}

// AuthMiddleware rejects requests the authenticator does not accept.
// A nil authenticator lets every request through.
func AuthMiddleware(a auth.Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := a.Validate(r)
			if err := result.Err(); err != nil {
				zerolog.Ctx(r.Context()).Warn().
					Str("auth_type", string(result.Type)).
					Str("error", result.Error).
					Msg("authentication failed")
				apierror.Write(w, err)
				return
			}
			zerolog.Ctx(r.Context()).Debug().Str("auth_type", string(result.Type)).Msg("authentication succeeded")
			next.ServeHTTP(w, r)
		})
	}
}

// TimeoutMiddleware bounds the request context with a deadline when one is configured.
func TimeoutMiddleware(timeout mo.Option[time.Duration]) Middleware {
	return func(next http.Handler) http.Handler {
		d, ok := timeout.Get()
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MaxBodyBytesMiddleware limits the request body size.
func MaxBodyBytesMiddleware(limit int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ConcurrencyLimiter caps the number of in-flight requests.
// A limit of 0 or less means unlimited.
type ConcurrencyLimiter struct {
	limit   atomic.Int64
	current atomic.Int64
}

// NewConcurrencyLimiter creates a limiter for maxLimit in-flight requests.
func NewConcurrencyLimiter(maxLimit int64) *ConcurrencyLimiter {
	l := &ConcurrencyLimiter{}
	l.limit.Store(maxLimit)
	return l
}

// SetLimit updates the limit.
func (l *ConcurrencyLimiter) SetLimit(maxLimit int64) {
	l.limit.Store(maxLimit)
}

// InFlight returns the current number of in-flight requests.
func (l *ConcurrencyLimiter) InFlight() int64 {
	return l.current.Load()
}

// TryAcquire takes a slot, returning false when the limit is reached.
func (l *ConcurrencyLimiter) TryAcquire() bool {
	limit := l.limit.Load()
	if limit <= 0 {
		l.current.Add(1)
		return true
	}
	for {
		current := l.current.Load()
		if current >= limit {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release frees a slot taken by TryAcquire.
func (l *ConcurrencyLimiter) Release() {
	l.current.Add(-1)
}

// ConcurrencyMiddleware answers SERVICE_UNAVAILABLE once the limiter is full.
func ConcurrencyMiddleware(limiter *ConcurrencyLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.TryAcquire() {
				zerolog.Ctx(r.Context()).Warn().
					Int64("limit", limiter.limit.Load()).
					Msg("request rejected: concurrency limit reached")
				apierror.Write(w, apierror.New(apierror.CodeServiceUnavailable,
					"server is at maximum capacity, please retry later").WithRetryAfter(time.Second))
				return
			}
			defer limiter.Release()
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func statusSymbol(status int) string {
	switch {
	case status >= http.StatusInternalServerError:
		return "✗"
	case status >= http.StatusBadRequest:
		return "⚠"
	default:
		return "✓"
	}
}

// formatDuration uses µs below a millisecond and two decimals above it.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Microsecond)
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		return d.Truncate(time.Second).String()
	}
}
