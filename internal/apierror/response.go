package apierror

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Envelope is the collaborator-facing error response shape.
type Envelope struct {
	Error   Body `json:"error"`
	Success bool `json:"success"`
}

// Body is the error payload inside an Envelope.
type Body struct {
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter *int           `json:"retryAfter,omitempty"`
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"httpStatus"`
}

// ToEnvelope converts any error into an Envelope.
// Untyped errors are reported as API_ERROR without leaking their text.
func ToEnvelope(err error) Envelope {
	e, ok := As(err)
	if !ok {
		e = New(CodeAPIError, "internal error")
	}
	status := e.HTTPStatus
	if status == 0 {
		status = e.Code.Status()
	}
	body := Body{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		HTTPStatus: status,
	}
	if e.RetryAfter > 0 {
		ra := e.RetryAfter
		body.RetryAfter = &ra
	}
	return Envelope{Success: false, Error: body}
}

// Write writes err as a JSON Envelope, setting Retry-After when a hint exists.
func Write(w http.ResponseWriter, err error) {
	env := ToEnvelope(err)
	if env.Error.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*env.Error.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Error.HTTPStatus)
	if encErr := json.NewEncoder(w).Encode(env); encErr != nil {
		log.Error().Err(encErr).Msg("failed to write error response")
	}
}
