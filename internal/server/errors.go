package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/omarluq/apigate/internal/apierror"
)

// IsBodyTooLargeError checks if an error is from http.MaxBytesReader.
func IsBodyTooLargeError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func errBodyTooLarge() *apierror.Error {
	return apierror.New(apierror.CodeValidation, "request body exceeds the maximum allowed size").
		WithStatus(http.StatusRequestEntityTooLarge)
}

// writeError logs err against the request and writes the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	env := apierror.ToEnvelope(err)
	event := zerolog.Ctx(r.Context()).Warn()
	if env.Error.HTTPStatus >= http.StatusInternalServerError {
		event = zerolog.Ctx(r.Context()).Error()
	}
	event.Err(err).Str("code", string(env.Error.Code)).Msg("request failed")
	apierror.Write(w, err)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to write response")
	}
}

// readBody reads the request body, mapping an oversized body to 413.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		if IsBodyTooLargeError(err) {
			return nil, errBodyTooLarge()
		}
		return nil, apierror.Wrap(apierror.CodeValidation, err, "failed to read request body")
	}
	return raw, nil
}

// decodeJSON decodes the request body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	raw, err := readBody(r)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apierror.Wrap(apierror.CodeValidation, err, "request body is not valid JSON")
	}
	return nil
}
