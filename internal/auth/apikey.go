package auth

import "net/http"

// HeaderAPIKey carries the admin API key.
const HeaderAPIKey = "x-api-key"

// APIKeyAuthenticator validates the x-api-key header.
type APIKeyAuthenticator struct {
	expected digest
}

// NewAPIKeyAuthenticator creates an API key authenticator.
// The key is hashed once so requests are compared in constant time.
func NewAPIKeyAuthenticator(expectedKey string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{expected: newDigest(expectedKey)}
}

// Validate checks the x-api-key header against the expected value.
func (a *APIKeyAuthenticator) Validate(r *http.Request) Result {
	provided := r.Header.Get(HeaderAPIKey)
	if provided == "" {
		return Result{Type: TypeAPIKey, Error: "missing x-api-key header"}
	}
	if !a.expected.matches(provided) {
		return Result{Type: TypeAPIKey, Presented: true, Error: "invalid x-api-key"}
	}
	return Result{Type: TypeAPIKey, Presented: true, Valid: true}
}

// Type returns TypeAPIKey.
func (a *APIKeyAuthenticator) Type() Type {
	return TypeAPIKey
}
