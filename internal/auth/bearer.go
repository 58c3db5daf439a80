package auth

import (
	"net/http"
	"strings"
)

// BearerAuthenticator validates Authorization: Bearer against a shared secret.
type BearerAuthenticator struct {
	secret digest
}

// NewBearerAuthenticator creates a Bearer authenticator for secret.
func NewBearerAuthenticator(secret string) *BearerAuthenticator {
	return &BearerAuthenticator{secret: newDigest(secret)}
}

// Validate checks the Authorization header for the expected Bearer token.
func (a *BearerAuthenticator) Validate(r *http.Request) Result {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Result{Type: TypeBearer, Error: "missing authorization header"}
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return Result{Type: TypeBearer, Presented: true, Error: "invalid authorization scheme"}
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return Result{Type: TypeBearer, Presented: true, Error: "empty bearer token"}
	}
	if !a.secret.matches(token) {
		return Result{Type: TypeBearer, Presented: true, Error: "invalid bearer token"}
	}
	return Result{Type: TypeBearer, Presented: true, Valid: true}
}

// Type returns TypeBearer.
func (a *BearerAuthenticator) Type() Type {
	return TypeBearer
}
