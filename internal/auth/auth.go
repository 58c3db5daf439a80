// Package auth guards the apigate admin surface.
// It supports a static x-api-key and a shared Bearer secret, combined
// through a ChainAuthenticator.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/omarluq/apigate/internal/apierror"
	"github.com/omarluq/apigate/internal/config"
)

// Type represents the authentication method used.
type Type string

const (
	// TypeAPIKey represents x-api-key header authentication.
	TypeAPIKey Type = "api_key"
	// TypeBearer represents Authorization: Bearer authentication.
	TypeBearer Type = "bearer"
	// TypeNone represents no authentication or failed auth with no valid type.
	TypeNone Type = "none"
)

// Result contains the outcome of an authentication attempt.
type Result struct {
	Type  Type
	Error string
	Valid bool
	// Presented is true when the request carried credentials for this method,
	// whether or not they matched.
	Presented bool
}

// Err converts a failed Result into the error returned to the caller.
// Missing credentials are AUTH_REQUIRED; wrong ones are AUTH_INVALID.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	if r.Presented {
		return apierror.New(apierror.CodeAuthInvalid, r.Error)
	}
	return apierror.New(apierror.CodeAuthRequired, r.Error)
}

// Authenticator defines the interface for authentication mechanisms.
type Authenticator interface {
	Validate(r *http.Request) Result
	Type() Type
}

// FromConfig builds the authenticator for the configured methods.
// It returns nil when authentication is disabled.
func FromConfig(cfg config.AuthConfig) Authenticator {
	if !cfg.IsEnabled() {
		return nil
	}
	var chain []Authenticator
	if cfg.APIKey != "" {
		chain = append(chain, NewAPIKeyAuthenticator(cfg.APIKey))
	}
	if cfg.AllowBearer {
		chain = append(chain, NewBearerAuthenticator(cfg.BearerSecret))
	}
	if len(chain) == 1 {
		return chain[0]
	}
	return NewChainAuthenticator(chain...)
}

// digest is compared in constant time. The secrets are high-entropy keys,
// not passwords, so a fast hash is sufficient.
type digest [sha256.Size]byte

func newDigest(s string) digest {
	// #nosec G401 -- high-entropy shared secrets, not passwords
	return sha256.Sum256([]byte(s))
}

func (d digest) matches(s string) bool {
	got := newDigest(s)
	return subtle.ConstantTimeCompare(got[:], d[:]) == 1
}
