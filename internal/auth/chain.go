package auth

import (
	"net/http"

	"github.com/samber/lo"
	"github.com/samber/mo"
)

// ChainAuthenticator tries multiple authenticators in order.
// The first success wins. On failure, a method the caller actually
// attempted is reported in preference to one it never tried.
type ChainAuthenticator struct {
	authenticators []Authenticator
}

// NewChainAuthenticator creates a chain of authenticators.
func NewChainAuthenticator(authenticators ...Authenticator) *ChainAuthenticator {
	return &ChainAuthenticator{authenticators: authenticators}
}

// Validate tries each authenticator in order until one succeeds.
func (c *ChainAuthenticator) Validate(r *http.Request) Result {
	if len(c.authenticators) == 0 {
		return Result{Type: TypeNone, Error: "no authentication configured"}
	}

	result := lo.Reduce(c.authenticators, func(acc Result, a Authenticator, _ int) Result {
		if acc.Valid {
			return acc
		}
		next := a.Validate(r)
		if next.Valid || next.Presented || !acc.Presented {
			return next
		}
		return acc
	}, Result{Type: TypeNone})

	if !result.Valid {
		result.Type = TypeNone
		if !result.Presented {
			result.Error = "missing credentials"
		}
	}
	return result
}

// Type returns TypeNone since this is a meta-authenticator.
func (c *ChainAuthenticator) Type() Type {
	return TypeNone
}

// Check runs a and returns the successful Result or the typed failure.
func Check(a Authenticator, r *http.Request) mo.Result[Result] {
	result := a.Validate(r)
	if err := result.Err(); err != nil {
		return mo.Err[Result](err)
	}
	return mo.Ok(result)
}
