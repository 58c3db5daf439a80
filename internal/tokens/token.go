// Package tokens manages per-tenant OAuth tokens for apigate.
//
// Reads go through three layers with decreasing freshness guarantees: a
// process-local cache tier, a cache tier shared by all instances, and the
// durable Store. A refresh first invalidates both cache tiers, then calls
// the provider, persists the new token and repopulates the tiers.
package tokens

import (
	"errors"
	"strings"
	"time"

	"github.com/samber/mo"
)

// DefaultRefreshBuffer is how long before expiry a token stops being fresh.
const DefaultRefreshBuffer = 5 * time.Minute

// DefaultRefreshTimeout bounds a de-duplicated refresh call.
const DefaultRefreshTimeout = 30 * time.Second

// Token is the OAuth credential of one tenant for one provider.
type Token struct {
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	TenantKey    string     `json:"tenant_key"`
	Provider     string     `json:"provider"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
}

// Validate checks the fields every stored token needs.
func (t *Token) Validate() error {
	switch {
	case strings.TrimSpace(t.TenantKey) == "":
		return errors.New("tenant key is required")
	case t.AccessToken == "":
		return errors.New("access token is required")
	}
	return nil
}

// FreshFor returns how much longer the token stays fresh, or None when it
// never expires. A non-positive duration means the token is stale.
func (t *Token) FreshFor(now time.Time, buffer time.Duration) mo.Option[time.Duration] {
	if t.ExpiresAt == nil {
		return mo.None[time.Duration]()
	}
	return mo.Some(t.ExpiresAt.Sub(now) - buffer)
}

// IsFresh reports whether expiresAt - now > buffer, or the token never expires.
func (t *Token) IsFresh(now time.Time, buffer time.Duration) bool {
	d, ok := t.FreshFor(now, buffer).Get()
	return !ok || d > 0
}

// CanRefresh reports whether the token carries a refresh token.
func (t *Token) CanRefresh() bool {
	return t.RefreshToken != ""
}

// Type returns the token type, defaulting to Bearer.
func (t *Token) Type() string {
	if t.TokenType == "" {
		return "Bearer"
	}
	return t.TokenType
}

// Info is token metadata without secrets.
type Info struct {
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	ExpiresInSeconds *int64     `json:"expiresInSeconds,omitempty"`
	Tenant           string     `json:"tenant"`
	Provider         string     `json:"provider"`
	TokenType        string     `json:"tokenType"`
	Scopes           []string   `json:"scopes,omitempty"`
	HasRefreshToken  bool       `json:"hasRefreshToken"`
	Fresh            bool       `json:"fresh"`
}

// Describe returns the token's metadata as of now.
func (t *Token) Describe(now time.Time, buffer time.Duration) Info {
	info := Info{
		Tenant:          t.TenantKey,
		Provider:        t.Provider,
		TokenType:       t.Type(),
		Scopes:          t.Scopes,
		CreatedAt:       t.CreatedAt,
		ExpiresAt:       t.ExpiresAt,
		HasRefreshToken: t.CanRefresh(),
		Fresh:           t.IsFresh(now, buffer),
	}
	if t.ExpiresAt != nil {
		secs := int64(t.ExpiresAt.Sub(now) / time.Second)
		info.ExpiresInSeconds = &secs
	}
	return info
}

// Grant is what a provider returns from a refresh call.
type Grant struct {
	Expiry       time.Time // zero when the provider sent no expiry
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	TokenType    string
	Scopes       []string
}

// apply builds the successor of current from g.
func (g *Grant) apply(current *Token, now time.Time) *Token {
	next := &Token{
		TenantKey:    current.TenantKey,
		Provider:     current.Provider,
		AccessToken:  g.AccessToken,
		RefreshToken: current.RefreshToken,
		TokenType:    current.TokenType,
		Scopes:       current.Scopes,
		CreatedAt:    now,
	}
	if g.RefreshToken != "" {
		next.RefreshToken = g.RefreshToken
	}
	if g.TokenType != "" {
		next.TokenType = g.TokenType
	}
	if len(g.Scopes) > 0 {
		next.Scopes = g.Scopes
	}
	if !g.Expiry.IsZero() {
		exp := g.Expiry
		next.ExpiresAt = &exp
	}
	return next
}
