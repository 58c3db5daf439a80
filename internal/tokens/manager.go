package tokens

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"golang.org/x/sync/singleflight"

	"github.com/omarluq/apigate/internal/apierror"
)

// Manager resolves, refreshes and invalidates tenant tokens for one provider.
type Manager struct {
	store     Store
	tiers     *TierCache
	refresher Refresher
	flight    *singleflight.Group
	now       func() time.Time
	log       *zerolog.Logger
	provider  string
	buffer    time.Duration
	timeout   time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(log *zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithRefreshBuffer sets how long before expiry a token is refreshed.
func WithRefreshBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.buffer = d
		}
	}
}

// WithDedupedRefresh collapses concurrent refreshes of one tenant into a
// single provider call. The shared call is detached from any one caller's
// cancellation and bounded by the refresh timeout instead; each caller still
// stops waiting when its own context ends.
func WithDedupedRefresh(enabled bool) ManagerOption {
	return func(m *Manager) {
		if enabled {
			m.flight = &singleflight.Group{}
		} else {
			m.flight = nil
		}
	}
}

// WithRefreshTimeout bounds a shared refresh call. Only used with
// WithDedupedRefresh.
func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager creates a token manager. tiers may be nil to disable caching.
func NewManager(provider string, store Store, tiers *TierCache, refresher Refresher, opts ...ManagerOption) *Manager {
	nop := zerolog.Nop()
	m := &Manager{
		provider:  provider,
		store:     store,
		tiers:     tiers,
		refresher: refresher,
		now:       time.Now,
		log:       &nop,
		buffer:    DefaultRefreshBuffer,
		timeout:   DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tiers == nil {
		m.tiers = NewTierCache(nil, nil, provider, TierConfig{}, m.log)
	}
	return m
}

// Provider returns the provider name the manager serves.
func (m *Manager) Provider() string {
	return m.provider
}

// Buffer returns the refresh buffer.
func (m *Manager) Buffer() time.Duration {
	return m.buffer
}

// GetToken returns a fresh token for tenant, refreshing it when stale.
func (m *Manager) GetToken(ctx context.Context, tenant string) (*Token, error) {
	if err := validateTenant(tenant); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apierror.Unavailable(err, "get token")
	}

	now := m.now()
	if tok, tier := m.tiers.Lookup(ctx, tenant, func(t *Token) mo.Option[time.Duration] {
		return t.FreshFor(now, m.buffer)
	}); tok != nil {
		m.log.Debug().Str("tenant", tenant).Str("tier", string(tier)).Msg("token cache hit")
		return tok, nil
	}

	tok, err := m.load(ctx, tenant)
	if err != nil {
		return nil, err
	}

	if tok.IsFresh(now, m.buffer) {
		m.tiers.Put(ctx, tok, tok.FreshFor(now, m.buffer))
		return m.confirmCached(ctx, tok), nil
	}
	if !tok.CanRefresh() {
		return nil, apierror.Newf(apierror.CodeAuthExpired, "token for tenant %q expired and cannot be refreshed", tenant)
	}
	return m.refresh(ctx, tok)
}

// Refresh forces a refresh of tenant's token.
func (m *Manager) Refresh(ctx context.Context, tenant string) (*Token, error) {
	if err := validateTenant(tenant); err != nil {
		return nil, err
	}
	tok, err := m.load(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if !tok.CanRefresh() {
		return nil, apierror.Newf(apierror.CodeAuthRefreshFailed, "token for tenant %q has no refresh token", tenant)
	}
	return m.refresh(ctx, tok)
}

// Invalidate drops tenant's token from both cache tiers. The store is kept.
func (m *Manager) Invalidate(ctx context.Context, tenant string) error {
	if err := validateTenant(tenant); err != nil {
		return err
	}
	if err := m.tiers.Invalidate(ctx, tenant); err != nil {
		return apierror.Unavailable(err, "invalidate token cache")
	}
	return nil
}

// Store saves a token obtained out of band, such as from an authorization
// code exchange, replacing any previous token of the tenant.
func (m *Manager) Store(ctx context.Context, tok *Token) error {
	if tok == nil {
		return apierror.New(apierror.CodeValidation, "token is required")
	}
	stored := cloneToken(tok)
	if stored.Provider == "" {
		stored.Provider = m.provider
	}
	if err := stored.Validate(); err != nil {
		return apierror.Wrap(apierror.CodeValidation, err, "invalid token")
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	if err := m.Invalidate(ctx, stored.TenantKey); err != nil {
		return err
	}
	if err := m.store.Save(ctx, stored); err != nil {
		return apierror.Unavailable(err, "save token")
	}
	m.log.Info().Str("tenant", stored.TenantKey).Msg("token stored")
	return nil
}

// Revoke removes tenant's token from the store and both tiers.
func (m *Manager) Revoke(ctx context.Context, tenant string) error {
	if err := m.Invalidate(ctx, tenant); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, tenant, m.provider); err != nil && !errors.Is(err, ErrNotFound) {
		return apierror.Unavailable(err, "delete token")
	}
	m.log.Info().Str("tenant", tenant).Msg("token revoked")
	return nil
}

// Describe returns the stored token's metadata without secrets.
func (m *Manager) Describe(ctx context.Context, tenant string) (Info, error) {
	if err := validateTenant(tenant); err != nil {
		return Info{}, err
	}
	tok, err := m.load(ctx, tenant)
	if err != nil {
		return Info{}, err
	}
	return tok.Describe(m.now(), m.buffer), nil
}

// confirmCached re-reads the store after tok was cached from it. A refresh
// that saved a successor in between has its own tier write ordered after
// that save, but ours may have landed last; drop it so the next read falls
// through to the store.
func (m *Manager) confirmCached(ctx context.Context, tok *Token) *Token {
	current, err := m.store.Get(ctx, tok.TenantKey, m.provider)
	if err != nil {
		m.log.Debug().Err(err).Str("tenant", tok.TenantKey).Msg("token re-check skipped")
		return tok
	}
	if current.AccessToken == tok.AccessToken && current.CreatedAt.Equal(tok.CreatedAt) {
		return tok
	}
	m.log.Debug().Str("tenant", tok.TenantKey).Msg("token superseded while caching, dropping tier entries")
	if err := m.tiers.Invalidate(ctx, tok.TenantKey); err != nil {
		m.log.Warn().Err(err).Str("tenant", tok.TenantKey).Msg("token cache invalidation failed")
	}
	if current.IsFresh(m.now(), m.buffer) {
		return current
	}
	return tok
}

func (m *Manager) load(ctx context.Context, tenant string) (*Token, error) {
	tok, err := m.store.Get(ctx, tenant, m.provider)
	if errors.Is(err, ErrNotFound) {
		return nil, apierror.Newf(apierror.CodeAuthRequired, "no token for tenant %q", tenant)
	}
	if err != nil {
		return nil, apierror.Unavailable(err, "load token")
	}
	return tok, nil
}

func (m *Manager) refresh(ctx context.Context, current *Token) (*Token, error) {
	if m.flight == nil {
		return m.doRefresh(ctx, current)
	}
	ch := m.flight.DoChan(current.TenantKey, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.doRefresh(shared, current)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			m.log.Debug().Str("tenant", current.TenantKey).Msg("joined in-flight token refresh")
		}
		return cloneToken(res.Val.(*Token)), nil
	case <-ctx.Done():
		return nil, apierror.Unavailable(ctx.Err(), "waiting for token refresh")
	}
}

func (m *Manager) doRefresh(ctx context.Context, current *Token) (*Token, error) {
	tenant := current.TenantKey
	log := m.log.With().Str("tenant", tenant).Str("provider", m.provider).Logger()

	if err := m.tiers.Invalidate(ctx, tenant); err != nil {
		log.Error().Err(err).Msg("token refresh aborted: cache invalidation failed")
		return nil, apierror.Unavailable(err, "invalidate token cache before refresh")
	}

	grant, err := m.refresher.Refresh(ctx, current)
	if err != nil {
		log.Warn().Err(err).Msg("token refresh failed")
		if _, ok := apierror.As(err); ok {
			return nil, err
		}
		return nil, apierror.Wrap(apierror.CodeAuthRefreshFailed, err, "token refresh failed")
	}

	now := m.now()
	next := grant.apply(current, now)
	if err := m.store.Save(ctx, next); err != nil {
		log.Error().Err(err).Msg("token refresh succeeded but persist failed")
		return nil, apierror.Unavailable(err, "persist refreshed token")
	}
	m.tiers.Put(ctx, next, next.FreshFor(now, m.buffer))

	log.Info().Bool("rotated", grant.RefreshToken != "").Msg("token refreshed")
	return next, nil
}

func validateTenant(tenant string) error {
	if strings.TrimSpace(tenant) == "" {
		return apierror.New(apierror.CodeValidation, "tenant is required")
	}
	return nil
}
