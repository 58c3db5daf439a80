// Package ratelimit provides per-tenant token-bucket rate limiting for apigate.
//
// Each tenant owns a bucket of Capacity tokens that refills by RefillRate
// tokens per whole elapsed second. Buckets are created full on first access.
// Consumption is all-or-nothing: a request for n tokens either takes all of
// them or takes nothing and reports how many seconds to wait.
//
// Basic usage:
//
//	limiter, err := ratelimit.NewTenantLimiter(ratelimit.NewMemoryStore(), ratelimit.DefaultPolicy())
//
//	status, err := limiter.Consume(ctx, "tenant-a", 1)
//	if !status.Allowed {
//		// wait *status.RetryAfterSeconds before trying again
//	}
package ratelimit

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/omarluq/apigate/internal/apierror"
)

// Status is the outcome of a Check or Consume call.
type Status struct {
	ResetAt           time.Time `json:"resetAt"`
	RetryAfterSeconds *int64    `json:"retryAfter,omitempty"`
	Remaining         int64     `json:"remaining"`
	Limit             int64     `json:"limit"`
	Allowed           bool      `json:"allowed"`
}

// Snapshot describes a tenant's bucket for diagnostics.
type Snapshot struct {
	LastRefill         time.Time `json:"lastRefill"`
	ResetAt            time.Time `json:"resetAt"`
	Tenant             string    `json:"tenant"`
	Tokens             int64     `json:"tokens"`
	MaxTokens          int64     `json:"maxTokens"`
	TokensPerSecond    int64     `json:"tokensPerSecond"`
	UtilizationPercent float64   `json:"utilizationPercent"`
}

// Limiter is the per-tenant rate limiting contract.
// All implementations must be safe for concurrent use.
type Limiter interface {
	// Check reports whether one token is available without consuming it.
	Check(ctx context.Context, tenant string) (Status, error)
	// Consume takes n tokens when all n are available.
	Consume(ctx context.Context, tenant string, n int64) (Status, error)
	// Reset refills the tenant's bucket to capacity.
	Reset(ctx context.Context, tenant string) error
}

// TenantLimiter implements Limiter over a Store.
//
// Operations on one tenant are serialized by an in-process lock in front of
// the store's atomic Update. Different tenants never block each other.
type TenantLimiter struct {
	store  Store
	locks  *keyLocks
	policy atomic.Pointer[Policy]
	now    func() time.Time
	log    zerolog.Logger
}

// Option configures a TenantLimiter.
type Option func(*TenantLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *TenantLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the limiter's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *TenantLimiter) {
		l.log = log
	}
}

// NewTenantLimiter creates a limiter persisting buckets in store.
func NewTenantLimiter(store Store, policy Policy, opts ...Option) (*TenantLimiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, apierror.Wrap(apierror.CodeValidation, err, err.Error())
	}

	l := &TenantLimiter{
		store: store,
		locks: newKeyLocks(),
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	l.policy.Store(&policy)

	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy returns the active policy.
func (l *TenantLimiter) Policy() Policy {
	return *l.policy.Load()
}

// SetPolicy replaces the policy. Existing buckets adopt it on their next access.
func (l *TenantLimiter) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return apierror.Wrap(apierror.CodeValidation, err, err.Error())
	}
	l.policy.Store(&p)
	l.log.Info().
		Int64("capacity", p.Capacity).
		Int64("refill_rate", p.RefillRate).
		Msg("rate limit policy updated")
	return nil
}

// Check reports availability of a single token. It never changes the bucket.
func (l *TenantLimiter) Check(ctx context.Context, tenant string) (Status, error) {
	var st Status
	err := l.update(ctx, tenant, func(b *Bucket, now time.Time) bool {
		st = statusOf(b, b.Tokens >= 1, 1, now)
		return false
	})
	return st, err
}

// Consume takes n tokens from the tenant's bucket. A denied request leaves
// the bucket untouched and carries the retry hint in the status.
func (l *TenantLimiter) Consume(ctx context.Context, tenant string, n int64) (Status, error) {
	policy := l.Policy()
	if n < 1 {
		return Status{}, apierror.Newf(apierror.CodeValidation, "token count must be at least 1, got %d", n).
			WithDetail("tokens", n)
	}
	if n > policy.Capacity {
		return Status{}, apierror.Newf(apierror.CodeValidation,
			"token count %d exceeds bucket capacity %d", n, policy.Capacity).
			WithDetail("tokens", n).
			WithDetail("capacity", policy.Capacity)
	}

	var st Status
	err := l.update(ctx, tenant, func(b *Bucket, now time.Time) bool {
		ok, _ := b.TryConsume(n)
		st = statusOf(b, ok, n, now)
		if !ok {
			l.log.Debug().
				Str("tenant", tenant).
				Int64("requested", n).
				Int64("remaining", b.Tokens).
				Msg("rate limit denied")
		}
		return ok
	})
	return st, err
}

// Reset restores the tenant's bucket to full capacity.
func (l *TenantLimiter) Reset(ctx context.Context, tenant string) error {
	return l.update(ctx, tenant, func(b *Bucket, now time.Time) bool {
		b.Tokens = b.Capacity
		b.LastRefillAt = now
		return true
	})
}

// Status returns a diagnostic snapshot of the tenant's bucket.
func (l *TenantLimiter) Status(ctx context.Context, tenant string) (Snapshot, error) {
	var snap Snapshot
	err := l.update(ctx, tenant, func(b *Bucket, now time.Time) bool {
		snap = Snapshot{
			Tenant:             tenant,
			Tokens:             b.Tokens,
			MaxTokens:          b.Capacity,
			TokensPerSecond:    b.RefillRate,
			LastRefill:         b.LastRefillAt,
			ResetAt:            b.ResetAt(now),
			UtilizationPercent: b.Utilization(),
		}
		return false
	})
	return snap, err
}

// Evict forgets the tenant's bucket. The next access starts from a full bucket.
func (l *TenantLimiter) Evict(ctx context.Context, tenant string) error {
	if err := validateTenant(tenant); err != nil {
		return err
	}
	unlock := l.locks.lock(tenant)
	defer unlock()

	if err := l.store.Delete(ctx, tenant); err != nil {
		return apierror.Unavailable(err, "rate limit store unavailable")
	}
	return nil
}

// update loads or creates the tenant's bucket, applies refill, runs mutate
// and persists the bucket only when mutate returns true.
func (l *TenantLimiter) update(
	ctx context.Context,
	tenant string,
	mutate func(b *Bucket, now time.Time) bool,
) error {
	if err := validateTenant(tenant); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apierror.Unavailable(err, "rate limit operation canceled")
	}

	unlock := l.locks.lock(tenant)
	defer unlock()

	policy := l.Policy()
	err := l.store.Update(ctx, tenant, func(current *Bucket) (*Bucket, error) {
		now := l.now()
		var b Bucket
		if current == nil {
			b = NewBucket(tenant, policy, now)
		} else {
			b = *current
			b.ApplyPolicy(policy)
			b.Refill(now)
		}
		if !mutate(&b, now) {
			return nil, nil
		}
		return &b, nil
	})
	if err != nil {
		return apierror.Unavailable(err, "rate limit store unavailable")
	}
	return nil
}

func statusOf(b *Bucket, allowed bool, n int64, now time.Time) Status {
	st := Status{
		Allowed:   allowed,
		Remaining: b.Tokens,
		Limit:     b.Capacity,
		ResetAt:   b.ResetAt(now),
	}
	if !allowed {
		retry := b.secondsUntil(n)
		st.RetryAfterSeconds = &retry
	}
	return st
}

func validateTenant(tenant string) error {
	if strings.TrimSpace(tenant) == "" {
		return apierror.New(apierror.CodeValidation, "tenant key is required")
	}
	return nil
}
