package ratelimit

import (
	"errors"
	"time"
)

// Default policy values.
const (
	DefaultCapacity   = 3600
	DefaultRefillRate = 60
)

// Policy configures bucket size and refill speed.
type Policy struct {
	// Capacity is the maximum number of tokens a bucket holds.
	Capacity int64 `json:"capacity" yaml:"capacity" toml:"capacity"`
	// RefillRate is the number of tokens added per whole elapsed second.
	RefillRate int64 `json:"refill_rate" yaml:"refill_rate" toml:"refill_rate"`
}

// DefaultPolicy returns the 3600 capacity / 60 per second policy.
func DefaultPolicy() Policy {
	return Policy{Capacity: DefaultCapacity, RefillRate: DefaultRefillRate}
}

// Validate checks the policy for errors.
func (p Policy) Validate() error {
	if p.Capacity <= 0 {
		return errors.New("ratelimit: capacity must be positive")
	}
	if p.RefillRate <= 0 {
		return errors.New("ratelimit: refill rate must be positive")
	}
	return nil
}

// Bucket is the token-bucket state of one tenant.
// Invariant: 0 <= Tokens <= Capacity.
type Bucket struct {
	LastRefillAt time.Time `json:"last_refill_at"`
	TenantKey    string    `json:"tenant_key"`
	Tokens       int64     `json:"tokens"`
	Capacity     int64     `json:"capacity"`
	RefillRate   int64     `json:"refill_rate"`
}

// NewBucket returns a full bucket for tenant.
func NewBucket(tenant string, p Policy, now time.Time) Bucket {
	return Bucket{
		TenantKey:    tenant,
		Tokens:       p.Capacity,
		Capacity:     p.Capacity,
		RefillRate:   p.RefillRate,
		LastRefillAt: now,
	}
}

// ApplyPolicy adopts p, clamping tokens to the new capacity.
func (b *Bucket) ApplyPolicy(p Policy) {
	b.Capacity = p.Capacity
	b.RefillRate = p.RefillRate
	b.Tokens = clamp(b.Tokens, 0, b.Capacity)
}

// Refill adds RefillRate tokens per whole second elapsed since LastRefillAt.
// Sub-second remainders are not carried: when tokens are added LastRefillAt
// moves to now. Returns the number of tokens added.
func (b *Bucket) Refill(now time.Time) int64 {
	if b.RefillRate <= 0 || !now.After(b.LastRefillAt) {
		return 0
	}
	secs := int64(now.Sub(b.LastRefillAt) / time.Second)
	if secs <= 0 {
		return 0
	}
	// A bucket empty for this many seconds is full; cap to avoid overflow.
	if maxSecs := b.Capacity/b.RefillRate + 1; secs > maxSecs {
		secs = maxSecs
	}
	before := b.Tokens
	b.Tokens = clamp(b.Tokens+secs*b.RefillRate, 0, b.Capacity)
	b.LastRefillAt = now
	return b.Tokens - before
}

// TryConsume removes n tokens when available. When it is not, the bucket is
// left untouched and the whole seconds until n tokens exist are returned.
func (b *Bucket) TryConsume(n int64) (ok bool, retryAfterSeconds int64) {
	if b.Tokens >= n {
		b.Tokens -= n
		return true, 0
	}
	return false, b.secondsUntil(n)
}

// ResetAt returns the instant the bucket will be full again.
func (b *Bucket) ResetAt(now time.Time) time.Time {
	if b.Tokens >= b.Capacity {
		return now
	}
	at := b.LastRefillAt.Add(time.Duration(b.secondsUntil(b.Capacity)) * time.Second)
	if at.Before(now) {
		return now
	}
	return at
}

// Utilization returns the consumed share of capacity as a percentage.
func (b *Bucket) Utilization() float64 {
	if b.Capacity <= 0 {
		return 0
	}
	return float64(b.Capacity-b.Tokens) / float64(b.Capacity) * 100
}

func (b *Bucket) secondsUntil(n int64) int64 {
	missing := n - b.Tokens
	if missing <= 0 || b.RefillRate <= 0 {
		return 0
	}
	return (missing + b.RefillRate - 1) / b.RefillRate
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
