package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/omarluq/apigate/internal/apierror"
)

// Pacer smooths outbound traffic across all tenants using
// golang.org/x/time/rate. A nil Pacer never blocks.
//
// Thread safety: All methods are safe for concurrent use.
type Pacer struct {
	limiter *rate.Limiter
	rps     float64
	burst   int
	mu      sync.RWMutex
}

// NewPacer creates a pacer allowing rps requests per second with the given
// burst. Zero or negative rps means unlimited.
func NewPacer(rps float64, burst int) *Pacer {
	p := &Pacer{}
	p.SetRate(rps, burst)
	return p
}

// Wait blocks until a request may proceed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	limiter := p.limiter
	p.mu.RUnlock()

	if err := limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return apierror.Unavailable(ctx.Err(), "request canceled while pacing")
		}
		// Burst smaller than one request, or the deadline is too close.
		return apierror.Wrap(apierror.CodeTimeout, err, "request would exceed deadline while pacing")
	}
	return nil
}

// Allow reports whether a request may proceed now.
func (p *Pacer) Allow() bool {
	if p == nil {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.limiter.Allow()
}

// SetRate replaces the pacing rate.
func (p *Pacer) SetRate(rps float64, burst int) {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter = rate.NewLimiter(limit, burst)
	p.rps = rps
	p.burst = burst
}

// Rate returns the configured requests per second; zero means unlimited.
func (p *Pacer) Rate() float64 {
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rps
}
