package health

import (
	"sync"

	"github.com/rs/zerolog"
)

// Tracker manages one circuit breaker per upstream.
type Tracker struct {
	circuits map[string]*CircuitBreaker
	logger   *zerolog.Logger
	config   CircuitBreakerConfig
	mu       sync.RWMutex
}

// NewTracker creates a new Tracker with the given configuration.
func NewTracker(cfg CircuitBreakerConfig, logger *zerolog.Logger) *Tracker {
	return &Tracker{
		circuits: make(map[string]*CircuitBreaker),
		config:   cfg,
		logger:   logger,
	}
}

// Circuit returns the breaker for upstream, creating it on first use.
func (t *Tracker) Circuit(upstream string) *CircuitBreaker {
	t.mu.RLock()
	cb, exists := t.circuits[upstream]
	t.mu.RUnlock()

	if exists {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = t.circuits[upstream]; exists {
		return cb
	}

	cb = NewCircuitBreaker(upstream, t.config, t.logger)
	t.circuits[upstream] = cb

	if t.logger != nil {
		t.logger.Debug().Str("upstream", upstream).Msg("created circuit breaker")
	}
	return cb
}

// IsHealthy reports whether upstream's circuit is not OPEN.
// Unknown upstreams are healthy.
func (t *Tracker) IsHealthy(upstream string) bool {
	return t.State(upstream) != StateOpen
}

// State returns the state of upstream's breaker, StateClosed when none exists.
func (t *Tracker) State(upstream string) State {
	t.mu.RLock()
	cb, exists := t.circuits[upstream]
	t.mu.RUnlock()

	if !exists {
		return StateClosed
	}
	return cb.State()
}

// RecordSuccess records a successful operation for upstream.
func (t *Tracker) RecordSuccess(upstream string) {
	cb := t.Circuit(upstream)
	cb.ReportSuccess()

	if t.logger != nil {
		t.logger.Debug().
			Str("upstream", upstream).
			Str("state", cb.State().String()).
			Msg("recorded success")
	}
}

// RecordFailure records a failed operation for upstream.
func (t *Tracker) RecordFailure(upstream string, err error) {
	cb := t.Circuit(upstream)
	cb.ReportFailure(err)

	if t.logger != nil {
		t.logger.Debug().
			Str("upstream", upstream).
			Str("state", cb.State().String()).
			Err(err).
			Msg("recorded failure")
	}
}

// AllStates returns a snapshot of every known circuit state.
func (t *Tracker) AllStates() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make(map[string]State, len(t.circuits))
	for name, cb := range t.circuits {
		states[name] = cb.State()
	}
	return states
}
