// Package health provides circuit breaking for the upstream API and
// dependency probes for apigate.
//
// The package implements:
//   - Circuit breaker state machine (CLOSED -> OPEN -> HALF-OPEN -> CLOSED)
//   - A tracker holding one breaker per upstream host
//   - A checker that probes upstreams with OPEN circuits and reports the
//     health of registered dependencies (storage, shared cache)
package health

import "time"

// Default configuration values.
const (
	DefaultFailureThreshold = 5     // consecutive failures to open circuit
	DefaultOpenDurationMS   = 30000 // 30 seconds before half-open
	DefaultHalfOpenProbes   = 3     // probes allowed in half-open state
	DefaultHealthCheckMS    = 10000 // 10 seconds between probes
	DefaultProbeTimeoutMS   = 5000
	DefaultHealthEnabled    = true
)

// CircuitBreakerConfig defines circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`

	// OpenDurationMS is how long the circuit stays open before half-open.
	OpenDurationMS int `yaml:"open_duration_ms" toml:"open_duration_ms"`

	// HalfOpenProbes is the number of requests allowed in half-open state.
	// If all succeed the circuit closes; any failure reopens it.
	HalfOpenProbes int `yaml:"half_open_probes" toml:"half_open_probes"`
}

// GetFailureThreshold returns the configured failure threshold or default 5.
func (c *CircuitBreakerConfig) GetFailureThreshold() int {
	if c.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return c.FailureThreshold
}

// GetOpenDuration returns the open duration, default 30s.
func (c *CircuitBreakerConfig) GetOpenDuration() time.Duration {
	if c.OpenDurationMS <= 0 {
		return time.Duration(DefaultOpenDurationMS) * time.Millisecond
	}
	return time.Duration(c.OpenDurationMS) * time.Millisecond
}

// GetHalfOpenProbes returns the configured half-open probes or default 3.
func (c *CircuitBreakerConfig) GetHalfOpenProbes() int {
	if c.HalfOpenProbes <= 0 {
		return DefaultHalfOpenProbes
	}
	return c.HalfOpenProbes
}

// CheckConfig defines periodic probe behavior.
type CheckConfig struct {
	Enabled        *bool `yaml:"enabled" toml:"enabled"`
	IntervalMS     int   `yaml:"interval_ms" toml:"interval_ms"`
	ProbeTimeoutMS int   `yaml:"probe_timeout_ms" toml:"probe_timeout_ms"`
}

// GetInterval returns the probe interval, default 10s.
func (c *CheckConfig) GetInterval() time.Duration {
	if c.IntervalMS <= 0 {
		return time.Duration(DefaultHealthCheckMS) * time.Millisecond
	}
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// GetProbeTimeout returns the per-probe timeout, default 5s.
func (c *CheckConfig) GetProbeTimeout() time.Duration {
	if c.ProbeTimeoutMS <= 0 {
		return time.Duration(DefaultProbeTimeoutMS) * time.Millisecond
	}
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

// IsEnabled returns whether periodic probes run. Defaults to true.
func (c *CheckConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return DefaultHealthEnabled
	}
	return *c.Enabled
}

// Config combines circuit breaker and probe configuration.
type Config struct {
	HealthCheck    CheckConfig          `yaml:"health_check" toml:"health_check"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
}
