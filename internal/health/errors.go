package health

import "errors"

// Sentinel errors for health tracking.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open and rejecting requests.
	ErrCircuitOpen = errors.New("health: circuit breaker is open")

	// ErrProbeFailed is returned when a dependency probe fails.
	ErrProbeFailed = errors.New("health: probe failed")
)
