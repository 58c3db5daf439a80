package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// ErrInvalid matches every ValidationError via errors.Is.
var ErrInvalid = errors.New("invalid config")

// ValidationError lists every problem found in one configuration.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	msgs := lo.Uniq(e.Errors)
	switch len(msgs) {
	case 0:
		return "config validation failed"
	case 1:
		return "config validation failed: " + msgs[0]
	}
	return fmt.Sprintf("config validation failed with %d errors:\n  - %s",
		len(msgs), strings.Join(msgs, "\n  - "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Add records one problem.
func (e *ValidationError) Add(msg string) {
	e.Errors = append(e.Errors, msg)
}

// Addf records one formatted problem.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Add(fmt.Sprintf(format, args...))
}

// HasErrors reports whether any problem was recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ToError returns e, or nil when nothing was recorded.
func (e *ValidationError) ToError() error {
	if e.HasErrors() {
		return e
	}
	return nil
}
