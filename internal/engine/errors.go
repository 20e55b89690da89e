package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineNotFound is returned when a registry lookup misses.
	ErrEngineNotFound = errors.New("engine not found")

	// ErrNoDefaultEngine is returned when the registry is empty or no
	// default has been chosen.
	ErrNoDefaultEngine = errors.New("no default engine configured")

	// ErrDuplicateEngine is returned when registering an existing ID
	// without replace.
	ErrDuplicateEngine = errors.New("engine already registered")
)

// ConfigError reports a misconfigured engine (missing API key, missing
// model). It is fatal for the current step and must not be retried.
type ConfigError struct {
	EngineID string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("engine %s misconfigured: %s", e.EngineID, e.Reason)
}

// IsConfigError reports whether err chains to a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// CommandError reports a failed HTTP call to an API engine.
type CommandError struct {
	EngineID   string
	StatusCode int
	Body       string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("engine %s request failed: status %d: %s", e.EngineID, e.StatusCode, e.Body)
}
