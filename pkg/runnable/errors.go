package runnable

import (
	"errors"
	"fmt"
)

// Sentinel errors for control-flow conditions the engine inspects.
var (
	// ErrCancelled signals cooperative cancellation via AbortSignal or deadline.
	ErrCancelled = errors.New("cancelled")
	// ErrNotFound signals an unknown runnable id or session.
	ErrNotFound = errors.New("not found")
	// ErrCircularReference signals a runnable invoking itself through tools.
	ErrCircularReference = errors.New("circular runnable reference")
	// ErrMaxDepthExceeded signals too many nested runnable invocations.
	ErrMaxDepthExceeded = errors.New("max nesting depth exceeded")
)

// ConfigError marks invalid configuration detected at load time, such as an
// unparseable condition expression or template.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ProviderError wraps an LLM provider failure. Retryable failures are retried
// inside the model client; whatever surfaces here fails the Run.
type ProviderError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrorType classifies an error for the error_type field of terminal events.
func ErrorType(err error) string {
	var configErr *ConfigError
	var providerErr *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrCircularReference):
		return "circular_reference"
	case errors.Is(err, ErrMaxDepthExceeded):
		return "max_depth_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &configErr):
		return "config"
	case errors.As(err, &providerErr):
		return "provider"
	default:
		return "internal"
	}
}
