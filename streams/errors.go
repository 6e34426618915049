package streams

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrUnsupported          = errors.New("unsupported operation")
	ErrNotFound             = errors.New("not found")
	// ErrNotInitialized is returned by lookups that run before partition discovery
	// completed. It matches ErrNotFound as well.
	ErrNotInitialized = fmt.Errorf("%w: adapter not created", ErrNotFound)
	// ErrNeedsRewind is returned to a cursor whose next entry was evicted from the cache.
	// Recovery is an explicit rewind from the last checkpoint.
	ErrNeedsRewind   = errors.New("cursor fell behind the cache window")
	ErrPoolExhausted = errors.New("buffer pool exhausted")
	ErrEmptyBatch    = errors.New("batch has no events")
	ErrStopped       = errors.New("receiver stopped")
)

// ConfigError names the configuration field or dependency that failed validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfiguration }

// Missing reports a required field that was empty.
func Missing(field string) error { return &ConfigError{Field: field} }

// Invalid reports a field whose value was rejected.
func Invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
