package retry

import (
	"fmt"
	"time"
)

// HTTPError represents an upstream HTTP failure with its status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// Timeout reports true so TimeoutError satisfies the net.Error timeout check.
func (e *TimeoutError) Timeout() bool { return true }

// ConnectionError indicates a connection could not be established or was lost.
type ConnectionError struct {
	// Target names the remote side, e.g. "database" or "redis://cache:6379".
	Target string
	Err    error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection to %s failed: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("connection to %s failed", e.Target)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RateLimitError indicates the upstream rejected the call for exceeding its quota.
// RetryAfter is zero when the upstream did not send a hint.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for %s (retry-after: %.0f)", e.Service, e.RetryAfter.Seconds())
	}
	return fmt.Sprintf("rate limit exceeded for %s", e.Service)
}

// ValidationError indicates the input can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
