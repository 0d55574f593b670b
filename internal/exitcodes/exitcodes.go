// Package exitcodes defines standard exit codes for CLI operations so
// that cron, systemd, and container orchestrators can tell recoverable
// failures from ones that must not be retried.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/inlet-sync/inlet/internal/syncerrs"
)

const (
	// Success - run completed, or was skipped because an overlapping run held the lock
	Success = 0

	// ConfigError - configuration/YAML parsing errors (non-recoverable, don't retry)
	ConfigError = 1

	// ConnectionError - source or store connection errors (recoverable)
	ConnectionError = 2

	// SyncError - the run failed while fetching or persisting (non-recoverable)
	SyncError = 3

	// ValidationError - schema or schedule definition rejected (non-recoverable)
	ValidationError = 4

	// Cancelled - operator cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - ledger database errors (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error. Typed
// errors from the syncerrs taxonomy classify directly; anything else
// falls back to message inspection.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var cancelled *syncerrs.CancelledError
	if errors.As(err, &cancelled) || errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if syncerrs.IsFatal(err) {
		return ConfigError
	}
	if syncerrs.IsRetryable(err) {
		return ConnectionError
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Validation errors checked before ConfigError so "schedule validation
	// failed" does not match the config keywords first.
	if containsAny(errStr, []string{
		"key column",
		"invalid recurrence",
		"invalid mode",
		"validation failed",
		"required field",
	}) {
		return ValidationError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"unmarshal",
		"invalid configuration",
		"missing required",
		"invalid value",
		"parsing config",
		"unknown source",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"pool",
		"ping",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context canceled",
		"context deadline",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"ledger",
		"run not found",
		"already finalized",
		"run lock",
	}) {
		return StateError
	}

	// Default to sync error for unknown failures.
	return SyncError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case SyncError:
		return "sync error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
