// Package syncerrs defines the error taxonomy shared by source adapters,
// the pipeline, and the orchestrator. Adapters must wrap failures in these
// types so callers can distinguish transport problems (retryable, feed the
// circuit breaker) from data problems (per-record, never retried) and from
// fatal credential/configuration errors (abort the run).
package syncerrs

import (
	"errors"
	"fmt"
	"time"
)

// TransportError indicates a network or upstream availability failure.
// Retryable with backoff; repeated occurrences trip the circuit breaker.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error from %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError indicates the upstream rejected the request due to rate
// limiting. Retryable after RetryAfter (zero means "use backoff").
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s (retry after %s)", e.Endpoint, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Endpoint)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// AuthError indicates a credential or configuration problem that makes the
// source unreachable. Fatal: the run aborts and is not retried until the
// next scheduled trigger.
type AuthError struct {
	Source string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for source %s: %v", e.Source, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CancelledError marks a run that was stopped by operator action or
// process shutdown. The finalized run carries the cancellation reason.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run cancelled: %s", e.Reason)
}

// IsRetryable reports whether the error is worth retrying with backoff.
func IsRetryable(err error) bool {
	var te *TransportError
	var rl *RateLimitError
	return errors.As(err, &te) || errors.As(err, &rl)
}

// IsFatal reports whether the error should abort the run immediately.
func IsFatal(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// BreakerRelevant reports whether the error should count as a failure in
// the circuit breaker's sliding window. Data errors never trip the breaker.
func BreakerRelevant(err error) bool {
	return IsRetryable(err)
}
