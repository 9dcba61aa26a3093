package gateway

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by QueryOrder when the exchange has no record
// of the order id.
var ErrNotFound = errors.New("gateway: order not found")

// TransientError wraps a network or API failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// RejectionError is a definitive exchange rejection (bad price,
// quantity, or symbol rule). Retrying the same request is pointless;
// the level must be re-derived and re-submitted.
type RejectionError struct {
	Code   int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("exchange rejection (%d): %s", e.Code, e.Reason)
}

// RateLimitError reports a throttled request, carrying any
// server-provided retry hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// RetryHint returns the server-provided delay of a rate-limit error.
func RetryHint(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Retryable reports whether the error class allows another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := RetryHint(err); ok {
		return true
	}
	return IsTransient(err)
}
