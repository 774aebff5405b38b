// Package retry provides an injectable retry policy executed on top of
// cenkalti/backoff. Callers describe how many attempts are allowed, how long
// to wait before each retry, and which errors are worth retrying; tests swap
// in a zero-delay policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrInvalidPolicy is returned when a policy cannot be executed.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// BackoffFunc returns the delay before the next attempt. attempt is the
// zero-based index of the attempt that just failed; err is its error.
type BackoffFunc func(attempt int, err error) time.Duration

// RetryableFunc reports whether err should trigger another attempt.
type RetryableFunc func(err error) bool

// NotifyFunc observes each scheduled retry.
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Policy describes a bounded retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Backoff computes the wait before the next attempt.
	Backoff BackoffFunc

	// Retryable decides whether an error is transient. Nil retries everything.
	Retryable RetryableFunc

	// Notify is called before each wait. Optional.
	Notify NotifyFunc
}

// Exponential returns a backoff of base × 2^attempt.
func Exponential(base time.Duration) BackoffFunc {
	return func(attempt int, _ error) time.Duration {
		return base << attempt
	}
}

// Fixed returns a constant backoff.
func Fixed(delay time.Duration) BackoffFunc {
	return func(int, error) time.Duration {
		return delay
	}
}

// Immediate never waits. Intended for tests.
func Immediate() BackoffFunc {
	return Fixed(0)
}

// WithoutDelay returns a copy of the policy that keeps attempt counting and
// retry classification but never sleeps. The original backoff is still
// evaluated so Notify observes the delay it would have used.
func (p Policy) WithoutDelay() Policy {
	original := p.Backoff
	notify := p.Notify

	p.Backoff = Immediate()
	p.Notify = func(attempt int, err error, _ time.Duration) {
		if notify == nil {
			return
		}

		var delay time.Duration
		if original != nil {
			delay = original(attempt, err)
		}

		notify(attempt, err, delay)
	}

	return p
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. op receives the zero-based attempt index.
// The last error is returned unwrapped when attempts run out; a context
// error is returned when the wait is interrupted.
func Do(ctx context.Context, policy Policy, op func(attempt int) error) error {
	_, err := DoValue(ctx, policy, func(attempt int) (struct{}, error) {
		return struct{}{}, op(attempt)
	})

	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, policy Policy, op func(attempt int) (T, error)) (T, error) {
	var zero T

	if policy.MaxAttempts <= 0 {
		return zero, fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidPolicy, policy.MaxAttempts)
	}

	if policy.Backoff == nil {
		return zero, fmt.Errorf("%w: backoff function is nil", ErrInvalidPolicy)
	}

	schedule := &policyBackOff{policy: policy}

	operation := func() (T, error) {
		value, err := op(schedule.attempt)
		if err == nil {
			return value, nil
		}

		schedule.lastErr = err

		if policy.Retryable != nil && !policy.Retryable(err) {
			return value, backoff.Permanent(err)
		}

		return value, err
	}

	notify := func(err error, delay time.Duration) {
		if policy.Notify != nil {
			policy.Notify(schedule.attempt-1, err, delay)
		}
	}

	//nolint:gosec // MaxAttempts is validated positive above.
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
}

// policyBackOff adapts a Policy to backoff.BackOff. NextBackOff is invoked
// right after a failed attempt, so lastErr and attempt describe that attempt.
type policyBackOff struct {
	policy  Policy
	lastErr error
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	delay := b.policy.Backoff(b.attempt, b.lastErr)
	b.attempt++

	return max(delay, 0)
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
	b.lastErr = nil
}
