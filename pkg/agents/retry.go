package agents

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// TooManyRetriesError is returned once an operation failed on every attempt.
type TooManyRetriesError struct {
	Attempts int
	Last     error
}

func (e *TooManyRetriesError) Error() string {
	return fmt.Sprintf("too many retries (%d attempts): %v", e.Attempts, e.Last)
}

// Unwrap returns the error of the last attempt.
func (e *TooManyRetriesError) Unwrap() error { return e.Last }

// IsTooManyRetries reports whether err is (or wraps) a TooManyRetriesError.
func IsTooManyRetries(err error) bool {
	var e *TooManyRetriesError
	return errors.As(err, &e)
}

// RetryPolicy configures Retry.
type RetryPolicy struct {
	// Retries is the number of attempts after the first one.
	Retries int

	// Backoff is the delay before the first retry. Later delays double.
	Backoff time.Duration

	// MaxBackoff caps the delay between attempts. Zero means one minute.
	MaxBackoff time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to engine.IsRetryable.
	Retryable func(error) bool

	// Clock drives the waits. Defaults to the system clock.
	Clock engine.Clock
}

// Delay returns the wait before attempt (1 based retry number). Throttled
// errors wait twice as long.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	base := p.Backoff
	if engine.IsThrottled(err) {
		base *= 2
	}
	delay := base * time.Duration(math.Pow(2, float64(attempt-1)))

	limit := p.MaxBackoff
	if limit <= 0 {
		limit = time.Minute
	}
	if delay > limit || delay < 0 {
		delay = limit
	}
	return delay
}

// Retry calls op until it succeeds, returns a non retryable error, or has
// been attempted retries+1 times.
func Retry[T any](ctx context.Context, retries int, backoff time.Duration, op func(context.Context) (T, error)) (T, error) {
	return RetryWithPolicy(ctx, RetryPolicy{Retries: retries, Backoff: backoff}, op)
}

// RetryWithPolicy is Retry with full control over the policy.
func RetryWithPolicy[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	retryable := policy.Retryable
	if retryable == nil {
		retryable = engine.IsRetryable
	}
	clock := policy.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-clock.After(policy.Delay(attempt, lastErr)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, &TooManyRetriesError{Attempts: policy.Retries + 1, Last: lastErr}
}
