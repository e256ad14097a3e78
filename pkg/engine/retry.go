package engine

import (
	"context"
	"time"
)

// RetryOptions configures Retry.
type RetryOptions struct {
	// MaxAttempts is the total number of attempts, including the first. Values
	// below one are treated as one.
	MaxAttempts int

	// InitialDelay is the sleep after the first failure. The sleep after the
	// k-th failure is InitialDelay * 2^(k-1).
	InitialDelay time.Duration

	// MaxDelay caps a single sleep. Zero leaves the backoff uncapped.
	MaxDelay time.Duration

	// OnAttemptFailure observes every failed attempt that will be retried.
	// It is not called for the final failure.
	OnAttemptFailure func(attempt int, err error)

	// ShouldRetry stops the loop early when it returns false. The error is
	// then returned as-is. Nil retries every error.
	ShouldRetry func(err error) bool

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Backoff returns the sleep after failed attempt k (1-based).
func (o RetryOptions) Backoff(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := o.InitialDelay
	for i := 1; i < k; i++ {
		if o.MaxDelay > 0 && d >= o.MaxDelay {
			return o.MaxDelay
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if o.MaxDelay > 0 && d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}

// Retry runs op up to opts.MaxAttempts times with pure exponential backoff
// and no jitter. On exhaustion the last error is returned unwrapped so
// callers can match on its kind.
func Retry[T any](ctx context.Context, opts RetryOptions, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return zero, err
		}
		if opts.OnAttemptFailure != nil {
			opts.OnAttemptFailure(attempt, err)
		}
		if err := sleep(ctx, opts.Backoff(attempt)); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// sleepContext waits d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
