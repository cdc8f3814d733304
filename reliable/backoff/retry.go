package backoff

import (
	"context"
	"errors"
	"time"
)

// Policy describes a bounded retry: the first call plus up to MaxRetries
// further calls, separated by Delay(retry) where retry starts at 1.
type Policy struct {
	MaxRetries int
	Delay      func(retry int) time.Duration
	// Retryable filters which errors are retried. Nil retries every error.
	Retryable func(err error) bool
	// OnRetry runs before each sleep.
	OnRetry func(retry int, err error)
}

// Linear returns a delay function producing retry*step.
func Linear(step time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		return time.Duration(retry) * step
	}
}

// Constant returns a delay function that always yields d.
func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration {
		return d
	}
}

// Do runs fn under policy and returns nil on the first success, or the last
// error once retries are exhausted. Context cancellation stops retrying and
// returns the most recent error joined with the context error.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// DoValue is Do for functions that produce a value.
func DoValue[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	for retry := 0; ; retry++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}

		if retry >= policy.MaxRetries || (policy.Retryable != nil && !policy.Retryable(err)) {
			return zero, err
		}

		next := retry + 1

		if policy.OnRetry != nil {
			policy.OnRetry(next, err)
		}

		var delay time.Duration
		if policy.Delay != nil {
			delay = policy.Delay(next)
		}

		if sleepErr := SleepWithContext(ctx, delay); sleepErr != nil {
			return zero, errors.Join(err, sleepErr)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, errors.Join(err, ctxErr)
		}
	}
}
