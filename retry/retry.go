// Package retry is the single backoff policy wrapped around every
// transient-class external call (key servers, blob stores).
package retry

import (
	"context"
	"errors"
	"time"

	"xdao.co/sealgate/sealerr"
)

// Policy defines retry behavior. MaxAttempts counts the first try, so 1
// disables retries.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// Retryable decides which errors are retried. Nil means
	// sealerr.IsTransient.
	Retryable func(error) bool
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Default returns the policy used when configuration leaves it unset.
func Default() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// None runs the call exactly once.
func None() Policy { return Policy{MaxAttempts: 1} }

func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New("retry: max_attempts must be at least 1")
	case p.InitialDelay < 0 || p.MaxDelay < 0:
		return errors.New("retry: delays must not be negative")
	case p.MaxAttempts > 1 && p.BackoffFactor < 1:
		return errors.New("retry: backoff_factor must be at least 1")
	}
	return nil
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return sealerr.IsTransient(err)
}

func (p Policy) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * p.BackoffFactor)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged. If ctx ends while
// waiting, ctx.Err() is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts || !p.retryable(err) {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		delay = p.next(delay)
	}
	return zero, lastErr
}
