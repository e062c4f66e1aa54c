package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xdao.co/sealgate/sealerr"
)

func fast(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, BackoffFactor: 2}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(4), func(context.Context) error {
		calls++
		if calls < 3 {
			return sealerr.New(sealerr.CodeKeyServiceUnavailable, "down")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(5), func(context.Context) error {
		calls++
		return sealerr.New(sealerr.CodePolicyDenied, "no")
	})
	require.True(t, sealerr.Is(err, sealerr.CodePolicyDenied))
	require.Equal(t, 1, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	var delays []time.Duration
	p := fast(4)
	p.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }

	_, err := DoValue(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, sealerr.New(sealerr.CodeKeyServiceUnavailable, "still down")
	})
	require.True(t, sealerr.Is(err, sealerr.CodeKeyServiceUnavailable))
	require.Equal(t, 4, calls)
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)
}

func TestDoHonoursCancellationWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, InitialDelay: time.Hour, BackoffFactor: 2}
	calls := 0
	err := Do(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return sealerr.New(sealerr.CodeKeyServiceUnavailable, "down")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestCustomRetryable(t *testing.T) {
	sentinel := errors.New("flaky")
	p := fast(2)
	p.Retryable = func(err error) bool { return errors.Is(err, sentinel) }
	calls := 0
	_ = Do(context.Background(), p, func(context.Context) error {
		calls++
		return sentinel
	})
	require.Equal(t, 2, calls)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
	require.NoError(t, None().Validate())
	require.Error(t, Policy{}.Validate())
	require.Error(t, Policy{MaxAttempts: 2, BackoffFactor: 0.5}.Validate())
}
