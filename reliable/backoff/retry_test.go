//go:build unit

package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestDoSucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	var retries []int

	err := Do(context.Background(), Policy{
		MaxRetries: 2,
		Delay:      Linear(time.Millisecond),
		OnRetry:    func(retry int, _ error) { retries = append(retries, retry) },
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	calls := 0

	err := Do(context.Background(), Policy{MaxRetries: 2}, func(context.Context) error {
		calls++
		return errFlaky
	})

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	calls := 0

	err := Do(context.Background(), Policy{
		MaxRetries: 5,
		Retryable:  func(err error) bool { return !errors.Is(err, fatal) },
	}, func(context.Context) error {
		calls++
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{MaxRetries: 3, Delay: Constant(time.Hour)}, func(context.Context) error {
		return errFlaky
	})

	require.ErrorIs(t, err, errFlaky)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDoValueReturnsValue(t *testing.T) {
	t.Parallel()

	got, err := DoValue(context.Background(), Policy{MaxRetries: 1}, func(context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestLinearAndConstant(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 400*time.Millisecond, Linear(200*time.Millisecond)(2))
	assert.Equal(t, 10*time.Second, Constant(10*time.Second)(7))
}
