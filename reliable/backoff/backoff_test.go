//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{name: "attempt 0 returns base", base: time.Minute, attempt: 0, expected: time.Minute},
		{name: "attempt 1 doubles base", base: time.Minute, attempt: 1, expected: 2 * time.Minute},
		{name: "attempt 3 is 8x base", base: time.Minute, attempt: 3, expected: 8 * time.Minute},
		{name: "negative attempt treated as 0", base: time.Second, attempt: -5, expected: time.Second},
		{name: "zero base returns 0", base: 0, attempt: 4, expected: 0},
		{name: "overflow saturates", base: time.Hour, attempt: 100, expected: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestExponentialIsStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	previous := Exponential(time.Minute, 0)
	for attempt := 1; attempt < 20; attempt++ {
		current := Exponential(time.Minute, attempt)
		assert.Greater(t, current, previous)
		previous = current
	}
}

func TestFullJitterBounds(t *testing.T) {
	t.Parallel()

	assert.Zero(t, FullJitter(0))
	assert.Zero(t, FullJitter(-time.Second))

	for range 100 {
		got := FullJitter(10 * time.Millisecond)
		assert.GreaterOrEqual(t, got, time.Duration(0))
		assert.Less(t, got, 10*time.Millisecond)
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	t.Parallel()

	for range 50 {
		got := ExponentialWithJitter(time.Millisecond, 3)
		assert.Less(t, got, 8*time.Millisecond)
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), 0))
	require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
