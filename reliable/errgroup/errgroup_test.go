//go:build unit

package errgroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReturnsFirstError(t *testing.T) {
	t.Parallel()

	first := errors.New("first")
	group, ctx := WithContext(context.Background())

	group.Go(func() error { return first })
	group.Go(func() error {
		<-ctx.Done()
		return errors.New("second")
	})

	require.ErrorIs(t, group.Wait(), first)
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestWaitNilWhenAllSucceed(t *testing.T) {
	t.Parallel()

	var count atomic.Int32
	group, _ := WithContext(context.Background())

	for range 10 {
		group.Go(func() error {
			count.Add(1)
			return nil
		})
	}

	require.NoError(t, group.Wait())
	assert.Equal(t, int32(10), count.Load())
}

func TestPanicIsConvertedToError(t *testing.T) {
	t.Parallel()

	group, _ := WithContext(context.Background())
	group.Go(func() error { panic("boom") })

	err := group.Wait()
	require.ErrorIs(t, err, ErrPanicRecovered)
	assert.Contains(t, err.Error(), "boom")
}

func TestZeroValueGroup(t *testing.T) {
	t.Parallel()

	var group Group
	group.Go(func() error { return nil })

	require.NoError(t, group.Wait())
}

func TestSetLimitBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32

	group, _ := WithContext(context.Background())
	group.SetLimit(2)

	for range 8 {
		group.Go(func() error {
			current := running.Add(1)
			for {
				old := peak.Load()
				if current <= old || peak.CompareAndSwap(old, current) {
					break
				}
			}

			time.Sleep(5 * time.Millisecond)
			running.Add(-1)

			return nil
		})
	}

	require.NoError(t, group.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}
