//go:build unit

package outbox_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/clock"
	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
	"github.com/LerianStudio/lib-reliable/reliable/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSender_RequiresDependencies(t *testing.T) {
	store := memory.NewOutboxStore(memory.NewBackend("", false))

	_, err := outbox.NewSender(nil, &recordingTransport{}, nil, nil)
	require.ErrorIs(t, err, delivery.ErrStoreRequired)

	_, err = outbox.NewSender(store, nil, nil, nil)
	require.ErrorIs(t, err, outbox.ErrTransportRequired)
}

func TestSender_PublishesNewRows(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore(memory.NewBackend("", false))
	transport := &recordingTransport{}
	clk := clock.NewFake(baseTime)

	createRow(t, store, "a", delivery.StatusNew, baseTime)
	createRow(t, store, "b", delivery.StatusNew, baseTime)
	createRow(t, store, "done", delivery.StatusProcessed, baseTime)

	result, err := newSender(t, store, transport, clk).SendOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, outbox.SendResult{Claimed: 2, Published: 2, Drains: 1}, result)

	for _, id := range []string{"a", "b"} {
		row := mustGet(t, store, id)
		assert.Equal(t, delivery.StatusProcessed, row.Status)
		assert.Equal(t, baseTime, row.LastAttemptAt)
	}
}

func TestSender_RetriesWithExponentialSchedule(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore(memory.NewBackend("", false))
	transport := &recordingTransport{failures: 2}
	clk := clock.NewFake(baseTime)
	sender := newSender(t, store, transport, clk)

	createRow(t, store, "a", delivery.StatusNew, baseTime)

	result, err := sender.SendOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	row := mustGet(t, store, "a")
	assert.Equal(t, delivery.StatusFailed, row.Status)
	assert.Equal(t, 1, row.Retries())
	require.NotNil(t, row.NextRetryAfter)
	assert.Equal(t, baseTime.Add(2*time.Minute), *row.NextRetryAfter)

	// Not due yet.
	result, err = sender.SendOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)

	clk.Advance(2 * time.Minute)

	_, err = sender.SendOnce(ctx)
	require.NoError(t, err)

	row = mustGet(t, store, "a")
	assert.Equal(t, delivery.StatusFailed, row.Status)
	assert.Equal(t, 2, row.Retries())
	require.NotNil(t, row.NextRetryAfter)
	assert.Equal(t, clk.Now().Add(4*time.Minute), *row.NextRetryAfter)

	clk.Advance(4 * time.Minute)

	result, err = sender.SendOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Published)

	row = mustGet(t, store, "a")
	assert.Equal(t, delivery.StatusProcessed, row.Status)
	assert.Equal(t, 2, row.Retries())
	assert.Nil(t, row.NextRetryAfter)
	assert.Nil(t, row.LastError)

	attempts, published := transport.snapshot()
	assert.Equal(t, 3, attempts)
	assert.Len(t, published, 1)
}

func TestSender_ReclaimsAbandonedProcessingRows(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore(memory.NewBackend("", false))
	transport := &recordingTransport{}
	clk := clock.NewFake(baseTime)

	createRow(t, store, "stale", delivery.StatusProcessing, baseTime.Add(-time.Hour))
	createRow(t, store, "fresh", delivery.StatusProcessing, baseTime.Add(-time.Minute))

	result, err := newSender(t, store, transport, clk).SendOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Published)

	assert.Equal(t, delivery.StatusProcessed, mustGet(t, store, "stale").Status)
	assert.Equal(t, delivery.StatusProcessing, mustGet(t, store, "fresh").Status)
}

func TestSender_DrainsInBatches(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore(memory.NewBackend("", false))
	transport := &recordingTransport{}

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		createRow(t, store, id, delivery.StatusNew, baseTime)
	}

	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.MaxParallel = 1

	var pauses atomic.Int32

	sender, err := outbox.NewSender(store, transport, nil, nil,
		outbox.WithSenderConfig(cfg),
		outbox.WithSenderClock(clock.NewFake(baseTime)),
		outbox.WithJitter(func(time.Duration) time.Duration {
			pauses.Add(1)

			return 0
		}),
	)
	require.NoError(t, err)

	result, err := sender.SendOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Claimed)
	assert.Equal(t, 5, result.Published)
	assert.Equal(t, 3, result.Drains)
	assert.Equal(t, int32(3), pauses.Load(), "one pause before every claim after the first")
}

func TestSender_CancelledContextStopsCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := memory.NewOutboxStore(memory.NewBackend("", false))
	createRow(t, store, "a", delivery.StatusNew, baseTime)

	_, err := newSender(t, store, &recordingTransport{}, clock.NewFake(baseTime)).SendOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, delivery.StatusNew, mustGet(t, store, "a").Status)
}
