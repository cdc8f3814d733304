//go:build unit

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/inbox"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newOutboxRow(t *testing.T, id string, status delivery.Status, at time.Time) *outbox.Message {
	t.Helper()

	msg, err := outbox.NewMessage(id, []byte(`{"n":1}`), "event", "orders.created", status, at, time.Minute, nil)
	require.NoError(t, err)

	return msg
}

func TestOutboxStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore(NewBackend("", false))

	msg := newOutboxRow(t, "a", delivery.StatusNew, baseTime)
	require.NoError(t, store.Create(ctx, msg))

	err := store.Create(ctx, newOutboxRow(t, "a", delivery.StatusNew, baseTime))
	assert.ErrorIs(t, err, delivery.ErrAlreadyExists)

	loaded, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, msg.ConcurrencyToken, loaded.ConcurrencyToken)

	loaded.MarkProcessing(baseTime.Add(time.Second))
	previous := loaded.ConcurrencyToken
	require.NoError(t, store.Update(ctx, loaded))
	assert.NotEqual(t, previous, loaded.ConcurrencyToken)

	// msg still carries the original token.
	msg.MarkProcessed(baseTime)
	assert.ErrorIs(t, store.Update(ctx, msg), delivery.ErrConcurrencyConflict)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestOutboxStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore(NewBackend("", false))

	require.NoError(t, store.Create(ctx, newOutboxRow(t, "a", delivery.StatusNew, baseTime)))

	loaded, err := store.Get(ctx, "a")
	require.NoError(t, err)

	loaded.Payload[0] = 'X'
	loaded.Status = delivery.StatusFailed

	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), again.Payload[0])
	assert.Equal(t, delivery.StatusNew, again.Status)
}

func TestOutboxStore_ListClaimable(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore(NewBackend("", false))
	now := baseTime.Add(time.Hour)

	rows := []*outbox.Message{
		newOutboxRow(t, "new-late", delivery.StatusNew, baseTime.Add(2*time.Minute)),
		newOutboxRow(t, "new-early", delivery.StatusNew, baseTime),
		newOutboxRow(t, "processed", delivery.StatusProcessed, baseTime),
		newOutboxRow(t, "processing-fresh", delivery.StatusProcessing, now.Add(-time.Minute)),
		newOutboxRow(t, "processing-stale", delivery.StatusProcessing, now.Add(-time.Hour)),
	}

	for _, row := range rows {
		require.NoError(t, store.Create(ctx, row))
	}

	claimable, err := store.ListClaimable(ctx, now, delivery.ClaimPolicy{MaxProcessing: 10 * time.Minute}, 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(claimable))
	for _, row := range claimable {
		ids = append(ids, row.ID)
	}

	assert.Equal(t, []string{"new-early", "processing-stale", "new-late"}, ids)

	limited, err := store.ListClaimable(ctx, now, delivery.ClaimPolicy{MaxProcessing: 10 * time.Minute}, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "new-early", limited[0].ID)
}

func TestOutboxStore_CleanupQueries(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore(NewBackend("", false))

	for i, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, store.Create(ctx, newOutboxRow(t, id, delivery.StatusProcessed, baseTime.Add(time.Duration(i)*time.Hour))))
	}

	require.NoError(t, store.Create(ctx, newOutboxRow(t, "f1", delivery.StatusFailed, baseTime)))

	count, err := store.CountByStatus(ctx, delivery.StatusProcessed)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	beyond, err := store.ListIDsBeyondProcessedCap(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, beyond)

	expired, err := store.ListExpiredIDs(ctx, baseTime.Add(90*time.Minute), baseTime.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2", "f1"}, expired)

	deleted, err := store.DeleteByIDs(ctx, []string{"p1", "p2", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, 2, store.Len())
}

func TestTransactionalBackend_StagesUntilComplete(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend("orders", true)
	store := NewOutboxStore(backend)

	provider, err := uow.NewProvider([]uow.Backend{backend})
	require.NoError(t, err)

	manager := provider.NewManager()
	defer func() { _ = manager.Dispose(ctx) }()

	unit, err := manager.Begin(ctx, false)
	require.NoError(t, err)
	assert.False(t, unit.IsPseudoTransaction())

	unitCtx := uow.ContextWithUnitOfWork(ctx, unit)
	require.NoError(t, store.Create(unitCtx, newOutboxRow(t, "a", delivery.StatusNew, baseTime)))

	assert.Equal(t, 0, store.Len())

	session, ok := uow.SessionOf(unit, func(*Session) bool { return true })
	require.True(t, ok)
	assert.Equal(t, 1, session.Pending())

	require.NoError(t, unit.Complete(ctx))
	assert.Equal(t, 1, store.Len())
}

func TestTransactionalBackend_DisposeDiscards(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend("orders", true)
	store := NewOutboxStore(backend)

	provider, err := uow.NewProvider([]uow.Backend{backend})
	require.NoError(t, err)

	manager := provider.NewManager()

	err = manager.ExecuteInNewUow(ctx, func(ctx context.Context, _ *uow.UnitOfWork) error {
		require.NoError(t, store.Create(ctx, newOutboxRow(t, "a", delivery.StatusNew, baseTime)))

		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestTransactionalBackend_CommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend("orders", true)
	store := NewOutboxStore(backend)

	require.NoError(t, store.Create(ctx, newOutboxRow(t, "taken", delivery.StatusNew, baseTime)))

	provider, err := uow.NewProvider([]uow.Backend{backend})
	require.NoError(t, err)

	err = provider.NewManager().ExecuteInNewUow(ctx, func(ctx context.Context, _ *uow.UnitOfWork) error {
		require.NoError(t, store.Create(ctx, newOutboxRow(t, "fresh", delivery.StatusNew, baseTime)))

		return store.Create(ctx, newOutboxRow(t, "taken", delivery.StatusNew, baseTime))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, delivery.ErrAlreadyExists)
	assert.ErrorIs(t, err, uow.ErrUnitOfWorkCompletion)

	_, getErr := store.Get(ctx, "fresh")
	assert.ErrorIs(t, getErr, delivery.ErrNotFound)
}

func TestInboxStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewInboxStore(NewBackend("", false))

	msg, err := inbox.NewMessage("i1", []byte(`{}`), "billing", delivery.StatusProcessing, baseTime, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, msg))

	require.NoError(t, store.Delete(ctx, "i1"))
	assert.ErrorIs(t, store.Delete(ctx, "i1"), delivery.ErrNotFound)
	assert.Equal(t, 0, store.Len())
}
