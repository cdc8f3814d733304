//go:build integration

package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/inbox"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var errRollback = errors.New("rollback requested")

// setupPostgres starts a disposable PostgreSQL container, applies the
// embedded migrations and returns a connected backend.
func setupPostgres(t *testing.T) *Backend {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn := NewConnection(Config{
		ConnectionStringPrimary: dsn,
		PrimaryDBName:           "testdb",
		Migrate:                 true,
	}, log.NewNop())
	require.NoError(t, conn.Connect(ctx))

	t.Cleanup(func() {
		require.NoError(t, conn.Close())
	})

	backend, err := NewBackend("orders-db", conn)
	require.NoError(t, err)

	return backend
}

func newOutboxRow(t *testing.T, id string, now time.Time) *outbox.Message {
	t.Helper()

	msg, err := outbox.NewMessage(id, []byte(`{"order":"42"}`), "orders.Created", "orders.created",
		delivery.StatusNew, now, time.Minute, nil)
	require.NoError(t, err)

	return msg
}

func TestIntegration_OutboxStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := setupPostgres(t)

	store, err := NewOutboxStore(backend)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	msg := newOutboxRow(t, "order-42", now)

	require.NoError(t, store.Create(ctx, msg))
	assert.ErrorIs(t, store.Create(ctx, newOutboxRow(t, "order-42", now)), delivery.ErrAlreadyExists)

	loaded, err := store.Get(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, loaded.Payload)
	assert.Equal(t, "orders.Created", loaded.PayloadType)
	assert.Equal(t, "orders.created", loaded.RoutingKey)
	assert.Equal(t, delivery.StatusNew, loaded.Status)
	assert.True(t, now.Equal(loaded.CreatedAt))

	stale := loaded.Clone()

	loaded.MarkFailed(errors.New("broker down"), time.Minute, now)
	require.NoError(t, store.Update(ctx, loaded))
	assert.NotEqual(t, stale.ConcurrencyToken, loaded.ConcurrencyToken)

	stale.MarkProcessed(now)
	assert.ErrorIs(t, store.Update(ctx, stale), delivery.ErrConcurrencyConflict)

	failed, err := store.Get(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Retries())
	require.NotNil(t, failed.NextRetryAfter)
	assert.True(t, now.Add(2*time.Minute).Equal(*failed.NextRetryAfter))
	require.NotNil(t, failed.LastError)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, delivery.ErrNotFound)

	missing := newOutboxRow(t, "missing", now)
	assert.ErrorIs(t, store.Update(ctx, missing), delivery.ErrNotFound)
}

func TestIntegration_OutboxStore_ClaimAndCleanup(t *testing.T) {
	ctx := context.Background()
	backend := setupPostgres(t)

	store, err := NewOutboxStore(backend)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	policy := delivery.ClaimPolicy{MaxProcessing: 10 * time.Minute}

	fresh := newOutboxRow(t, "fresh", now.Add(-time.Minute))
	require.NoError(t, store.Create(ctx, fresh))

	notDue := newOutboxRow(t, "not-due", now.Add(-2*time.Minute))
	notDue.MarkFailed(errors.New("boom"), time.Hour, now)
	require.NoError(t, store.Create(ctx, notDue))

	abandoned := newOutboxRow(t, "abandoned", now.Add(-time.Hour))
	abandoned.MarkProcessing(now.Add(-time.Hour))
	require.NoError(t, store.Create(ctx, abandoned))

	oldProcessed := newOutboxRow(t, "old-processed", now.Add(-30*24*time.Hour))
	oldProcessed.MarkProcessed(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, store.Create(ctx, oldProcessed))

	claimable, err := store.ListClaimable(ctx, now, policy, 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(claimable))
	for _, msg := range claimable {
		ids = append(ids, msg.ID)
	}

	assert.Equal(t, []string{"abandoned", "fresh"}, ids)

	count, err := store.CountByStatus(ctx, delivery.StatusProcessed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	expired, err := store.ListExpiredIDs(ctx, now.Add(-7*24*time.Hour), now.Add(-60*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-processed"}, expired)

	beyond, err := store.ListIDsBeyondProcessedCap(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-processed"}, beyond)

	deleted, err := store.DeleteByIDs(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestIntegration_OutboxStore_UnitOfWork(t *testing.T) {
	ctx := context.Background()
	backend := setupPostgres(t)

	store, err := NewOutboxStore(backend)
	require.NoError(t, err)

	provider, err := uow.NewProvider([]uow.Backend{backend})
	require.NoError(t, err)

	manager := provider.NewManager()
	t.Cleanup(func() { _ = manager.Dispose(ctx) })

	now := time.Now().UTC().Truncate(time.Microsecond)

	err = manager.ExecuteInNewUow(ctx, func(ctx context.Context, unit *uow.UnitOfWork) error {
		assert.False(t, unit.IsPseudoTransaction())
		require.NoError(t, store.Create(ctx, newOutboxRow(t, "committed", now)))

		_, err := store.Get(ctx, "committed")
		require.NoError(t, err, "writes are visible inside the unit")

		_, err = store.Get(context.Background(), "committed")
		assert.ErrorIs(t, err, delivery.ErrNotFound, "writes are invisible outside the unit before commit")

		return nil
	})
	require.NoError(t, err)

	_, err = store.Get(ctx, "committed")
	require.NoError(t, err)

	err = manager.ExecuteInNewUow(ctx, func(ctx context.Context, _ *uow.UnitOfWork) error {
		require.NoError(t, store.Create(ctx, newOutboxRow(t, "rolled-back", now)))

		return errRollback
	})
	require.ErrorIs(t, err, errRollback)

	_, err = store.Get(ctx, "rolled-back")
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestIntegration_OutboxStore_SkipsLockedRows(t *testing.T) {
	ctx := context.Background()
	backend := setupPostgres(t)

	store, err := NewOutboxStore(backend)
	require.NoError(t, err)

	provider, err := uow.NewProvider([]uow.Backend{backend})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Create(ctx, newOutboxRow(t, "first", now.Add(-2*time.Minute))))
	require.NoError(t, store.Create(ctx, newOutboxRow(t, "second", now.Add(-time.Minute))))

	policy := delivery.ClaimPolicy{}

	holder := provider.NewManager()
	t.Cleanup(func() { _ = holder.Dispose(ctx) })

	held, err := holder.Begin(ctx, true)
	require.NoError(t, err)

	heldCtx := uow.ContextWithUnitOfWork(ctx, held)

	locked, err := store.ListClaimable(heldCtx, now, policy, 1)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, "first", locked[0].ID)

	err = provider.NewManager().ExecuteInNewUow(ctx, func(ctx context.Context, _ *uow.UnitOfWork) error {
		claimable, err := store.ListClaimable(ctx, now, policy, 10)
		require.NoError(t, err)
		require.Len(t, claimable, 1)
		assert.Equal(t, "second", claimable[0].ID)

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, held.Dispose(ctx))
}

func TestIntegration_InboxStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := setupPostgres(t)

	store, err := NewInboxStore(backend)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)

	msg, err := inbox.NewMessage("billing:invoice-7", []byte(`{"invoice":"7"}`), "billing",
		delivery.StatusProcessing, now, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, msg))

	loaded, err := store.Get(ctx, "billing:invoice-7")
	require.NoError(t, err)
	assert.Equal(t, "billing", loaded.ConsumerKey)
	assert.Equal(t, delivery.StatusProcessing, loaded.Status)

	loaded.MarkProcessed(now.Add(time.Second))
	require.NoError(t, store.Update(ctx, loaded))

	require.NoError(t, store.Delete(ctx, "billing:invoice-7"))
	assert.ErrorIs(t, store.Delete(ctx, "billing:invoice-7"), delivery.ErrNotFound)
}

func TestIntegration_Stores_AcceptMaximumKeyLengths(t *testing.T) {
	ctx := context.Background()
	backend := setupPostgres(t)

	outboxStore, err := NewOutboxStore(backend)
	require.NoError(t, err)

	inboxStore, err := NewInboxStore(backend)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	payloadType := strings.Repeat("t", delivery.PayloadTypeMaxLength)
	routingKey := strings.Repeat("r", delivery.RoutingKeyMaxLength)
	consumerKey := strings.Repeat("c", delivery.ConsumerKeyMaxLength)

	sent, err := outbox.NewMessage("wide-1", []byte(`{}`), payloadType, routingKey, delivery.StatusNew, now, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, outboxStore.Create(ctx, sent))

	loaded, err := outboxStore.Get(ctx, "wide-1")
	require.NoError(t, err)
	assert.Equal(t, payloadType, loaded.PayloadType)
	assert.Equal(t, routingKey, loaded.RoutingKey)

	received, err := inbox.NewMessage(delivery.BuildInboxID(consumerKey, "invoice-9"), []byte(`{}`), consumerKey,
		delivery.StatusNew, now, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, inboxStore.Create(ctx, received))

	stored, err := inboxStore.Get(ctx, received.ID)
	require.NoError(t, err)
	assert.Equal(t, consumerKey, stored.ConsumerKey)
}

func TestIntegration_InboxStore_ClaimsByLastConsume(t *testing.T) {
	ctx := context.Background()
	backend := setupPostgres(t)

	store, err := NewInboxStore(backend)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)

	for i, id := range []string{"older", "newer"} {
		msg, err := inbox.NewMessage(id, []byte(`{}`), "billing", delivery.StatusNew,
			now.Add(time.Duration(i-2)*time.Minute), time.Minute, nil)
		require.NoError(t, err)
		require.NoError(t, store.Create(ctx, msg))
	}

	claimable, err := store.ListClaimable(ctx, now, delivery.ClaimPolicy{}, 10)
	require.NoError(t, err)
	require.Len(t, claimable, 2)
	assert.Equal(t, "older", claimable[0].ID)
	assert.True(t, now.Add(-2*time.Minute).Equal(claimable[0].LastConsumeAt()))
}

func TestIntegration_UnitOfWork_ConcurrentQueriesShareOneTransaction(t *testing.T) {
	ctx := context.Background()
	backend := setupPostgres(t)

	store, err := NewOutboxStore(backend)
	require.NoError(t, err)

	provider, err := uow.NewProvider([]uow.Backend{backend})
	require.NoError(t, err)

	manager := provider.NewManager()
	t.Cleanup(func() { _ = manager.Dispose(ctx) })

	now := time.Now().UTC().Truncate(time.Microsecond)

	rows := make([]*outbox.Message, 0, 6)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		rows = append(rows, newOutboxRow(t, id, now))
	}

	err = manager.ExecuteInNewUow(ctx, func(ctx context.Context, _ *uow.UnitOfWork) error {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)

		for _, row := range rows {
			wg.Add(1)

			go func() {
				defer wg.Done()

				if err := store.Create(ctx, row); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()

					return
				}

				if _, err := store.ListClaimable(ctx, now, delivery.ClaimPolicy{}, 10); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		return errors.Join(errs...)
	})
	require.NoError(t, err)

	count, err := store.CountByStatus(ctx, delivery.StatusNew)
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
}
