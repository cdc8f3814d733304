//go:build integration

package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/inbox"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupMongo starts a disposable MongoDB 7 container and returns a
// connected client.
func setupMongo(t *testing.T) *Client {
	t.Helper()

	ctx := context.Background()

	container, err := tcmongo.Run(ctx,
		"mongo:7",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewClient(ctx, Config{URI: uri, Database: "reliable_test"}, log.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, client.Close(ctx))
	})

	return client
}

func TestIntegration_OutboxStore(t *testing.T) {
	ctx := context.Background()
	client := setupMongo(t)

	store, err := NewOutboxStore(client)
	require.NoError(t, err)
	require.NoError(t, store.EnsureIndexes(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)

	newRow := func(id string, at time.Time) *outbox.Message {
		msg, err := outbox.NewMessage(id, []byte(`{"order":"42"}`), "orders.Created", "orders.created",
			delivery.StatusNew, at, time.Minute, nil)
		require.NoError(t, err)

		return msg
	}

	msg := newRow("order-42", now.Add(-time.Minute))
	require.NoError(t, store.Create(ctx, msg))
	assert.ErrorIs(t, store.Create(ctx, newRow("order-42", now)), delivery.ErrAlreadyExists)

	loaded, err := store.Get(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, "orders.created", loaded.RoutingKey)
	assert.True(t, msg.CreatedAt.Equal(loaded.CreatedAt))

	stale := loaded.Clone()

	loaded.MarkProcessing(now.Add(-time.Hour))
	require.NoError(t, store.Update(ctx, loaded))

	stale.MarkProcessed(now)
	assert.ErrorIs(t, store.Update(ctx, stale), delivery.ErrConcurrencyConflict)
	assert.ErrorIs(t, store.Update(ctx, newRow("ghost", now)), delivery.ErrNotFound)

	notDue := newRow("not-due", now)
	notDue.MarkFailed(errors.New("boom"), time.Hour, now)
	require.NoError(t, store.Create(ctx, notDue))

	fresh := newRow("fresh", now.Add(-time.Minute))
	require.NoError(t, store.Create(ctx, fresh))

	claimable, err := store.ListClaimable(ctx, now, delivery.ClaimPolicy{}, 10)
	require.NoError(t, err)
	require.Len(t, claimable, 2)
	assert.Equal(t, "order-42", claimable[0].ID, "abandoned processing row first")
	assert.Equal(t, "fresh", claimable[1].ID)

	processed := newRow("processed", now.Add(-30*24*time.Hour))
	processed.MarkProcessed(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, store.Create(ctx, processed))

	count, err := store.CountByStatus(ctx, delivery.StatusProcessed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	beyond, err := store.ListIDsBeyondProcessedCap(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond)

	expired, err := store.ListExpiredIDs(ctx, now.Add(-7*24*time.Hour), now.Add(-60*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"processed"}, expired)

	deleted, err := store.DeleteByIDs(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestIntegration_InboxStore(t *testing.T) {
	ctx := context.Background()
	client := setupMongo(t)

	store, err := NewInboxStore(client, WithCollection("billing_inbox"))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)

	msg, err := inbox.NewMessage("billing:invoice-7", []byte(`{}`), "billing", delivery.StatusProcessing, now, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, msg))

	msg.MarkFailed(errors.New("declined"), time.Minute, now)
	require.NoError(t, store.Update(ctx, msg))

	loaded, err := store.Get(ctx, "billing:invoice-7")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusFailed, loaded.Status)
	assert.Equal(t, 1, loaded.Retries())
	assert.Equal(t, msg.ConcurrencyToken, loaded.ConcurrencyToken)

	require.NoError(t, store.Delete(ctx, "billing:invoice-7"))
	assert.ErrorIs(t, store.Delete(ctx, "billing:invoice-7"), delivery.ErrNotFound)
}
