//go:build unit

package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/clock"
	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
	"github.com/LerianStudio/lib-reliable/reliable/store/memory"
	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"github.com/stretchr/testify/require"
)

var (
	baseTime      = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errBrokerDown = errors.New("broker down")
)

type orderCreated struct {
	OrderID string `json:"orderId"`
}

// recordingTransport fails the first failures publishes, then succeeds.
type recordingTransport struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	published []outbox.OutgoingMessage
}

func (r *recordingTransport) Publish(_ context.Context, msg outbox.OutgoingMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts++

	if r.failures > 0 {
		r.failures--

		return errBrokerDown
	}

	r.published = append(r.published, msg)

	return nil
}

func (r *recordingTransport) snapshot() (int, []outbox.OutgoingMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.attempts, append([]outbox.OutgoingMessage(nil), r.published...)
}

func testConfig() outbox.Config {
	cfg := outbox.DefaultConfig()
	cfg.RetryUnit = time.Minute
	cfg.StoreWriteDelay = time.Millisecond
	cfg.MaxJitter = 0

	return cfg
}

func newProvider(t *testing.T, backends ...uow.Backend) *uow.Provider {
	t.Helper()

	provider, err := uow.NewProvider(backends)
	require.NoError(t, err)

	return provider
}

func noJitter(time.Duration) time.Duration { return 0 }

func newSender(t *testing.T, store outbox.Store, transport outbox.Transport, clk clock.Clock) *outbox.Sender {
	t.Helper()

	sender, err := outbox.NewSender(store, transport, nil, nil,
		outbox.WithSenderConfig(testConfig()),
		outbox.WithSenderClock(clk),
		outbox.WithJitter(noJitter),
	)
	require.NoError(t, err)

	return sender
}

func mustGet(t *testing.T, store outbox.Store, id string) *outbox.Message {
	t.Helper()

	msg, err := store.Get(context.Background(), id)
	require.NoError(t, err)

	return msg
}

func createRow(t *testing.T, store *memory.OutboxStore, id string, status delivery.Status, at time.Time) {
	t.Helper()

	msg, err := outbox.NewMessage(id, []byte(`{"orderId":"`+id+`"}`), "orderCreated", "orders.created", status, at, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), msg))
}
