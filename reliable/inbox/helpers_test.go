//go:build unit

package inbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/clock"
	"github.com/LerianStudio/lib-reliable/reliable/inbox"
	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"github.com/stretchr/testify/require"
)

var (
	baseTime    = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errDeclined = errors.New("card declined")
)

type invoiceIssued struct {
	InvoiceID string `json:"invoiceId"`
}

// recordingHandler fails the first failures calls, then succeeds.
type recordingHandler struct {
	mu       sync.Mutex
	failures int
	calls    []invoiceIssued
	metas    []inbox.Metadata
}

func (h *recordingHandler) handle(_ context.Context, msg invoiceIssued, meta inbox.Metadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, msg)
	h.metas = append(h.metas, meta)

	if h.failures > 0 {
		h.failures--

		return errDeclined
	}

	return nil
}

func (h *recordingHandler) snapshot() ([]invoiceIssued, []inbox.Metadata) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]invoiceIssued(nil), h.calls...), append([]inbox.Metadata(nil), h.metas...)
}

func testConfig() inbox.Config {
	cfg := inbox.DefaultConfig()
	cfg.RetryUnit = time.Minute
	cfg.StoreWriteDelay = time.Millisecond
	cfg.MaxJitter = 0

	return cfg
}

func newRegistry(t *testing.T, key string, handler *recordingHandler, opts ...inbox.ConsumerOption) *inbox.Registry {
	t.Helper()

	registry := inbox.NewRegistry()

	opts = append([]inbox.ConsumerOption{inbox.RetryOnFailed(0, 0)}, opts...)
	require.NoError(t, inbox.Register[invoiceIssued](registry, key, handler.handle, opts...))

	return registry
}

func newProvider(t *testing.T, backends ...uow.Backend) *uow.Provider {
	t.Helper()

	provider, err := uow.NewProvider(backends)
	require.NoError(t, err)

	return provider
}

func newWrapper(t *testing.T, registry *inbox.Registry, store inbox.Store, clk clock.Clock, provider *uow.Provider) *inbox.Wrapper {
	t.Helper()

	opts := []inbox.Option{inbox.WithStore(store), inbox.WithConfig(testConfig()), inbox.WithClock(clk)}
	if provider != nil {
		opts = append(opts, inbox.WithProvider(provider))
	}

	wrapper, err := inbox.NewWrapper(registry, nil, nil, opts...)
	require.NoError(t, err)

	return wrapper
}

func newDispatcher(t *testing.T, registry *inbox.Registry, store inbox.Store, clk clock.Clock) *inbox.Dispatcher {
	t.Helper()

	dispatcher, err := inbox.NewDispatcher(registry, nil, nil,
		[]inbox.Option{inbox.WithStore(store), inbox.WithConfig(testConfig()), inbox.WithClock(clk)},
		inbox.WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
	require.NoError(t, err)

	return dispatcher
}

func mustGet(t *testing.T, store inbox.Store, id string) *inbox.Message {
	t.Helper()

	msg, err := store.Get(context.Background(), id)
	require.NoError(t, err)

	return msg
}
