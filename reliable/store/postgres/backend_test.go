//go:build unit

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUnitContext(t *testing.T, backend *Backend) context.Context {
	t.Helper()

	provider, err := uow.NewProvider([]uow.Backend{backend})
	require.NoError(t, err)

	manager := provider.NewManager()
	t.Cleanup(func() { _ = manager.Dispose(context.Background()) })

	unit, err := manager.Begin(context.Background(), true)
	require.NoError(t, err)

	return uow.ContextWithUnitOfWork(context.Background(), unit)
}

func TestAcquireSerializesQueriesOnOneSession(t *testing.T) {
	t.Parallel()

	backend := &Backend{name: "orders"}
	ctx := newUnitContext(t, backend)

	session, release, err := backend.acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.False(t, session.SupportsParallelQuery())

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	_, _, err = backend.acquire(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	again, second, err := backend.acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, session, again)
	second()
}

func TestAcquireOutsideUnitOfWorkTakesNoLock(t *testing.T) {
	t.Parallel()

	backend := &Backend{name: "orders"}

	session, release, err := backend.acquire(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
	require.NotNil(t, release)

	release()
}

func TestAcquireIgnoresOtherBackends(t *testing.T) {
	t.Parallel()

	owner := &Backend{name: "orders"}
	other := &Backend{name: "billing"}
	ctx := newUnitContext(t, owner)

	session, release, err := other.acquire(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	release()
}
