package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Manager owns the units of one scope, usually one request or one loop
// cycle. It is safe for concurrent use.
//
// Lock order is mu, then unitsMu, then a unit's own mutex.
type Manager struct {
	backends []Backend
	logger   log.Logger
	tracer   trace.Tracer

	mu        sync.Mutex
	stack     []string
	free      map[string]struct{}
	globalID  string
	disposing bool
	disposed  bool

	unitsMu sync.RWMutex
	units   map[string]*UnitOfWork

	background sync.WaitGroup
}

func newManager(backends []Backend, logger log.Logger, tracer trace.Tracer) *Manager {
	return &Manager{
		backends: backends,
		logger:   logger,
		tracer:   tracer,
		free:     make(map[string]struct{}),
		units:    make(map[string]*UnitOfWork),
	}
}

func (m *Manager) lookup(id string) *UnitOfWork {
	m.unitsMu.RLock()
	defer m.unitsMu.RUnlock()

	return m.units[id]
}

func (m *Manager) track(unit *UnitOfWork) {
	m.unitsMu.Lock()
	m.units[unit.id] = unit
	m.unitsMu.Unlock()
}

func (m *Manager) forget(id string) {
	m.unitsMu.Lock()
	delete(m.units, id)
	m.unitsMu.Unlock()
}

// UnitOfWork returns the tracked unit with id, or nil.
func (m *Manager) UnitOfWork(id string) *UnitOfWork {
	return m.lookup(id)
}

func (m *Manager) isDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.disposed
}

// newRoot creates a root unit aggregating one inner unit per backend.
func (m *Manager) newRoot(ctx context.Context) (*UnitOfWork, error) {
	if m.isDisposed() {
		return nil, ErrManagerDisposed
	}

	root := newUnitOfWork(m, uuid.NewString(), "", "", nil)
	m.track(root)

	for _, backend := range m.backends {
		session, err := backend.OpenSession(ctx)
		if err != nil {
			_ = root.Dispose(ctx)

			return nil, fmt.Errorf("open %s session: %w", backend.Name(), err)
		}

		inner := newUnitOfWork(m, uuid.NewString(), root.id, backend.Name(), session)
		m.track(inner)
		root.addInner(inner.id)
	}

	return root, nil
}

// CreateNewUow creates a unit that is addressable by id but not pushed on
// the ambient stack.
func (m *Manager) CreateNewUow(ctx context.Context) (*UnitOfWork, error) {
	unit, err := m.newRoot(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.free[unit.id] = struct{}{}
	m.mu.Unlock()

	unit.OnDisposed(m.RemoveAllInactiveUow)

	return unit, nil
}

// Begin returns the current active unit. When suppressCurrent is true, or
// no unit is current, a new unit is created and pushed first.
func (m *Manager) Begin(ctx context.Context, suppressCurrent bool) (*UnitOfWork, error) {
	m.RemoveAllInactiveUow()

	m.mu.Lock()
	empty := len(m.stack) == 0
	m.mu.Unlock()

	if suppressCurrent || empty {
		unit, err := m.CreateNewUow(ctx)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.stack = append(m.stack, unit.id)
		m.mu.Unlock()

		return unit, nil
	}

	return m.CurrentActiveUow()
}

// CurrentUow returns the top of the ambient stack after pruning inactive
// units, or nil.
func (m *Manager) CurrentUow() *UnitOfWork {
	m.RemoveAllInactiveUow()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.stack) == 0 {
		return nil
	}

	return m.lookup(m.stack[len(m.stack)-1])
}

// CurrentActiveUow returns the current unit or an error when there is none
// or it is no longer active.
func (m *Manager) CurrentActiveUow() (*UnitOfWork, error) {
	current := m.CurrentUow()
	if current == nil {
		return nil, ErrNoActiveUnitOfWork
	}

	if !current.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrUnitOfWorkInactive, current.id)
	}

	return current, nil
}

// CurrentOrCreatedActiveUow returns the active unit with id, searching the
// stack and the free-created units. An empty id means the current unit.
func (m *Manager) CurrentOrCreatedActiveUow(id string) (*UnitOfWork, error) {
	if id == "" {
		return m.CurrentActiveUow()
	}

	unit := m.findInScope(id)
	if unit == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnitOfWorkNotFound, id)
	}

	if !unit.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrUnitOfWorkInactive, id)
	}

	return unit, nil
}

// TryGetCurrentActiveUow is CurrentActiveUow returning nil instead of an error.
func (m *Manager) TryGetCurrentActiveUow() *UnitOfWork {
	unit, err := m.CurrentActiveUow()
	if err != nil {
		return nil
	}

	return unit
}

// TryGetCurrentOrCreatedActiveUow is CurrentOrCreatedActiveUow returning nil
// instead of an error.
func (m *Manager) TryGetCurrentOrCreatedActiveUow(id string) *UnitOfWork {
	unit, err := m.CurrentOrCreatedActiveUow(id)
	if err != nil {
		return nil
	}

	return unit
}

// HasCurrentActiveUow reports whether an active current unit exists.
func (m *Manager) HasCurrentActiveUow() bool {
	return m.TryGetCurrentActiveUow() != nil
}

// HasCurrentOrCreatedActiveUow reports whether an active unit with id exists.
func (m *Manager) HasCurrentOrCreatedActiveUow(id string) bool {
	return m.TryGetCurrentOrCreatedActiveUow(id) != nil
}

func (m *Manager) findInScope(id string) *UnitOfWork {
	m.mu.Lock()
	roots := make([]string, 0, len(m.stack)+len(m.free))
	roots = append(roots, m.stack...)

	for freeID := range m.free {
		roots = append(roots, freeID)
	}
	m.mu.Unlock()

	for i := len(roots) - 1; i >= 0; i-- {
		root := m.lookup(roots[i])
		if root == nil {
			continue
		}

		if found := root.UowOfID(id); found != nil {
			return found
		}
	}

	return nil
}

// GlobalUow returns the lazily created read-only unit. It is never pushed
// on the stack and is recreated once disposed.
func (m *Manager) GlobalUow(ctx context.Context) (*UnitOfWork, error) {
	m.mu.Lock()
	globalID := m.globalID
	m.mu.Unlock()

	if global := m.lookup(globalID); global != nil && !global.IsDisposed() {
		return global, nil
	}

	global, err := m.newRoot(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.globalID = global.id
	m.mu.Unlock()

	return global, nil
}

// RemoveAllInactiveUow prunes completed or disposed units from the stack
// and the free-created set. It is skipped while the manager is disposing.
func (m *Manager) RemoveAllInactiveUow() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposing {
		return
	}

	kept := m.stack[:0]

	for _, id := range m.stack {
		if unit := m.lookup(id); unit != nil && unit.IsActive() {
			kept = append(kept, id)
		}
	}

	m.stack = kept

	for id := range m.free {
		if unit := m.lookup(id); unit == nil || !unit.IsActive() {
			delete(m.free, id)
		}
	}
}

// Dispose disposes every unit the manager still tracks and waits for
// completed actions running in the background. Dispose is idempotent.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}

	m.disposing = true
	m.disposed = true
	roots := append([]string(nil), m.stack...)

	for id := range m.free {
		roots = append(roots, id)
	}

	if m.globalID != "" {
		roots = append(roots, m.globalID)
	}

	m.stack = nil
	m.free = make(map[string]struct{})
	m.globalID = ""
	m.mu.Unlock()

	var errs []error

	for i := len(roots) - 1; i >= 0; i-- {
		if unit := m.lookup(roots[i]); unit != nil {
			if err := unit.Dispose(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := m.WaitBackground(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (m *Manager) runInBackground(ctx context.Context, name string, fn func(ctx context.Context)) {
	m.background.Add(1)

	runtime.SafeGoWithContextAndComponent(Detach(ctx), m.logger, "uow", name, runtime.KeepRunning,
		func(ctx context.Context) {
			defer m.background.Done()

			fn(ctx)
		})
}

// WaitBackground blocks until completed actions queued so far have run, or
// ctx is done.
func (m *Manager) WaitBackground(ctx context.Context) error {
	done := make(chan struct{})

	runtime.SafeGo(m.logger, "uow.wait_background", runtime.KeepRunning, func() {
		m.background.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for unit of work actions: %w", ctx.Err())
	}
}

// ExecuteInNewUow runs fn inside a new unit pushed on the stack, completes
// it when fn succeeds and always disposes it. The unit is reachable from
// the context passed to fn.
func (m *Manager) ExecuteInNewUow(ctx context.Context, fn func(ctx context.Context, unit *UnitOfWork) error) error {
	_, err := ExecuteInNewUowResult(ctx, m, func(ctx context.Context, unit *UnitOfWork) (struct{}, error) {
		return struct{}{}, fn(ctx, unit)
	})

	return err
}

// ExecuteInNewUowResult is ExecuteInNewUow for functions producing a value.
func ExecuteInNewUowResult[T any](
	ctx context.Context,
	m *Manager,
	fn func(ctx context.Context, unit *UnitOfWork) (T, error),
) (T, error) {
	var zero T

	if m == nil {
		return zero, ErrManagerRequired
	}

	unit, err := m.Begin(ctx, true)
	if err != nil {
		return zero, err
	}

	defer func() {
		if disposeErr := unit.Dispose(context.WithoutCancel(ctx)); disposeErr != nil {
			m.logger.Log(ctx, log.LevelWarn, "failed to dispose unit of work",
				log.UnitOfWork(unit.id), log.Err(disposeErr))
		}
	}()

	result, err := fn(ContextWithUnitOfWork(ContextWithManager(ctx, m), unit), unit)
	if err != nil {
		return zero, err
	}

	if err := unit.Complete(ctx); err != nil {
		return zero, err
	}

	return result, nil
}
