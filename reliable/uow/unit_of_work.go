package uow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/LerianStudio/lib-reliable/reliable/errgroup"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliable/reliable/opentelemetry"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
	"go.opentelemetry.io/otel/attribute"
)

// CompletedAction runs after a unit commits.
type CompletedAction func(ctx context.Context) error

// FailedAction runs when completing a unit fails.
type FailedAction func(ctx context.Context, err error) error

// DisposedAction runs once when a unit is disposed.
type DisposedAction func()

// UnitOfWork is one transaction boundary. Root units aggregate inner units,
// inner units wrap a Session.
type UnitOfWork struct {
	id       string
	parentID string
	backend  string
	manager  *Manager
	session  Session

	// queryLock serializes queries against a non thread-safe session.
	queryLock chan struct{}

	completeMu sync.Mutex

	mu          sync.Mutex
	innerIDs    []string
	completed   bool
	disposed    bool
	onCompleted []CompletedAction
	onFailed    []FailedAction
	onDisposed  []DisposedAction
}

func newUnitOfWork(manager *Manager, id, parentID, backend string, session Session) *UnitOfWork {
	return &UnitOfWork{
		id:        id,
		parentID:  parentID,
		backend:   backend,
		manager:   manager,
		session:   session,
		queryLock: make(chan struct{}, 1),
	}
}

// ID returns the unit id.
func (u *UnitOfWork) ID() string {
	return u.id
}

// ParentID returns the owning unit id, or "" for a root unit.
func (u *UnitOfWork) ParentID() string {
	return u.parentID
}

// Backend returns the backend name of an inner unit, or "" for a root unit.
func (u *UnitOfWork) Backend() string {
	return u.backend
}

// Session returns the wrapped session, or nil for an aggregate unit.
//
//nolint:ireturn
func (u *UnitOfWork) Session() Session {
	return u.session
}

// InnerUnits returns the inner units still tracked by the manager, in
// creation order.
func (u *UnitOfWork) InnerUnits() []*UnitOfWork {
	u.mu.Lock()
	ids := append([]string(nil), u.innerIDs...)
	u.mu.Unlock()

	inner := make([]*UnitOfWork, 0, len(ids))

	for _, id := range ids {
		if unit := u.manager.lookup(id); unit != nil {
			inner = append(inner, unit)
		}
	}

	return inner
}

func (u *UnitOfWork) addInner(id string) {
	u.mu.Lock()
	u.innerIDs = append(u.innerIDs, id)
	u.mu.Unlock()
}

func (u *UnitOfWork) isAggregate() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.session == nil && len(u.innerIDs) > 0
}

// IsCompleted reports whether Complete succeeded.
func (u *UnitOfWork) IsCompleted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.completed
}

// IsDisposed reports whether Dispose ran.
func (u *UnitOfWork) IsDisposed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.disposed
}

// IsActive reports whether the unit accepts writes. An aggregate unit is
// active only while at least one inner unit is.
func (u *UnitOfWork) IsActive() bool {
	u.mu.Lock()
	active := !u.completed && !u.disposed
	u.mu.Unlock()

	if !active {
		return false
	}

	if !u.isAggregate() {
		return true
	}

	for _, inner := range u.InnerUnits() {
		if inner.IsActive() {
			return true
		}
	}

	return false
}

// IsPseudoTransaction reports whether writes through this unit are visible
// immediately. A root unit without inner units is a pseudo transaction.
func (u *UnitOfWork) IsPseudoTransaction() bool {
	if u.session != nil {
		return u.session.IsPseudoTransaction()
	}

	inner := u.InnerUnits()
	for _, unit := range inner {
		if !unit.IsPseudoTransaction() {
			return false
		}
	}

	return true
}

// MustKeepForQuery reports whether any session must stay open for queries.
func (u *UnitOfWork) MustKeepForQuery() bool {
	if u.session != nil {
		return u.session.MustKeepForQuery()
	}

	for _, unit := range u.InnerUnits() {
		if unit.MustKeepForQuery() {
			return true
		}
	}

	return false
}

// SupportsParallelQuery reports whether every session tolerates concurrent
// queries.
func (u *UnitOfWork) SupportsParallelQuery() bool {
	if u.session != nil {
		return u.session.SupportsParallelQuery()
	}

	for _, unit := range u.InnerUnits() {
		if !unit.SupportsParallelQuery() {
			return false
		}
	}

	return true
}

// UowOfID returns the unit with id within this unit's tree, searching the
// most recent inner units first.
func (u *UnitOfWork) UowOfID(id string) *UnitOfWork {
	if id == "" {
		return nil
	}

	if u.id == id {
		return u
	}

	inner := u.InnerUnits()
	for i := len(inner) - 1; i >= 0; i-- {
		if found := inner[i].UowOfID(id); found != nil {
			return found
		}
	}

	return nil
}

// Lock acquires the unit's query lock, waiting until ctx is done.
func (u *UnitOfWork) Lock(ctx context.Context) error {
	select {
	case u.queryLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire unit of work lock: %w", ctx.Err())
	}
}

// Unlock releases the query lock. Unlocking an unlocked unit is a no-op.
func (u *UnitOfWork) Unlock() {
	select {
	case <-u.queryLock:
	default:
	}
}

// AcquireQuery takes the query lock when the unit's session cannot serve
// concurrent queries. The returned release is never nil on success.
func (u *UnitOfWork) AcquireQuery(ctx context.Context) (func(), error) {
	if u.SupportsParallelQuery() {
		return func() {}, nil
	}

	if err := u.Lock(ctx); err != nil {
		return nil, err
	}

	var once sync.Once

	return func() { once.Do(u.Unlock) }, nil
}

// OnCompleted queues action to run after the unit commits.
func (u *UnitOfWork) OnCompleted(action CompletedAction) {
	if action == nil {
		return
	}

	u.mu.Lock()
	u.onCompleted = append(u.onCompleted, action)
	u.mu.Unlock()
}

// OnFailed queues action to run if completing the unit fails.
func (u *UnitOfWork) OnFailed(action FailedAction) {
	if action == nil {
		return
	}

	u.mu.Lock()
	u.onFailed = append(u.onFailed, action)
	u.mu.Unlock()
}

// OnDisposed queues action to run when the unit is disposed.
func (u *UnitOfWork) OnDisposed(action DisposedAction) {
	if action == nil {
		return
	}

	u.mu.Lock()
	u.onDisposed = append(u.onDisposed, action)
	u.mu.Unlock()
}

// Complete commits the unit. Active inner units are completed in parallel
// before the unit's own session is saved. Completing twice is a no-op.
//
// On success the queued completed actions are drained in the background.
// On failure the failed actions run and a *CompletionError is returned.
func (u *UnitOfWork) Complete(ctx context.Context) error {
	u.completeMu.Lock()
	defer u.completeMu.Unlock()

	u.mu.Lock()
	completed, disposed := u.completed, u.disposed
	u.mu.Unlock()

	if completed {
		return nil
	}

	if disposed {
		return fmt.Errorf("%w: %s", ErrUnitOfWorkDisposed, u.id)
	}

	stack := string(debug.Stack())

	ctx, span := u.manager.tracer.Start(ctx, "uow.complete")
	defer span.End()

	span.SetAttributes(attribute.String("uow.id", u.id))

	if err := u.persist(ctx); err != nil {
		completionErr := &CompletionError{UnitID: u.id, Stack: stack, Err: err}

		libOpentelemetry.HandleSpanError(span, "failed to complete unit of work", err)
		u.runFailed(ctx, completionErr)

		return completionErr
	}

	u.mu.Lock()
	u.completed = true
	actions := u.onCompleted
	u.onCompleted = nil
	u.mu.Unlock()

	u.manager.runInBackground(ctx, "uow.on_completed", func(bgCtx context.Context) {
		for _, action := range actions {
			if err := action(bgCtx); err != nil {
				u.manager.logger.Log(bgCtx, log.LevelError, "unit of work completed action failed",
					log.UnitOfWork(u.id), log.Err(err))
			}
		}
	})

	return nil
}

func (u *UnitOfWork) persist(ctx context.Context) error {
	inner := u.InnerUnits()

	if len(inner) > 0 {
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLogger(u.manager.logger)

		for _, unit := range inner {
			if !unit.IsActive() {
				continue
			}

			group.Go(func() error {
				return unit.Complete(groupCtx)
			})
		}

		if err := group.Wait(); err != nil {
			return err
		}
	}

	if u.session == nil {
		return nil
	}

	if err := u.session.SaveChanges(ctx); err != nil {
		return fmt.Errorf("save changes on %s: %w", u.backend, err)
	}

	return nil
}

func (u *UnitOfWork) runFailed(ctx context.Context, cause error) {
	u.mu.Lock()
	actions := u.onFailed
	u.onFailed = nil
	u.mu.Unlock()

	for _, action := range actions {
		func() {
			defer runtime.RecoverAndLogWithContext(ctx, u.manager.logger, "uow", "on_failed")

			if err := action(ctx, cause); err != nil {
				u.manager.logger.Log(ctx, log.LevelError, "unit of work failed action failed",
					log.UnitOfWork(u.id), log.Err(err))
			}
		}()
	}
}

// Dispose releases the unit. Inner units are disposed first, then the
// session is closed, then the disposed actions run. Disposing an
// uncompleted unit aborts it. Dispose is idempotent.
func (u *UnitOfWork) Dispose(ctx context.Context) error {
	u.mu.Lock()
	if u.disposed {
		u.mu.Unlock()
		return nil
	}

	u.disposed = true
	actions := u.onDisposed
	u.onDisposed = nil
	u.onCompleted = nil
	u.mu.Unlock()

	var errs []error

	for _, inner := range u.InnerUnits() {
		if err := inner.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if u.session != nil {
		if err := u.session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s session: %w", u.backend, err))
		}
	}

	u.manager.forget(u.id)

	for _, action := range actions {
		func() {
			defer runtime.RecoverAndLogWithContext(ctx, u.manager.logger, "uow", "on_disposed")

			action()
		}()
	}

	return errors.Join(errs...)
}
