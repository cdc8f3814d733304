package uow

import "context"

type managerKey struct{}

type unitKey struct{}

// ContextWithManager attaches manager to ctx.
func ContextWithManager(ctx context.Context, manager *Manager) context.Context {
	return context.WithValue(ctx, managerKey{}, manager)
}

// ManagerFromContext returns the manager attached to ctx, or nil.
func ManagerFromContext(ctx context.Context) *Manager {
	if ctx == nil {
		return nil
	}

	manager, _ := ctx.Value(managerKey{}).(*Manager)

	return manager
}

// ContextWithUnitOfWork attaches unit to ctx.
func ContextWithUnitOfWork(ctx context.Context, unit *UnitOfWork) context.Context {
	return context.WithValue(ctx, unitKey{}, unit)
}

// UnitOfWorkFromContext returns the unit attached to ctx, or nil.
func UnitOfWorkFromContext(ctx context.Context) *UnitOfWork {
	if ctx == nil {
		return nil
	}

	unit, _ := ctx.Value(unitKey{}).(*UnitOfWork)

	return unit
}

// ActiveFromContext returns the unit attached to ctx when it is active,
// falling back to the current active unit of the attached manager.
func ActiveFromContext(ctx context.Context) *UnitOfWork {
	if unit := UnitOfWorkFromContext(ctx); unit != nil && unit.IsActive() {
		return unit
	}

	if manager := ManagerFromContext(ctx); manager != nil {
		return manager.TryGetCurrentActiveUow()
	}

	return nil
}

// SessionOf returns the first session of type T in unit's tree accepted by
// match. A nil match accepts any session of type T.
func SessionOf[T Session](unit *UnitOfWork, match func(T) bool) (T, bool) {
	_, session, ok := UnitOf(unit, match)

	return session, ok
}

// UnitOf is SessionOf that also returns the unit wrapping the session.
func UnitOf[T Session](unit *UnitOfWork, match func(T) bool) (*UnitOfWork, T, bool) {
	var zero T

	if unit == nil {
		return nil, zero, false
	}

	if session, ok := unit.session.(T); ok && (match == nil || match(session)) {
		return unit, session, true
	}

	for _, inner := range unit.InnerUnits() {
		if owner, session, ok := UnitOf(inner, match); ok {
			return owner, session, true
		}
	}

	return nil, zero, false
}

// Detach returns a context carrying ctx's values without its cancellation,
// manager or unit. Store calls made with it run outside any transaction.
func Detach(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = context.WithValue(context.WithoutCancel(ctx), managerKey{}, (*Manager)(nil))

	return context.WithValue(ctx, unitKey{}, (*UnitOfWork)(nil))
}
