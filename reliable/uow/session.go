package uow

import "context"

// Session is the persistence-level transaction wrapped by an inner unit.
type Session interface {
	// SaveChanges commits pending writes.
	SaveChanges(ctx context.Context) error
	// Close releases the session, rolling back anything not saved.
	Close(ctx context.Context) error
	// IsPseudoTransaction reports whether writes are visible immediately,
	// without a real transaction.
	IsPseudoTransaction() bool
	// MustKeepForQuery reports whether the session must stay open for
	// queries to run against it.
	MustKeepForQuery() bool
	// SupportsParallelQuery reports whether concurrent queries are safe.
	SupportsParallelQuery() bool
}

// Backend opens sessions for one persistence store.
type Backend interface {
	Name() string
	OpenSession(ctx context.Context) (Session, error)
}

// PseudoSession is a Session for stores without transactions. Every
// method is a no-op.
type PseudoSession struct{}

func (PseudoSession) SaveChanges(context.Context) error { return nil }

func (PseudoSession) Close(context.Context) error { return nil }

func (PseudoSession) IsPseudoTransaction() bool { return true }

func (PseudoSession) MustKeepForQuery() bool { return false }

func (PseudoSession) SupportsParallelQuery() bool { return true }
