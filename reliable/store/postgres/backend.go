package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-reliable/reliable/uow"
)

// ErrSessionClosed is returned when querying through a closed session.
var ErrSessionClosed = errors.New("postgres session is closed")

// executor is satisfied by *sql.DB, *sql.Tx and dbresolver.DB.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Backend is the unit-of-work backend of one database.
type Backend struct {
	name string
	conn *Connection
}

var _ uow.Backend = (*Backend)(nil)

// NewBackend returns a backend over conn.
func NewBackend(name string, conn *Connection) (*Backend, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	if name == "" {
		name = "postgres"
	}

	return &Backend{name: name, conn: conn}, nil
}

func (b *Backend) Name() string {
	return b.name
}

// OpenSession returns a session. The transaction is begun by the first
// query routed through it.
//
//nolint:ireturn
func (b *Backend) OpenSession(context.Context) (uow.Session, error) {
	return &Session{backend: b}, nil
}

func noRelease() {}

// acquire returns the session of this backend in the active unit of work
// and holds the unit's query lock until release is called. Outside a unit
// the session is nil.
func (b *Backend) acquire(ctx context.Context) (*Session, func(), error) {
	unit, session, ok := uow.UnitOf(uow.ActiveFromContext(ctx), func(session *Session) bool {
		return session.backend == b
	})
	if !ok {
		return nil, noRelease, nil
	}

	release, err := unit.AcquireQuery(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire %s session: %w", b.name, err)
	}

	return session, release, nil
}

// writer returns the transaction of the active unit of work, or the
// primary pool outside of one. release must be called once the query and
// its rows are done.
//
//nolint:ireturn
func (b *Backend) writer(ctx context.Context) (executor, func(), error) {
	session, release, err := b.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	if session == nil {
		db, err := b.conn.Primary(ctx)
		if err != nil {
			return nil, nil, err
		}

		return db, noRelease, nil
	}

	tx, err := session.transaction(ctx)
	if err != nil {
		release()

		return nil, nil, err
	}

	return tx, release, nil
}

// reader is writer, except that outside a unit of work the query may be
// served by a replica.
//
//nolint:ireturn
func (b *Backend) reader(ctx context.Context) (executor, func(), error) {
	if _, ok := uow.SessionOf(uow.ActiveFromContext(ctx), func(session *Session) bool {
		return session.backend == b
	}); ok {
		return b.writer(ctx)
	}

	db, err := b.conn.Resolver(ctx)
	if err != nil {
		return nil, nil, err
	}

	return db, noRelease, nil
}

// Session wraps one lazily begun transaction.
type Session struct {
	backend *Backend

	mu     sync.Mutex
	tx     *sql.Tx
	closed bool
}

var _ uow.Session = (*Session)(nil)

func (s *Session) transaction(ctx context.Context) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	if s.tx != nil {
		return s.tx, nil
	}

	primary, err := s.backend.conn.Primary(ctx)
	if err != nil {
		return nil, err
	}

	// The transaction outlives the query that opened it.
	tx, err := primary.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	s.tx = tx

	return tx, nil
}

// SaveChanges commits the transaction, if one was begun.
func (s *Session) SaveChanges(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}

	tx := s.tx
	s.tx = nil

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Close rolls back anything not committed.
func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	if s.tx == nil {
		return nil
	}

	tx := s.tx
	s.tx = nil

	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}

	return nil
}

func (s *Session) IsPseudoTransaction() bool { return false }

// MustKeepForQuery is true: reads inside a unit must see its own writes.
func (s *Session) MustKeepForQuery() bool { return true }

func (s *Session) SupportsParallelQuery() bool { return false }
