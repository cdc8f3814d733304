package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/LerianStudio/lib-reliable/reliable/uow"
)

// ErrSessionClosed is returned when writing through a closed session.
var ErrSessionClosed = errors.New("memory session is closed")

// op validates and applies one write. It runs with the backend lock held
// and returns an undo function restoring the previous state.
type op func() (undo func(), err error)

// Backend owns the tables of one in-memory database.
type Backend struct {
	name          string
	transactional bool

	mu sync.Mutex
}

var _ uow.Backend = (*Backend)(nil)

// NewBackend returns a backend. When transactional is false, writes made
// inside a unit of work are applied immediately.
func NewBackend(name string, transactional bool) *Backend {
	if name == "" {
		name = "memory"
	}

	return &Backend{name: name, transactional: transactional}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return b.name
}

// OpenSession starts a session.
//
//nolint:ireturn
func (b *Backend) OpenSession(context.Context) (uow.Session, error) {
	return &Session{backend: b}, nil
}

// apply runs ops atomically: if one fails, the ones before it are undone.
func (b *Backend) apply(ops ...op) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	undos := make([]func(), 0, len(ops))

	for _, operation := range ops {
		undo, err := operation()
		if err != nil {
			for i := len(undos) - 1; i >= 0; i-- {
				undos[i]()
			}

			return err
		}

		undos = append(undos, undo)
	}

	return nil
}

// write applies operation now, or stages it on the session of the active
// unit of work when the backend is transactional.
func (b *Backend) write(ctx context.Context, operation op) error {
	if b.transactional {
		if session, ok := b.sessionFrom(ctx); ok {
			return session.stage(operation)
		}
	}

	return b.apply(operation)
}

func (b *Backend) sessionFrom(ctx context.Context) (*Session, bool) {
	return uow.SessionOf(uow.ActiveFromContext(ctx), func(session *Session) bool {
		return session.backend == b
	})
}

// Session is the unit-of-work view of a Backend.
type Session struct {
	backend *Backend

	mu     sync.Mutex
	staged []op
	closed bool
}

var _ uow.Session = (*Session)(nil)

func (s *Session) stage(operation op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	s.staged = append(s.staged, operation)

	return nil
}

// SaveChanges applies the staged writes atomically.
func (s *Session) SaveChanges(context.Context) error {
	s.mu.Lock()
	staged := s.staged
	s.staged = nil
	s.mu.Unlock()

	if len(staged) == 0 {
		return nil
	}

	return s.backend.apply(staged...)
}

// Close discards staged writes.
func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	s.staged = nil
	s.closed = true
	s.mu.Unlock()

	return nil
}

// Pending returns the number of staged writes.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.staged)
}

func (s *Session) IsPseudoTransaction() bool {
	return !s.backend.transactional
}

func (s *Session) MustKeepForQuery() bool { return false }

func (s *Session) SupportsParallelQuery() bool { return true }
