package mongo

import (
	"context"

	"github.com/LerianStudio/lib-reliable/reliable/uow"
)

// Backend plugs a Mongo database into units of work with pseudo sessions.
type Backend struct {
	name string
}

var _ uow.Backend = (*Backend)(nil)

// NewBackend returns a backend named name, "mongo" when empty.
func NewBackend(name string) *Backend {
	if name == "" {
		name = "mongo"
	}

	return &Backend{name: name}
}

func (b *Backend) Name() string {
	return b.name
}

//nolint:ireturn
func (b *Backend) OpenSession(context.Context) (uow.Session, error) {
	return uow.PseudoSession{}, nil
}
