package circuitbreaker

import (
	"context"

	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
)

// Transport guards another transport with the breaker of one service.
type Transport struct {
	next    outbox.Transport
	manager *Manager
	service string
}

var _ outbox.Transport = (*Transport)(nil)

// NewTransport registers service on manager with config and returns a
// transport publishing through it.
func NewTransport(next outbox.Transport, manager *Manager, service string, config Config) (*Transport, error) {
	if nilcheck.Interface(next) {
		return nil, outbox.ErrTransportRequired
	}

	if manager == nil {
		return nil, ErrManagerRequired
	}

	if err := manager.GetOrCreate(service, config); err != nil {
		return nil, err
	}

	return &Transport{next: next, manager: manager, service: service}, nil
}

// Publish publishes through the breaker. Rejections wrap
// ErrServiceUnavailable.
func (t *Transport) Publish(ctx context.Context, msg outbox.OutgoingMessage) error {
	_, err := t.manager.Execute(t.service, func() (any, error) {
		return nil, t.next.Publish(ctx, msg)
	})

	return err
}
