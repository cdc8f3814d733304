package outbox

import (
	"context"
	"time"
)

// OutgoingMessage is what a Transport publishes.
type OutgoingMessage struct {
	// ID is the outbox row id. Brokers use it as the message id so that
	// consumers can derive the same inbox id on every redelivery.
	ID          string
	RoutingKey  string
	PayloadType string
	Payload     []byte
	CreatedAt   time.Time
}

// Transport publishes messages to a broker.
type Transport interface {
	Publish(ctx context.Context, msg OutgoingMessage) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg OutgoingMessage) error

// Publish calls f.
func (f TransportFunc) Publish(ctx context.Context, msg OutgoingMessage) error {
	return f(ctx, msg)
}
