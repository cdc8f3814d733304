package rabbitmq

import (
	"context"
	"strings"

	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

const contentTypeJSON = "application/json"

// Publisher publishes one AMQP message. ConfirmablePublisher implements it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Transport is the outbox.Transport publishing to one exchange.
type Transport struct {
	publisher Publisher
	exchange  string
	mandatory bool
}

var _ outbox.Transport = (*Transport)(nil)

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithMandatory asks the broker to return unroutable messages instead of
// dropping them.
func WithMandatory(mandatory bool) TransportOption {
	return func(t *Transport) {
		t.mandatory = mandatory
	}
}

// NewTransport returns a transport publishing to exchange. An empty
// exchange publishes through the default exchange, where the routing key
// names the queue.
func NewTransport(publisher Publisher, exchange string, opts ...TransportOption) (*Transport, error) {
	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	transport := &Transport{publisher: publisher, exchange: strings.TrimSpace(exchange)}

	for _, opt := range opts {
		if opt != nil {
			opt(transport)
		}
	}

	return transport, nil
}

// Publish sends msg as a persistent JSON message. The outbox row id becomes
// the AMQP message id and the payload type the AMQP type, so consumers can
// deduplicate and decode it.
func (t *Transport) Publish(ctx context.Context, msg outbox.OutgoingMessage) error {
	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))

	return t.publisher.Publish(ctx, t.exchange, msg.RoutingKey, t.mandatory, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.PayloadType,
		Timestamp:    msg.CreatedAt,
		Body:         msg.Payload,
	})
}
