//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTransport_RequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := NewTransport(nil, "orders")
	require.ErrorIs(t, err, ErrPublisherRequired)

	var nilPub *ConfirmablePublisher

	_, err = NewTransport(nilPub, "orders")
	require.ErrorIs(t, err, ErrPublisherRequired)
}

func TestTransport_Publish(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}

	transport, err := NewTransport(pub, " orders ", WithMandatory(true))
	require.NoError(t, err)

	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, transport.Publish(context.Background(), outbox.OutgoingMessage{
		ID:          "a1b2",
		RoutingKey:  "order.created",
		PayloadType: "OrderCreated",
		Payload:     []byte(`{"id":42}`),
		CreatedAt:   createdAt,
	}))

	require.Len(t, pub.calls, 1)

	call := pub.calls[0]
	assert.Equal(t, "orders", call.exchange)
	assert.Equal(t, "order.created", call.routingKey)
	assert.True(t, call.mandatory)
	assert.Equal(t, "a1b2", call.msg.MessageId)
	assert.Equal(t, "OrderCreated", call.msg.Type)
	assert.Equal(t, "application/json", call.msg.ContentType)
	assert.Equal(t, amqp.Persistent, call.msg.DeliveryMode)
	assert.Equal(t, createdAt, call.msg.Timestamp)
	assert.JSONEq(t, `{"id":42}`, string(call.msg.Body))
	assert.NotNil(t, call.msg.Headers)
}

func TestTransport_ReturnsPublisherError(t *testing.T) {
	t.Parallel()

	transport, err := NewTransport(&recordingPublisher{err: ErrPublishNacked}, "")
	require.NoError(t, err)

	err = transport.Publish(context.Background(), outbox.OutgoingMessage{ID: "x", RoutingKey: "q"})
	require.True(t, errors.Is(err, ErrPublishNacked))
}

func TestHeaderCarrier_PropagatesTraceContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	propagator := propagation.TraceContext{}
	headers := amqp.Table{"x-retry": int32(1)}

	propagator.Inject(trace.ContextWithSpanContext(context.Background(), sc), HeaderCarrier(headers))

	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", HeaderCarrier(headers).Get("traceparent"))
	assert.Empty(t, HeaderCarrier(headers).Get("x-retry"), "non-string values are ignored")
	assert.ElementsMatch(t, []string{"traceparent", "x-retry"}, HeaderCarrier(headers).Keys())

	extracted := trace.SpanContextFromContext(propagator.Extract(context.Background(), HeaderCarrier(headers)))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
}
