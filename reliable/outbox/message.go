package outbox

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
)

// Message is one outbox row.
type Message struct {
	delivery.State
	PayloadType string
	RoutingKey  string
}

// NewMessage builds a row for payload. A non-nil failure creates the row
// as Failed.
func NewMessage(
	id string,
	payload []byte,
	payloadType, routingKey string,
	status delivery.Status,
	now time.Time,
	retryUnit time.Duration,
	failure error,
) (*Message, error) {
	if err := validateRouting(payloadType, routingKey); err != nil {
		return nil, err
	}

	state, err := delivery.NewState(id, payload, status, now, retryUnit, failure)
	if err != nil {
		return nil, err
	}

	return &Message{State: state, PayloadType: payloadType, RoutingKey: routingKey}, nil
}

func validateRouting(payloadType, routingKey string) error {
	if routingKey == "" {
		return ErrRoutingKeyRequired
	}

	if len(routingKey) > delivery.RoutingKeyMaxLength {
		return fmt.Errorf("%w: %d > %d", ErrRoutingKeyTooLong, len(routingKey), delivery.RoutingKeyMaxLength)
	}

	if len(payloadType) > delivery.PayloadTypeMaxLength {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTypeTooLong, len(payloadType), delivery.PayloadTypeMaxLength)
	}

	return nil
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := *m
	clone.Payload = append([]byte(nil), m.Payload...)

	if m.RetryCount != nil {
		retries := *m.RetryCount
		clone.RetryCount = &retries
	}

	if m.NextRetryAfter != nil {
		next := *m.NextRetryAfter
		clone.NextRetryAfter = &next
	}

	if m.LastError != nil {
		lastError := *m.LastError
		clone.LastError = &lastError
	}

	return &clone
}

// Outgoing returns the transport view of m.
func (m *Message) Outgoing() OutgoingMessage {
	return OutgoingMessage{
		ID:          m.ID,
		RoutingKey:  m.RoutingKey,
		PayloadType: m.PayloadType,
		Payload:     m.Payload,
		CreatedAt:   m.CreatedAt,
	}
}

// encodePayload serializes message as JSON. Raw bytes are passed through.
func encodePayload(message any) ([]byte, string, error) {
	switch typed := message.(type) {
	case nil:
		return nil, "", ErrMessageRequired
	case json.RawMessage:
		return append([]byte(nil), typed...), "", nil
	case []byte:
		return append([]byte(nil), typed...), "", nil
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return nil, "", fmt.Errorf("encode outbox payload: %w", err)
	}

	return payload, reflect.TypeOf(message).String(), nil
}
