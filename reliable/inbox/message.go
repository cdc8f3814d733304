package inbox

import (
	"fmt"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
)

// Message is one inbox row.
type Message struct {
	delivery.State
	ConsumerKey string
}

// NewMessage builds a row for payload addressed to consumerKey. A non-nil
// failure creates the row as Failed.
func NewMessage(
	id string,
	payload []byte,
	consumerKey string,
	status delivery.Status,
	now time.Time,
	retryUnit time.Duration,
	failure error,
) (*Message, error) {
	if err := validateConsumerKey(consumerKey); err != nil {
		return nil, err
	}

	state, err := delivery.NewState(id, payload, status, now, retryUnit, failure)
	if err != nil {
		return nil, err
	}

	return &Message{State: state, ConsumerKey: consumerKey}, nil
}

func validateConsumerKey(key string) error {
	if key == "" {
		return ErrConsumerKeyRequired
	}

	if len(key) > delivery.ConsumerKeyMaxLength {
		return fmt.Errorf("%w: %d > %d", ErrConsumerKeyTooLong, len(key), delivery.ConsumerKeyMaxLength)
	}

	return nil
}

// LastConsumeAt is when the row was last claimed or handled.
func (m *Message) LastConsumeAt() time.Time {
	return m.LastAttemptAt
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
