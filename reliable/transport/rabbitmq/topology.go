package rabbitmq

import (
	"fmt"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchangeType    = "topic"
	defaultDLXExchangeName = "reliable.dlx"
	defaultDLQName         = "reliable.dlq"
	defaultDLQBindingKey   = "#"
)

// TopologyChannel is the subset of *amqp.Channel needed to declare
// exchanges and queues.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology describes the exchange messages are published to and,
// optionally, one consuming queue with its dead-letter queue.
type Topology struct {
	Exchange     string
	ExchangeType string
	// Queue is left undeclared when empty.
	Queue       string
	BindingKeys []string

	DLXExchangeName string
	DLQName         string
	// DLQMessageTTL and DLQMaxLength bound the dead-letter queue when set.
	DLQMessageTTL time.Duration
	DLQMaxLength  int64
}

func (t *Topology) normalize() {
	if t.ExchangeType == "" {
		t.ExchangeType = defaultExchangeType
	}

	if t.DLXExchangeName == "" {
		t.DLXExchangeName = defaultDLXExchangeName
	}

	if t.DLQName == "" {
		t.DLQName = defaultDLQName
	}

	if len(t.BindingKeys) == 0 {
		t.BindingKeys = []string{"#"}
	}
}

func (t Topology) dlqArgs() amqp.Table {
	args := make(amqp.Table)

	if t.DLQMessageTTL > 0 {
		args["x-message-ttl"] = max(t.DLQMessageTTL.Milliseconds(), 1)
	}

	if t.DLQMaxLength > 0 {
		args["x-max-length"] = t.DLQMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeadLetterArgs returns the queue arguments routing rejected messages to
// dlxExchangeName.
func DeadLetterArgs(dlxExchangeName string) amqp.Table {
	if dlxExchangeName == "" {
		dlxExchangeName = defaultDLXExchangeName
	}

	return amqp.Table{"x-dead-letter-exchange": dlxExchangeName}
}

// DeclareTopology declares the exchange, and when a queue is configured,
// the dead-letter exchange and queue, the queue itself and its bindings.
// Declarations are idempotent.
func DeclareTopology(ch TopologyChannel, topology Topology) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	topology.normalize()

	if topology.Exchange != "" {
		if err := ch.ExchangeDeclare(topology.Exchange, topology.ExchangeType, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", topology.Exchange, err)
		}
	}

	if topology.Queue == "" {
		return nil
	}

	if err := ch.ExchangeDeclare(topology.DLXExchangeName, defaultExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(topology.DLQName, true, false, false, false, topology.dlqArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(topology.DLQName, defaultDLQBindingKey, topology.DLXExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	if _, err := ch.QueueDeclare(topology.Queue, true, false, false, false, DeadLetterArgs(topology.DLXExchangeName)); err != nil {
		return fmt.Errorf("declare queue %s: %w", topology.Queue, err)
	}

	if topology.Exchange == "" {
		return nil
	}

	for _, key := range topology.BindingKeys {
		if err := ch.QueueBind(topology.Queue, key, topology.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s with %q: %w", topology.Queue, topology.Exchange, key, err)
		}
	}

	return nil
}
