//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeChannel is a ConfirmableChannel answering every publish with ack,
// nack or silence.
type fakeChannel struct {
	mu sync.Mutex

	confirmErr error
	publishErr error
	// reply is sent as the confirmation of every publish when set.
	reply *bool

	confirms  chan amqp.Confirmation
	closeCh   chan *amqp.Error
	tag       uint64
	published []publishCall
	closed    bool
}

type publishCall struct {
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
}

func newAckingChannel() *fakeChannel {
	ack := true

	return &fakeChannel{reply: &ack}
}

func newNackingChannel() *fakeChannel {
	ack := false

	return &fakeChannel{reply: &ack}
}

func (f *fakeChannel) Confirm(bool) error {
	return f.confirmErr
}

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirms = c

	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeCh = c

	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return amqp.ErrClosed
	}

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, publishCall{exchange: exchange, routingKey: key, mandatory: mandatory, msg: msg})
	f.tag++

	if f.reply != nil {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: *f.reply}
	}

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return amqp.ErrClosed
	}

	f.closed = true

	if f.closeCh != nil {
		close(f.closeCh)
	}

	return nil
}

// brokerClose closes the channel the way the broker does, with a reason.
func (f *fakeChannel) brokerClose(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.closeCh <- &amqp.Error{Code: amqp.ChannelError, Reason: reason}
	close(f.closeCh)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeChannel) calls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]publishCall(nil), f.published...)
}

// fakeAcknowledger records the outcome of deliveries.
type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acked = append(a.acked, tag)

	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if requeue {
		return errors.New("unexpected requeue")
	}

	a.nacked = append(a.nacked, tag)

	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) outcome() ([]uint64, []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]uint64(nil), a.acked...), append([]uint64(nil), a.nacked...)
}

// fakeDeliveryChannel hands out a test-controlled delivery stream.
type fakeDeliveryChannel struct {
	deliveries chan amqp.Delivery
	consumeErr error

	mu       sync.Mutex
	prefetch int
	queue    string
	closed   bool
}

func newFakeDeliveryChannel() *fakeDeliveryChannel {
	return &fakeDeliveryChannel{deliveries: make(chan amqp.Delivery)}
}

func (f *fakeDeliveryChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prefetch = prefetchCount

	return nil
}

func (f *fakeDeliveryChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto ack is not allowed")
	}

	if f.consumeErr != nil {
		return nil, f.consumeErr
	}

	f.mu.Lock()
	f.queue = queue
	f.mu.Unlock()

	return f.deliveries, nil
}

func (f *fakeDeliveryChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

// fakeHandler records handled messages and fails for one consumer key.
type fakeHandler struct {
	mu      sync.Mutex
	failFor string
	calls   []string
}

func (h *fakeHandler) Handle(_ context.Context, consumerKey string, payload []byte, routingKey, trackID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, consumerKey+"|"+routingKey+"|"+trackID+"|"+string(payload))

	if consumerKey == h.failFor {
		return errors.New("handler failed")
	}

	return nil
}

func (h *fakeHandler) handled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.calls...)
}

// recordingPublisher captures what a Transport publishes.
type recordingPublisher struct {
	err   error
	calls []publishCall
}

func (p *recordingPublisher) Publish(_ context.Context, exchange, routingKey string, mandatory, _ bool, msg amqp.Publishing) error {
	p.calls = append(p.calls, publishCall{exchange: exchange, routingKey: routingKey, mandatory: mandatory, msg: msg})

	return p.err
}

// fakeTopologyChannel records declarations in order.
type fakeTopologyChannel struct {
	ops      []string
	queueArg map[string]amqp.Table
	failOn   string
}

func (f *fakeTopologyChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	op := "exchange " + name + " " + kind
	f.ops = append(f.ops, op)

	if op == f.failOn {
		return errors.New("declare failed")
	}

	return nil
}

func (f *fakeTopologyChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	op := "queue " + name
	f.ops = append(f.ops, op)

	if f.queueArg == nil {
		f.queueArg = make(map[string]amqp.Table)
	}

	f.queueArg[name] = args

	if op == f.failOn {
		return amqp.Queue{}, errors.New("declare failed")
	}

	return amqp.Queue{Name: name}, nil
}

func (f *fakeTopologyChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.ops = append(f.ops, "bind "+name+" "+key+" "+exchange)

	return nil
}
