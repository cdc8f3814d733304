package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 256
)

// ConfirmableChannel is the subset of *amqp.Channel a publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// ChannelProvider returns a fresh dedicated channel. It is used to replace
// a channel the broker closed.
type ChannelProvider func() (ConfirmableChannel, error)

// ConfirmablePublisher publishes on a channel in confirm mode and waits
// for the broker's ack of every message.
type ConfirmablePublisher struct {
	logger         log.Logger
	confirmTimeout time.Duration
	provider       ChannelProvider

	// publishMu serializes publish and confirm so confirmations need no
	// delivery-tag bookkeeping.
	publishMu sync.Mutex

	mu       sync.RWMutex
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
	closedCh chan struct{}
	shutdown bool
}

// PublisherOption configures a ConfirmablePublisher.
type PublisherOption func(*ConfirmablePublisher)

// WithLogger sets the publisher logger.
func WithLogger(logger log.Logger) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if !nilcheck.Interface(logger) {
			pub.logger = logger
		}
	}
}

// WithConfirmTimeout sets the confirmation timeout. Non-positive values
// keep the default.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithRecovery lets the publisher replace a closed channel on the next
// publish.
func WithRecovery(provider ChannelProvider) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		pub.provider = provider
	}
}

// NewConfirmablePublisher puts ch in confirm mode and returns a publisher
// over it.
func NewConfirmablePublisher(ch ConfirmableChannel, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	pub := &ConfirmablePublisher{
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	if err := pub.attach(ch); err != nil {
		return nil, err
	}

	return pub, nil
}

// attach enables confirms on ch and starts watching it for closure.
func (pub *ConfirmablePublisher) attach(ch ConfirmableChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))
	closedCh := make(chan struct{})

	pub.mu.Lock()
	pub.ch = ch
	pub.confirms = confirms
	pub.closedCh = closedCh
	pub.mu.Unlock()

	runtime.SafeGo(pub.logger, "rabbitmq.publisher_close_monitor", runtime.KeepRunning, func() {
		amqpErr, ok := <-closeNotify

		pub.mu.Lock()
		if pub.ch == ch {
			pub.ch = nil
		}
		pub.mu.Unlock()

		close(closedCh)

		if ok && amqpErr != nil {
			pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq publisher channel closed",
				log.String("reason", amqpErr.Reason), log.Int("code", amqpErr.Code))
		}
	})

	return nil
}

// channel returns the live channel, recovering a closed one when a
// provider is configured. publishMu must be held.
func (pub *ConfirmablePublisher) channel() (ConfirmableChannel, chan amqp.Confirmation, chan struct{}, error) {
	pub.mu.RLock()
	ch, confirms, closedCh, shutdown := pub.ch, pub.confirms, pub.closedCh, pub.shutdown
	pub.mu.RUnlock()

	if shutdown {
		return nil, nil, nil, ErrPublisherClosed
	}

	if ch != nil {
		return ch, confirms, closedCh, nil
	}

	if pub.provider == nil {
		return nil, nil, nil, ErrPublisherClosed
	}

	fresh, err := pub.provider()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: recover channel: %w", ErrPublisherClosed, err)
	}

	if err := pub.attach(fresh); err != nil {
		_ = fresh.Close()

		return nil, nil, nil, err
	}

	pub.logger.Log(context.Background(), log.LevelInfo, "rabbitmq publisher channel recovered")

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.ch, pub.confirms, pub.closedCh, nil
}

// Publish sends msg and waits for the broker confirmation. Calls are
// serialized per publisher.
func (pub *ConfirmablePublisher) Publish(
	ctx context.Context,
	exchange, routingKey string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	ch, confirms, closedCh, err := pub.channel()
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err = waitForConfirm(ctx, confirms, closedCh, pub.confirmTimeout)
	if err != nil && !errors.Is(err, ErrPublishNacked) {
		// A confirmation still pending would be read by the next publish.
		pub.invalidate(ch)
	}

	return err
}

func (pub *ConfirmablePublisher) invalidate(ch ConfirmableChannel) {
	pub.mu.Lock()
	if pub.ch == ch {
		pub.ch = nil
	}
	pub.mu.Unlock()

	_ = ch.Close()
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-closedCh:
		return ErrPublisherClosed
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close closes the channel. The publisher cannot be used afterwards.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	if pub.shutdown {
		pub.mu.Unlock()

		return nil
	}

	pub.shutdown = true
	ch := pub.ch
	pub.ch = nil
	pub.mu.Unlock()

	if nilcheck.Interface(ch) {
		return nil
	}

	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("closing publisher channel: %w", err)
	}

	return nil
}
