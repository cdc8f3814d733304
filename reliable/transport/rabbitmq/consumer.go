package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-reliable/reliable"
	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliable/reliable/opentelemetry"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrHandlerRequired      = errors.New("inbound handler is required")
	ErrQueueRequired        = errors.New("queue name is required")
	ErrConsumerKeysRequired = errors.New("at least one consumer key is required")
	ErrConsumerRunning      = errors.New("consumer is already running")
	ErrDeliveriesClosed     = errors.New("rabbitmq delivery channel closed")
)

const defaultPrefetch = 10

// Handler handles one inbound message for one consumer. inbox.Wrapper
// implements it.
type Handler interface {
	Handle(ctx context.Context, consumerKey string, payload []byte, routingKey, trackID string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, consumerKey string, payload []byte, routingKey, trackID string) error

func (f HandlerFunc) Handle(ctx context.Context, consumerKey string, payload []byte, routingKey, trackID string) error {
	return f(ctx, consumerKey, payload, routingKey, trackID)
}

// DeliveryChannel is the subset of *amqp.Channel a consumer needs.
type DeliveryChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// ConsumerConfig selects the queue and the inbox consumers fed by it.
type ConsumerConfig struct {
	Queue string
	// ConsumerKeys are handled in order for every delivery.
	ConsumerKeys []string
	Tag          string
	Prefetch     int
}

// Consumer feeds a queue into a Handler. A delivery is acked once every
// consumer key handled it and is rejected without requeue otherwise, which
// routes it to the dead-letter exchange of the queue.
type Consumer struct {
	ch      DeliveryChannel
	handler Handler
	cfg     ConsumerConfig
	logger  log.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	stopped sync.Once
}

var _ reliable.App = (*Consumer)(nil)

// NewConsumer returns a consumer reading cfg.Queue on ch.
func NewConsumer(ch DeliveryChannel, handler Handler, cfg ConsumerConfig, logger log.Logger, tracer trace.Tracer) (*Consumer, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if nilcheck.Interface(handler) {
		return nil, ErrHandlerRequired
	}

	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, ErrQueueRequired
	}

	if len(cfg.ConsumerKeys) == 0 {
		return nil, ErrConsumerKeysRequired
	}

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("reliable.noop")
	}

	return &Consumer{
		ch:      ch,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With(log.String("queue", cfg.Queue)),
		tracer:  tracer,
		stop:    make(chan struct{}),
	}, nil
}

// Run consumes until Stop is called or the channel closes.
func (c *Consumer) Run(launcher *reliable.Launcher) error {
	return c.RunContext(context.Background(), launcher)
}

// RunContext consumes until Stop is called, ctx is done or the channel
// closes. A closed delivery channel is reported as ErrDeliveriesClosed.
func (c *Consumer) RunContext(ctx context.Context, launcher *reliable.Launcher) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()

		return ErrConsumerRunning
	}

	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch on %s: %w", c.cfg.Queue, err)
	}

	deliveries, err := c.ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "consumer started", log.String("queue", c.cfg.Queue))
	}

	for {
		select {
		case <-c.stop:
			return nil
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}

			c.handle(ctx, d)
		}
	}
}

// Stop ends Run after the delivery in progress and closes the channel.
func (c *Consumer) Stop() {
	c.stopped.Do(func() {
		close(c.stop)

		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Log(context.Background(), log.LevelWarn, "failed to close consumer channel", log.Err(err))
		}
	})
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	defer runtime.RecoverAndLogWithContext(ctx, c.logger, "rabbitmq", "consume")

	if d.Headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(d.Headers))
	}

	ctx, span := c.tracer.Start(ctx, "rabbitmq.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	trackID := deliveryTrackID(d)

	span.SetAttributes(
		attribute.String("messaging.destination.name", c.cfg.Queue),
		attribute.String("messaging.message.id", trackID),
		attribute.String("messaging.rabbitmq.routing_key", d.RoutingKey),
	)

	// Every consumer gets the delivery even when an earlier one fails. The
	// inbox skips consumers that already recorded it when the message is
	// replayed from the DLQ.
	var rejected []error

	for _, key := range c.cfg.ConsumerKeys {
		if err := c.handler.Handle(ctx, key, d.Body, d.RoutingKey, trackID); err != nil {
			c.logger.Log(ctx, log.LevelError, "inbound message rejected",
				log.Consumer(key), log.TrackID(trackID), log.Err(err))

			rejected = append(rejected, fmt.Errorf("consumer %s: %w", key, err))
		}
	}

	if len(rejected) > 0 {
		libOpentelemetry.HandleSpanError(span, "inbound message rejected", errors.Join(rejected...))

		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to nack delivery", log.Err(nackErr))
		}

		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to ack delivery", log.Err(err))
	}
}

// deliveryTrackID is the publisher's message id. Deliveries without one are
// identified by a digest of their routing key and body, so a redelivery
// maps to the same inbox rows.
func deliveryTrackID(d amqp.Delivery) string {
	if id := strings.TrimSpace(d.MessageId); id != "" {
		return id
	}

	digest := sha256.New()
	digest.Write([]byte(d.RoutingKey))
	digest.Write([]byte{0})
	digest.Write(d.Body)

	return "sha256:" + hex.EncodeToString(digest.Sum(nil))
}
