package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/LerianStudio/lib-reliable/reliable/clock"
	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliable/reliable/opentelemetry"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithStore enables the outbox. Without a store the producer publishes
// directly.
func WithStore(store Store) ProducerOption {
	return func(p *Producer) {
		if !nilcheck.Interface(store) {
			p.relay.store = store
		}
	}
}

// WithConfig replaces the outbox configuration.
func WithConfig(cfg Config) ProducerOption {
	return func(p *Producer) {
		p.relay.cfg = cfg
	}
}

// WithClock sets the time source for row timestamps.
func WithClock(clk clock.Clock) ProducerOption {
	return func(p *Producer) {
		p.relay.clock = clock.OrSystem(clk)
	}
}

// WithProvider sets the provider used for standalone-scope writes.
func WithProvider(provider *uow.Provider) ProducerOption {
	return func(p *Producer) {
		if provider != nil {
			p.provider = provider
		}
	}
}

// SendOption configures one Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	trackID     string
	sourceUowID string
	payloadType string
}

// WithTrackID derives the row id from trackID so repeated sends of the same
// logical message share one row.
func WithTrackID(trackID string) SendOption {
	return func(o *sendOptions) {
		o.trackID = trackID
	}
}

// WithSourceUnitOfWork binds the row to the unit with id, looked up in the
// manager carried by ctx, instead of the ambient unit.
func WithSourceUnitOfWork(id string) SendOption {
	return func(o *sendOptions) {
		o.sourceUowID = id
	}
}

// WithPayloadType overrides the payload type name recorded on the row.
func WithPayloadType(payloadType string) SendOption {
	return func(o *sendOptions) {
		o.payloadType = payloadType
	}
}

// Producer records outgoing messages and transmits them once the producing
// unit of work commits.
type Producer struct {
	relay    relay
	provider *uow.Provider

	background sync.WaitGroup
	closed     atomic.Bool
}

// NewProducer creates a producer publishing through transport.
func NewProducer(transport Transport, logger log.Logger, tracer trace.Tracer, opts ...ProducerOption) (*Producer, error) {
	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("reliable.noop")
	}

	producer := &Producer{
		relay: relay{
			transport: transport,
			clock:     clock.System{},
			logger:    logger,
			tracer:    tracer,
			cfg:       DefaultConfig(),
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(producer)
		}
	}

	producer.relay.cfg.normalize()

	if producer.provider == nil {
		provider, err := uow.NewProvider(nil, uow.WithLogger(logger), uow.WithTracer(tracer))
		if err != nil {
			return nil, err
		}

		producer.provider = provider
	}

	metrics, err := newOutboxMetrics(producer.relay.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	producer.relay.metrics = metrics

	return producer, nil
}

// Send records message for routingKey and schedules its transmission.
//
// Without a store the message is published synchronously. With a store a
// row is written through the source unit of work. When that unit is a
// pseudo transaction, or there is none, transmission starts in the
// background right away. Otherwise it runs after the unit completes. A
// row that already exists for the track id and is not claimable is left
// untouched.
func (p *Producer) Send(ctx context.Context, message any, routingKey string, opts ...SendOption) error {
	if p == nil {
		return ErrProducerRequired
	}

	if p.closed.Load() {
		return ErrProducerShutdown
	}

	if ctx == nil {
		ctx = context.Background()
	}

	options := sendOptions{}

	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	payload, payloadType, err := encodePayload(message)
	if err != nil {
		return err
	}

	if options.payloadType != "" {
		payloadType = options.payloadType
	}

	if err := validateRouting(payloadType, routingKey); err != nil {
		return err
	}

	ctx, span := p.relay.tracer.Start(ctx, "outbox.producer.send")
	defer span.End()

	span.SetAttributes(attribute.String("outbox.routing_key", routingKey))

	if p.relay.store == nil {
		msg := &Message{
			State:       delivery.State{ID: delivery.BuildID(options.trackID), Payload: payload, CreatedAt: p.relay.clock.Now()},
			PayloadType: payloadType,
			RoutingKey:  routingKey,
		}

		return p.relay.transmit(ctx, msg)
	}

	if p.relay.cfg.StandaloneScope {
		return p.provider.NewManager().ExecuteInNewUow(ctx, func(ctx context.Context, unit *uow.UnitOfWork) error {
			return p.persistAndSchedule(ctx, unit, payload, payloadType, routingKey, options.trackID)
		})
	}

	unit, err := p.sourceUnit(ctx, options.sourceUowID)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve source unit of work", err)

		return err
	}

	if unit != nil {
		ctx = uow.ContextWithUnitOfWork(ctx, unit)
	}

	if err := p.persistAndSchedule(ctx, unit, payload, payloadType, routingKey, options.trackID); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to record outbox message", err)

		return err
	}

	return nil
}

func (p *Producer) sourceUnit(ctx context.Context, sourceUowID string) (*uow.UnitOfWork, error) {
	if sourceUowID == "" {
		return uow.ActiveFromContext(ctx), nil
	}

	manager := uow.ManagerFromContext(ctx)
	if manager == nil {
		return nil, ErrSourceUnitOfWorkManager
	}

	return manager.CurrentOrCreatedActiveUow(sourceUowID)
}

func (p *Producer) persistAndSchedule(
	ctx context.Context,
	unit *uow.UnitOfWork,
	payload []byte,
	payloadType, routingKey, trackID string,
) error {
	msg, err := p.persist(ctx, payload, payloadType, routingKey, trackID)
	if err != nil || msg == nil {
		return err
	}

	// Pseudo-transaction writes are already durable, so there is no commit
	// to wait for.
	if unit == nil || unit.IsPseudoTransaction() {
		p.dispatchInBackground(ctx, msg)

		return nil
	}

	unit.OnCompleted(func(ctx context.Context) error {
		return p.relay.transmit(ctx, msg)
	})

	return nil
}

// persist writes the Processing row. It returns nil, nil when an existing
// row for the same id must not be reprocessed.
func (p *Producer) persist(ctx context.Context, payload []byte, payloadType, routingKey, trackID string) (*Message, error) {
	id := delivery.BuildID(trackID)
	now := p.relay.clock.Now()

	existing, err := p.relay.store.Get(ctx, id)

	switch {
	case err == nil:
		if !p.relay.cfg.claimPolicy().IsClaimable(existing.State, now) {
			p.relay.logger.Log(ctx, log.LevelDebug, "outbox message already recorded",
				log.MessageID(id), log.Status(existing.Status))

			return nil, nil
		}

		existing.MarkProcessing(now)

		if err := p.relay.store.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("reclaim outbox message %s: %w", id, err)
		}

		return existing, nil
	case errors.Is(err, delivery.ErrNotFound):
	default:
		return nil, fmt.Errorf("load outbox message %s: %w", id, err)
	}

	msg, err := NewMessage(id, payload, payloadType, routingKey, delivery.StatusProcessing, now, p.relay.cfg.RetryUnit, nil)
	if err != nil {
		return nil, err
	}

	if err := p.relay.store.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create outbox message %s: %w", id, err)
	}

	return msg, nil
}

func (p *Producer) dispatchInBackground(ctx context.Context, msg *Message) {
	p.background.Add(1)

	runtime.SafeGoWithContextAndComponent(uow.Detach(ctx), p.relay.logger, "outbox", "producer_dispatch", runtime.KeepRunning,
		func(ctx context.Context) {
			defer p.background.Done()

			_ = p.relay.transmit(ctx, msg)
		})
}

// Shutdown rejects new sends and waits for background transmissions.
// Transmissions deferred to a unit's completion are owned by that unit's
// manager; see uow.Manager.WaitBackground.
func (p *Producer) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	p.closed.Store(true)

	done := make(chan struct{})

	runtime.SafeGo(p.relay.logger, "outbox.producer_shutdown_wait", runtime.KeepRunning, func() {
		p.background.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox producer shutdown: %w", ctx.Err())
	}
}
