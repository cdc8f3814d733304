package inbox

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
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Option configures a Wrapper or a Dispatcher.
type Option func(*processor)

// WithStore enables the inbox. Without a store the wrapper calls handlers
// directly.
func WithStore(store Store) Option {
	return func(p *processor) {
		if !nilcheck.Interface(store) {
			p.store = store
		}
	}
}

// WithConfig replaces the inbox configuration.
func WithConfig(cfg Config) Option {
	return func(p *processor) {
		p.cfg = cfg
	}
}

// WithClock sets the time source for row timestamps and the claim
// predicate.
func WithClock(clk clock.Clock) Option {
	return func(p *processor) {
		p.clock = clock.OrSystem(clk)
	}
}

// WithProvider sets the provider whose units wrap handlers.
func WithProvider(provider *uow.Provider) Option {
	return func(p *processor) {
		if provider != nil {
			p.provider = provider
		}
	}
}

func newProcessor(registry *Registry, logger log.Logger, tracer trace.Tracer, opts []Option) (*processor, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("reliable.noop")
	}

	p := &processor{
		registry: registry,
		clock:    clock.System{},
		logger:   logger,
		tracer:   tracer,
		cfg:      DefaultConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	p.cfg.normalize()

	if p.provider == nil {
		provider, err := uow.NewProvider(nil, uow.WithLogger(logger), uow.WithTracer(tracer))
		if err != nil {
			return nil, err
		}

		p.provider = provider
	}

	metrics, err := newInboxMetrics(p.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init inbox metrics: %w", err)
	}

	p.metrics = metrics

	return p, nil
}

// Wrapper guards registered handlers against redelivered bus messages.
type Wrapper struct {
	processor *processor

	background sync.WaitGroup
	closed     atomic.Bool
}

// NewWrapper creates a wrapper over registry.
func NewWrapper(registry *Registry, logger log.Logger, tracer trace.Tracer, opts ...Option) (*Wrapper, error) {
	processor, err := newProcessor(registry, logger, tracer, opts)
	if err != nil {
		return nil, err
	}

	return &Wrapper{processor: processor}, nil
}

// Handle runs the consumer registered under consumerKey for one inbound
// message.
//
// With a store, the message is recorded as an inbox row keyed by consumer
// and trackID first. A row that already exists and is not claimable means
// the message was handled or is being handled, and Handle returns nil.
// Handler failures are recorded on the row for the dispatcher to retry and
// are not returned; an error means the outcome could not be recorded and
// the message should be redelivered.
func (w *Wrapper) Handle(ctx context.Context, consumerKey string, payload []byte, routingKey, trackID string) error {
	if w == nil {
		return ErrWrapperRequired
	}

	if w.closed.Load() {
		return ErrWrapperShutdown
	}

	if ctx == nil {
		ctx = context.Background()
	}

	p := w.processor

	consumer, err := p.registry.Resolve(consumerKey)
	if err != nil {
		return err
	}

	meta := Metadata{
		ConsumerKey:    consumer.key,
		RoutingKey:     routingKey,
		TrackID:        trackID,
		FromDispatcher: FromDispatcher(ctx),
	}

	if !consumer.accepts(meta) {
		p.metrics.messagesSkipped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("consumer", consumer.key), attribute.String("reason", "filtered")))

		return nil
	}

	if p.store == nil || meta.FromDispatcher {
		return w.run(ctx, consumer, func(ctx context.Context) error {
			return p.executeWithoutRow(ctx, consumer, payload, meta)
		})
	}

	meta.MessageID = delivery.BuildInboxID(consumer.key, trackID)

	row, create, err := w.admit(ctx, consumer, meta.MessageID, payload)
	if err != nil || row == nil {
		return err
	}

	meta.RetryCount = row.Retries()

	return w.run(ctx, consumer, func(ctx context.Context) error {
		result := p.execute(ctx, consumer, row, create, meta)
		if errors.Is(result.persistErr, delivery.ErrAlreadyExists) {
			p.metrics.messagesSkipped.Add(ctx, 1, metric.WithAttributes(
				attribute.String("consumer", consumer.key), attribute.String("reason", "duplicate")))

			return nil
		}

		return result.persistErr
	})
}

// admit decides whether the message must be handled. It returns the row to
// handle and whether it still has to be inserted, or a nil row when an
// existing row must be left alone.
func (w *Wrapper) admit(ctx context.Context, consumer *Consumer, id string, payload []byte) (*Message, bool, error) {
	p := w.processor
	now := p.clock.Now()

	existing, err := p.store.Get(ctx, id)

	switch {
	case err == nil:
		if !p.cfg.claimPolicy().IsClaimable(existing.State, now) {
			p.metrics.messagesSkipped.Add(ctx, 1, metric.WithAttributes(
				attribute.String("consumer", consumer.key), attribute.String("reason", "duplicate")))

			p.logger.Log(ctx, log.LevelDebug, "inbox message already recorded",
				log.MessageID(id), log.Status(existing.Status))

			return nil, false, nil
		}

		existing.MarkProcessing(now)

		if err := p.store.Update(ctx, existing); err != nil {
			if delivery.IsConflict(err) {
				return nil, false, nil
			}

			return nil, false, fmt.Errorf("reclaim inbox message %s: %w", id, err)
		}

		return existing, false, nil
	case errors.Is(err, delivery.ErrNotFound):
	default:
		return nil, false, fmt.Errorf("load inbox message %s: %w", id, err)
	}

	row, err := NewMessage(id, payload, consumer.key, delivery.StatusProcessing, now, p.cfg.RetryUnit, nil)
	if err != nil {
		return nil, false, err
	}

	return row, true, nil
}

// run executes fn inline, or in the background when the consumer allows it.
func (w *Wrapper) run(ctx context.Context, consumer *Consumer, fn func(ctx context.Context) error) error {
	if !consumer.options.allowBackground {
		return fn(ctx)
	}

	w.background.Add(1)

	runtime.SafeGoWithContextAndComponent(uow.Detach(ctx), w.processor.logger, "inbox", "wrapper_background", runtime.KeepRunning,
		func(ctx context.Context) {
			defer w.background.Done()

			if err := fn(ctx); err != nil {
				w.processor.logger.Log(ctx, log.LevelError, "inbox background handling failed",
					log.Consumer(consumer.key), log.Err(err))
			}
		})

	return nil
}

// Shutdown rejects new messages and waits for background handling.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	if w == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	w.closed.Store(true)

	done := make(chan struct{})

	runtime.SafeGo(w.processor.logger, "inbox.wrapper_shutdown_wait", runtime.KeepRunning, func() {
		w.background.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("inbox wrapper shutdown: %w", ctx.Err())
	}
}
