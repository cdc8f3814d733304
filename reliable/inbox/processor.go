package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/backoff"
	"github.com/LerianStudio/lib-reliable/reliable/clock"
	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliable/reliable/opentelemetry"
	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type dispatcherOriginKey struct{}

func withDispatcherOrigin(ctx context.Context) context.Context {
	return context.WithValue(ctx, dispatcherOriginKey{}, true)
}

// FromDispatcher reports whether ctx belongs to a dispatcher retry.
func FromDispatcher(ctx context.Context) bool {
	if ctx == nil {
		return false
	}

	origin, _ := ctx.Value(dispatcherOriginKey{}).(bool)

	return origin
}

// processor runs a consumer against one row and records the outcome. It is
// shared by Wrapper and Dispatcher.
type processor struct {
	store    Store
	registry *Registry
	provider *uow.Provider
	clock    clock.Clock
	logger   log.Logger
	tracer   trace.Tracer
	cfg      Config
	metrics  inboxMetrics
}

// outcome separates a failing handler, which is recorded on the row, from
// a failure to persist the row itself.
type outcome struct {
	handlerErr error
	persistErr error
}

// execute handles row with consumer. When create is set the row is
// inserted first.
func (p *processor) execute(ctx context.Context, consumer *Consumer, row *Message, create bool, meta Metadata) outcome {
	ctx, span := p.tracer.Start(ctx, "inbox.consume")
	defer span.End()

	span.SetAttributes(
		attribute.String("inbox.message_id", row.ID),
		attribute.String("inbox.consumer_key", consumer.key),
		attribute.Bool("inbox.from_dispatcher", meta.FromDispatcher),
	)

	var result outcome

	if consumer.options.autoBeginUow {
		result = p.executeInUnit(ctx, consumer, row, create, meta)
	} else {
		result = p.executeDirect(ctx, consumer, row, create, meta)
	}

	handlerErr, persistErr := result.handlerErr, result.persistErr

	attrs := metric.WithAttributes(attribute.String("consumer", consumer.key))

	switch {
	case handlerErr != nil:
		p.metrics.messagesFailed.Add(ctx, 1, attrs)
		libOpentelemetry.HandleSpanError(span, "inbox handler failed", handlerErr)

		p.logger.Log(ctx, log.LevelWarn, "inbox handler failed",
			log.MessageID(row.ID), log.Consumer(consumer.key), log.Err(handlerErr))

		persistErr = errors.Join(persistErr, p.recordFailure(ctx, row, handlerErr))
	case persistErr == nil:
		p.metrics.messagesConsumed.Add(ctx, 1, attrs)
	}

	if persistErr != nil {
		if delivery.IsConflict(persistErr) {
			// Another instance took the row over; its outcome wins.
			p.logger.Log(ctx, log.LevelWarn, "inbox row changed while handling",
				log.MessageID(row.ID), log.Err(persistErr))

			return outcome{handlerErr: handlerErr}
		}

		p.metrics.stateUpdateFailed.Add(ctx, 1, attrs)
		libOpentelemetry.HandleSpanError(span, "failed to record inbox outcome", persistErr)
	}

	return outcome{handlerErr: handlerErr, persistErr: persistErr}
}

// executeWithoutRow runs consumer with no inbox row. Handler errors are
// returned to the caller.
func (p *processor) executeWithoutRow(ctx context.Context, consumer *Consumer, payload []byte, meta Metadata) error {
	ctx, span := p.tracer.Start(ctx, "inbox.consume")
	defer span.End()

	span.SetAttributes(
		attribute.String("inbox.consumer_key", consumer.key),
		attribute.Bool("inbox.from_dispatcher", meta.FromDispatcher),
	)

	row := &Message{State: delivery.State{ID: meta.MessageID, Payload: payload}, ConsumerKey: consumer.key}

	err := backoff.Do(ctx, p.handlerRetryPolicy(consumer), func(ctx context.Context) error {
		if !consumer.options.autoBeginUow {
			return p.invoke(ctx, consumer, row, meta)
		}

		manager := p.provider.NewManager()
		defer func() { _ = manager.Dispose(uow.Detach(ctx)) }()

		return manager.ExecuteInNewUow(ctx, func(ctx context.Context, _ *uow.UnitOfWork) error {
			return p.invoke(ctx, consumer, row, meta)
		})
	})

	attrs := metric.WithAttributes(attribute.String("consumer", consumer.key))

	if err != nil {
		p.metrics.messagesFailed.Add(ctx, 1, attrs)
		libOpentelemetry.HandleSpanError(span, "inbox handler failed", err)

		return err
	}

	p.metrics.messagesConsumed.Add(ctx, 1, attrs)

	return nil
}

// executeInUnit runs every attempt in its own unit of work so the row
// writes commit together with the handler's side effects.
func (p *processor) executeInUnit(ctx context.Context, consumer *Consumer, row *Message, create bool, meta Metadata) outcome {
	var (
		handlerErr error
		recorded   bool
	)

	err := backoff.Do(ctx, p.handlerRetryPolicy(consumer), func(ctx context.Context) error {
		manager := p.provider.NewManager()
		defer func() { _ = manager.Dispose(uow.Detach(ctx)) }()

		handlerErr = nil

		return manager.ExecuteInNewUow(ctx, func(ctx context.Context, unit *uow.UnitOfWork) error {
			attempt := row.Clone()

			if create && !recorded {
				if err := p.store.Create(ctx, attempt); err != nil {
					return fmt.Errorf("create inbox message %s: %w", attempt.ID, err)
				}

				// A pseudo-transaction insert survives a failed attempt.
				recorded = unit.IsPseudoTransaction()
			}

			handlerErr = p.invoke(ctx, consumer, attempt, meta)
			if handlerErr != nil {
				return handlerErr
			}

			return p.finish(ctx, consumer, attempt)
		})
	})

	if handlerErr != nil {
		return outcome{handlerErr: handlerErr}
	}

	return outcome{persistErr: err}
}

func (p *processor) executeDirect(ctx context.Context, consumer *Consumer, row *Message, create bool, meta Metadata) outcome {
	if create {
		if err := p.store.Create(ctx, row.Clone()); err != nil {
			return outcome{persistErr: fmt.Errorf("create inbox message %s: %w", row.ID, err)}
		}
	}

	handlerErr := backoff.Do(ctx, p.handlerRetryPolicy(consumer), func(ctx context.Context) error {
		return p.invoke(ctx, consumer, row, meta)
	})
	if handlerErr != nil {
		return outcome{handlerErr: handlerErr}
	}

	persistErr := backoff.Do(ctx, p.storeWritePolicy(), func(ctx context.Context) error {
		current, err := p.store.Get(ctx, row.ID)
		if err != nil {
			return fmt.Errorf("reload inbox message %s: %w", row.ID, err)
		}

		return p.finish(ctx, consumer, current)
	})

	return outcome{persistErr: persistErr}
}

func (p *processor) invoke(ctx context.Context, consumer *Consumer, row *Message, meta Metadata) error {
	start := time.Now()
	err := consumer.Invoke(ctx, row.Payload, meta)
	elapsed := time.Since(start)

	p.metrics.consumeLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("consumer", consumer.key)))

	if p.cfg.LogConsumerProcessTime && elapsed > consumer.options.slowProcessWarning {
		p.logger.Log(ctx, log.LevelWarn, "inbox handler is slow",
			log.Consumer(consumer.key), log.MessageID(row.ID), log.Duration("elapsed", elapsed))
	}

	return err
}

// finish records a successful outcome on row.
func (p *processor) finish(ctx context.Context, consumer *Consumer, row *Message) error {
	if consumer.options.autoDeleteProcessed {
		if err := p.store.Delete(ctx, row.ID); err != nil {
			return fmt.Errorf("delete inbox message %s: %w", row.ID, err)
		}

		return nil
	}

	row.MarkProcessed(p.clock.Now())

	if err := p.store.Update(ctx, row); err != nil {
		return fmt.Errorf("update inbox message %s: %w", row.ID, err)
	}

	return nil
}

// recordFailure stamps the row Failed outside any unit of work, creating
// it when the insert was rolled back with the failed attempt.
func (p *processor) recordFailure(ctx context.Context, row *Message, cause error) error {
	ctx = uow.Detach(ctx)

	return backoff.Do(ctx, p.storeWritePolicy(), func(ctx context.Context) error {
		now := p.clock.Now()

		current, err := p.store.Get(ctx, row.ID)
		if errors.Is(err, delivery.ErrNotFound) {
			failed, buildErr := NewMessage(row.ID, row.Payload, row.ConsumerKey, delivery.StatusNew, now, p.cfg.RetryUnit, cause)
			if buildErr != nil {
				return buildErr
			}

			return p.store.Create(ctx, failed)
		}

		if err != nil {
			return fmt.Errorf("reload inbox message %s: %w", row.ID, err)
		}

		if current.Status == delivery.StatusProcessed {
			return nil
		}

		current.MarkFailed(cause, p.cfg.RetryUnit, now)

		return p.store.Update(ctx, current)
	})
}

// resolutionFailure records a row that cannot be routed to any consumer.
func (p *processor) resolutionFailure(ctx context.Context, row *Message, cause error) error {
	p.metrics.messagesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("consumer", row.ConsumerKey)))

	p.logger.Log(ctx, log.LevelError, "inbox message cannot be resolved",
		log.MessageID(row.ID), log.Consumer(row.ConsumerKey), log.Err(cause))

	return p.recordFailure(ctx, row, cause)
}

func (p *processor) handlerRetryPolicy(consumer *Consumer) backoff.Policy {
	return backoff.Policy{
		MaxRetries: consumer.options.retryTimes,
		Delay:      backoff.Constant(consumer.options.retryDelay),
		Retryable: func(err error) bool {
			return !errors.Is(err, delivery.ErrResolutionFailure) && !delivery.IsConflict(err) &&
				!errors.Is(err, delivery.ErrAlreadyExists)
		},
	}
}

func (p *processor) storeWritePolicy() backoff.Policy {
	return backoff.Policy{
		MaxRetries: p.cfg.StoreWriteRetries,
		Delay:      backoff.Linear(p.cfg.StoreWriteDelay),
		Retryable: func(err error) bool {
			return !errors.Is(err, delivery.ErrResolutionFailure)
		},
	}
}
