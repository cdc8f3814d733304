package outbox

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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// relay publishes one row and records the outcome on it. It is shared by
// Producer and Sender.
type relay struct {
	store     Store
	transport Transport
	clock     clock.Clock
	logger    log.Logger
	tracer    trace.Tracer
	cfg       Config
	metrics   outboxMetrics
}

// transmit publishes msg once, then records the outcome. Only the store
// write is retried: it may race with a poller claiming the same row.
func (r *relay) transmit(ctx context.Context, msg *Message) error {
	ctx, span := r.tracer.Start(ctx, "outbox.send")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.message_id", msg.ID),
		attribute.String("outbox.routing_key", msg.RoutingKey),
	)

	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("routing_key", msg.RoutingKey))

	defer func() {
		r.metrics.sendLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	publishErr := r.transport.Publish(ctx, msg.Outgoing())
	if publishErr != nil && ctx.Err() != nil {
		// Interrupted, not failed: the row keeps its status and is picked
		// up again by the sender.
		libOpentelemetry.HandleSpanError(span, "outbox publish interrupted", publishErr)

		return fmt.Errorf("publish outbox message %s interrupted: %w", msg.ID, errors.Join(ctx.Err(), publishErr))
	}

	if publishErr != nil {
		publishErr = &delivery.TransportError{Op: "publish " + msg.RoutingKey, Err: publishErr}

		r.metrics.messagesFailed.Add(ctx, 1, attrs)
		libOpentelemetry.HandleSpanError(span, "failed to publish outbox message", publishErr)
	} else {
		r.metrics.messagesPublished.Add(ctx, 1, attrs)
	}

	if r.store == nil {
		return publishErr
	}

	// The outcome of a finished publish is recorded even if the cycle is
	// being cancelled.
	if err := r.recordOutcome(context.WithoutCancel(ctx), msg.ID, publishErr); err != nil {
		r.metrics.stateUpdateFailed.Add(ctx, 1, attrs)
		libOpentelemetry.HandleSpanError(span, "failed to record outbox outcome", err)

		r.logger.Log(ctx, log.LevelError, "failed to record outbox message outcome",
			log.MessageID(msg.ID), log.Bool("published", publishErr == nil), log.Err(err))

		return errors.Join(publishErr, err)
	}

	if publishErr != nil {
		r.logger.Log(ctx, log.LevelWarn, "outbox message publish failed",
			log.MessageID(msg.ID), log.String("routing_key", msg.RoutingKey), log.Err(publishErr))
	}

	return publishErr
}

// recordOutcome reloads the row and stamps it Processed or Failed.
func (r *relay) recordOutcome(ctx context.Context, id string, publishErr error) error {
	policy := backoff.Policy{
		MaxRetries: r.cfg.StoreWriteRetries,
		Delay:      backoff.Linear(r.cfg.StoreWriteDelay),
		Retryable: func(err error) bool {
			return !errors.Is(err, delivery.ErrNotFound)
		},
	}

	return backoff.Do(ctx, policy, func(ctx context.Context) error {
		current, err := r.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("reload outbox message %s: %w", id, err)
		}

		now := r.clock.Now()

		if publishErr == nil {
			current.MarkProcessed(now)
		} else {
			current.MarkFailed(publishErr, r.cfg.RetryUnit, now)
		}

		if err := r.store.Update(ctx, current); err != nil {
			return fmt.Errorf("update outbox message %s: %w", id, err)
		}

		return nil
	})
}
