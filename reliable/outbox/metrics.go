package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type outboxMetrics struct {
	messagesPublished metric.Int64Counter
	messagesFailed    metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	claimConflicts    metric.Int64Counter
	claimedBatch      metric.Int64Gauge
	sendLatency       metric.Float64Histogram
}

func newOutboxMetrics(provider metric.MeterProvider) (outboxMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("reliable.outbox")

	var (
		metrics outboxMetrics
		err     error
	)

	metrics.messagesPublished, err = meter.Int64Counter(
		"outbox.messages.published",
		metric.WithDescription("Number of outbox messages successfully published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.messages.published counter: %w", err)
	}

	metrics.messagesFailed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox messages that failed to publish"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.stateUpdateFailed, err = meter.Int64Counter(
		"outbox.messages.state_update_failed",
		metric.WithDescription("Number of publish outcomes that could not be persisted"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.messages.state_update_failed counter: %w", err)
	}

	metrics.claimConflicts, err = meter.Int64Counter(
		"outbox.claim.conflicts",
		metric.WithDescription("Number of rows lost to another instance while claiming"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.claim.conflicts counter: %w", err)
	}

	metrics.claimedBatch, err = meter.Int64Gauge(
		"outbox.claim.batch",
		metric.WithDescription("Number of rows claimed by the last sender drain"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.claim.batch gauge: %w", err)
	}

	metrics.sendLatency, err = meter.Float64Histogram(
		"outbox.send.latency",
		metric.WithDescription("Time taken to publish one message and record the outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.send.latency histogram: %w", err)
	}

	return metrics, nil
}
