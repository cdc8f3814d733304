package inbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type inboxMetrics struct {
	messagesConsumed  metric.Int64Counter
	messagesFailed    metric.Int64Counter
	messagesSkipped   metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	claimConflicts    metric.Int64Counter
	consumeLatency    metric.Float64Histogram
}

func newInboxMetrics(provider metric.MeterProvider) (inboxMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("reliable.inbox")

	var (
		metrics inboxMetrics
		err     error
	)

	metrics.messagesConsumed, err = meter.Int64Counter(
		"inbox.messages.consumed",
		metric.WithDescription("Number of inbox messages handled successfully"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return inboxMetrics{}, fmt.Errorf("create inbox.messages.consumed counter: %w", err)
	}

	metrics.messagesFailed, err = meter.Int64Counter(
		"inbox.messages.failed",
		metric.WithDescription("Number of inbox messages whose handler failed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return inboxMetrics{}, fmt.Errorf("create inbox.messages.failed counter: %w", err)
	}

	metrics.messagesSkipped, err = meter.Int64Counter(
		"inbox.messages.skipped",
		metric.WithDescription("Number of inbound messages skipped as duplicates or filtered out"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return inboxMetrics{}, fmt.Errorf("create inbox.messages.skipped counter: %w", err)
	}

	metrics.stateUpdateFailed, err = meter.Int64Counter(
		"inbox.messages.state_update_failed",
		metric.WithDescription("Number of handling outcomes that could not be persisted"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return inboxMetrics{}, fmt.Errorf("create inbox.messages.state_update_failed counter: %w", err)
	}

	metrics.claimConflicts, err = meter.Int64Counter(
		"inbox.claim.conflicts",
		metric.WithDescription("Number of rows lost to another instance while claiming"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return inboxMetrics{}, fmt.Errorf("create inbox.claim.conflicts counter: %w", err)
	}

	metrics.consumeLatency, err = meter.Float64Histogram(
		"inbox.consume.latency",
		metric.WithDescription("Time taken by one handler invocation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return inboxMetrics{}, fmt.Errorf("create inbox.consume.latency histogram: %w", err)
	}

	return metrics, nil
}
