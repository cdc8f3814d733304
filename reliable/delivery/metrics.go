package delivery

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type loopMetrics struct {
	cycles        metric.Int64Counter
	cycleFailures metric.Int64Counter
	cycleLatency  metric.Float64Histogram
}

func newLoopMetrics(provider metric.MeterProvider) (loopMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("reliable.delivery.loop")

	var (
		metrics loopMetrics
		err     error
	)

	metrics.cycles, err = meter.Int64Counter(
		"delivery.loop.cycles",
		metric.WithDescription("Number of loop cycles started"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return loopMetrics{}, fmt.Errorf("create delivery.loop.cycles counter: %w", err)
	}

	metrics.cycleFailures, err = meter.Int64Counter(
		"delivery.loop.cycle_failures",
		metric.WithDescription("Number of loop cycles that returned an error"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return loopMetrics{}, fmt.Errorf("create delivery.loop.cycle_failures counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"delivery.loop.cycle.latency",
		metric.WithDescription("Time taken per loop cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return loopMetrics{}, fmt.Errorf("create delivery.loop.cycle.latency histogram: %w", err)
	}

	return metrics, nil
}

type cleanerMetrics struct {
	deleted metric.Int64Counter
}

func newCleanerMetrics(provider metric.MeterProvider) (cleanerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	deleted, err := provider.Meter("reliable.delivery.cleaner").Int64Counter(
		"delivery.cleaner.deleted",
		metric.WithDescription("Number of message rows deleted by retention cleanup"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return cleanerMetrics{}, fmt.Errorf("create delivery.cleaner.deleted counter: %w", err)
	}

	return cleanerMetrics{deleted: deleted}, nil
}
