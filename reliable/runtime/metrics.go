package runtime

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const panicRecoveredMetricName = "panic_recovered_total"

var (
	panicCounterMu sync.RWMutex
	panicCounter   metric.Int64Counter
)

// InitPanicMetrics binds the panic counter to provider. A nil provider
// falls back to the global meter provider.
func InitPanicMetrics(provider metric.MeterProvider) error {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	counter, err := provider.Meter("reliable.runtime").Int64Counter(
		panicRecoveredMetricName,
		metric.WithDescription("Total number of recovered panics"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	panicCounterMu.Lock()
	panicCounter = counter
	panicCounterMu.Unlock()

	return nil
}

// ResetPanicMetrics unbinds the panic counter.
func ResetPanicMetrics() {
	panicCounterMu.Lock()
	panicCounter = nil
	panicCounterMu.Unlock()
}

func recordPanicMetric(ctx context.Context, component, name string) {
	panicCounterMu.RLock()
	counter := panicCounter
	panicCounterMu.RUnlock()

	if counter == nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine_name", name),
	))
}
