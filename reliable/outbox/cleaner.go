package outbox

import (
	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"go.opentelemetry.io/otel/trace"
)

// NewCleaner returns the retention loop for outbox rows.
func NewCleaner(store Store, logger log.Logger, tracer trace.Tracer, opts ...delivery.CleanerOption) (*delivery.Cleaner, error) {
	return delivery.NewCleaner("outbox.cleaner", store, logger, tracer, opts...)
}
