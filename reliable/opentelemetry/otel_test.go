//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTelemetryRequiresLogger(t *testing.T) {
	t.Parallel()

	_, err := NewTelemetry(context.Background(), TelemetryConfig{})
	require.ErrorIs(t, err, ErrNilTelemetryLogger)
}

func TestNewTelemetryDisabled(t *testing.T) {
	t.Parallel()

	tl, err := NewTelemetry(context.Background(), TelemetryConfig{
		LibraryName: "reliable",
		Logger:      log.NewNop(),
	})
	require.NoError(t, err)
	require.NotNil(t, tl.TracerProvider)
	require.NotNil(t, tl.MeterProvider)
	require.NotNil(t, tl.Tracer())
	require.NoError(t, tl.Shutdown(context.Background()))
}

func TestHandleSpanError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := provider.Tracer("test").Start(context.Background(), "publish")
	HandleSpanError(span, "publish failed", errors.New("broker down"))
	HandleSpanEvent(span, "retry", attribute.Int("attempt", 1))
	HandleSpanError(nil, "ignored", errors.New("x"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "publish failed: broker down", ended[0].Status().Description)

	names := make([]string, 0, len(ended[0].Events()))
	for _, event := range ended[0].Events() {
		names = append(names, event.Name)
	}

	assert.Contains(t, names, "exception")
	assert.Contains(t, names, "retry")
}
