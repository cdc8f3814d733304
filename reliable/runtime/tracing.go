package runtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicSpanEventName is the span event recorded for a recovered panic.
const PanicSpanEventName = "panic.recovered"

// maxStackInSpan bounds the stack attribute size.
const maxStackInSpan = 4096

func recordPanicToSpan(ctx context.Context, panicValue any, stack []byte, component, name string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	if len(stack) > maxStackInSpan {
		stack = stack[:maxStackInSpan]
	}

	value := fmt.Sprint(panicValue)

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(
		attribute.String("panic.value", value),
		attribute.String("panic.stack", string(stack)),
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine_name", name),
	))
	span.SetStatus(codes.Error, "panic recovered: "+value)
}
