package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic marks errors produced from recovered panics.
var ErrPanic = errors.New("panic")

// PanicSpanEventName is the span event recorded for a recovered panic.
const PanicSpanEventName = "panic.recovered"

const maxSpanStackLen = 4096

// RecordPanicToSpanWithComponent adds a panic event to the span in ctx and
// marks the span as failed. It does nothing when no span is recording.
func RecordPanicToSpanWithComponent(ctx context.Context, panicValue any, stack []byte, component, name string) {
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	location := name
	if component != "" {
		location = component + "/" + name
	}

	attrs := []attribute.KeyValue{
		attribute.String("panic.value", formatPanicValue(panicValue)),
		attribute.String("panic.goroutine_name", name),
	}

	if component != "" {
		attrs = append(attrs, attribute.String("panic.component", component))
	}

	if len(stack) > 0 && !IsProductionMode() {
		trimmed := string(stack)
		if len(trimmed) > maxSpanStackLen {
			trimmed = trimmed[:maxSpanStackLen] + "\n...[truncated]"
		}

		attrs = append(attrs, attribute.String("panic.stack", trimmed))
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(attrs...))
	span.RecordError(fmt.Errorf("%w: %s", ErrPanic, formatPanicValue(panicValue)))
	span.SetStatus(codes.Error, "panic recovered in "+location)
}
