package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Without an installed SDK the otel globals are no-ops; these tests pin
// down that every entry point is safe to call unconditionally.

func TestCounterNoProviderDoesNotPanic(t *testing.T) {
	Counter("test.counter", "label", "value")
	Add("test.counter", 2.5, "label", "value")
}

func TestHistogramNoProviderDoesNotPanic(t *testing.T) {
	Histogram("test.histogram", 42.0)
	Duration("test.duration_ms", time.Now().Add(-time.Second))
}

func TestSpanHelpers(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.span", "session", "s1")
	if span == nil {
		t.Fatal("StartSpan returned nil span")
	}
	RecordSpanError(ctx, errors.New("boom"))
	RecordSpanError(ctx, nil) // nil error is ignored
	AddSpanEvent(ctx, "test.event")
	span.End()
}

func TestOddLabelCountIsTolerated(t *testing.T) {
	// Trailing label key without a value is dropped, not panicked on.
	Counter("test.counter", "only_key")
}
