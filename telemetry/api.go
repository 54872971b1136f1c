// Package telemetry provides simple metrics and trace emission over
// OpenTelemetry. The functions here are safe to call unconditionally:
// when the embedding process has not installed an SDK, the global otel
// providers are no-ops and every call costs almost nothing.
//
// Instrumented components emit through this package rather than holding
// otel handles themselves, keeping the observability surface in one place.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/maestroframework/maestro"

var (
	mu         sync.Mutex
	counters   = map[string]metric.Float64Counter{}
	histograms = map[string]metric.Float64Histogram{}
)

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Counter increments a counter metric by 1.
// Labels are provided as key-value pairs.
// Example: Counter("bus.messages.published", "type", "status_update")
func Counter(name string, labels ...string) {
	Add(name, 1, labels...)
}

// Add increments a counter metric by value.
func Add(name string, value float64, labels ...string) {
	mu.Lock()
	c, ok := counters[name]
	if !ok {
		var err error
		c, err = meter().Float64Counter(name)
		if err != nil {
			mu.Unlock()
			return
		}
		counters[name] = c
	}
	mu.Unlock()
	c.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution.
// Example: Histogram("sandbox.execution_ms", 125.3, "status", "completed")
func Histogram(name string, value float64, labels ...string) {
	mu.Lock()
	h, ok := histograms[name]
	if !ok {
		var err error
		h, err = meter().Float64Histogram(name)
		if err != nil {
			mu.Unlock()
			return
		}
		histograms[name] = h
	}
	mu.Unlock()
	h.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Duration records elapsed time since startTime in milliseconds.
//
//	start := time.Now()
//	defer telemetry.Duration("orchestrator.node_ms", start, "node", "create_agent")
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// StartSpan starts a trace span. The returned context carries the span;
// callers must End it.
func StartSpan(ctx context.Context, name string, labels ...string) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(toAttributes(labels)...))
}

// RecordSpanError records err on the span carried by ctx, if any.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

// AddSpanEvent attaches a named event to the span carried by ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
