// Package telemetry provides OpenTelemetry tracing for the bus and the
// lifecycle orchestrator.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with bus-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// RequestSpanOptions describes a bus request.
type RequestSpanOptions struct {
	From          string
	To            string
	Kind          string
	Priority      string
	CorrelationID string
}

// StartRequestSpan starts a span covering one Request round trip.
func (t *Tracer) StartRequestSpan(ctx context.Context, opts RequestSpanOptions) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "bus.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("bus.from", opts.From),
		attribute.String("bus.to", opts.To),
		attribute.String("bus.kind", opts.Kind),
		attribute.String("bus.priority", opts.Priority),
		attribute.String("bus.correlation_id", opts.CorrelationID),
	)
	return ctx, span
}

// EndRequestSpan records the request outcome and ends the span.
func (t *Tracer) EndRequestSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("bus.outcome", outcome))
	end(span, err)
}

// StartSweepSpan starts a span covering one heartbeat sweep.
func (t *Tracer) StartSweepSpan(ctx context.Context, agents int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "lifecycle.sweep", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.Int("lifecycle.agents", agents))
	return ctx, span
}

// EndSweepSpan records how many agents were flagged and ends the span.
func (t *Tracer) EndSweepSpan(span trace.Span, stale, restarts int) {
	span.SetAttributes(
		attribute.Int("lifecycle.stale", stale),
		attribute.Int("lifecycle.restarts", restarts),
	)
	end(span, nil)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
