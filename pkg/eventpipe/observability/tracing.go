package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartFlushSpan starts a span for one flush of the buffer.
	StartFlushSpan(ctx context.Context, pending int) (context.Context, trace.Span)

	// StartBatchSpan starts a span for one batch within a flush.
	StartBatchSpan(ctx context.Context, size int) (context.Context, trace.Span)

	// StartSendSpan starts a span for an immediate single-event send.
	StartSendSpan(ctx context.Context, eventID, eventType string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct {
	tracer trace.Tracer
}

// SpanOption configures NewSpanManager.
type SpanOption func(*spanConfig)

type spanConfig struct {
	provider trace.TracerProvider
}

// WithTracerProvider sets the tracer provider (default: the global provider).
func WithTracerProvider(tp trace.TracerProvider) SpanOption {
	return func(c *spanConfig) {
		c.provider = tp
	}
}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// Without WithTracerProvider the span manager uses the global OTel tracer
// provider:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager(opts ...SpanOption) SpanManager {
	cfg := spanConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.provider == nil {
		cfg.provider = otel.GetTracerProvider()
	}
	return &otelSpanManager{tracer: cfg.provider.Tracer(ScopeName)}
}

// StartFlushSpan starts a span for a flush.
func (m *otelSpanManager) StartFlushSpan(ctx context.Context, pending int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventpipe.flush",
		trace.WithAttributes(
			attribute.Int("buffer.pending", pending),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartBatchSpan starts a span for a batch.
func (m *otelSpanManager) StartBatchSpan(ctx context.Context, size int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventpipe.batch",
		trace.WithAttributes(
			attribute.Int("batch.size", size),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartSendSpan starts a span for an immediate send.
func (m *otelSpanManager) StartSendSpan(ctx context.Context, eventID, eventType string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventpipe.send",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("event.type", eventType),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
