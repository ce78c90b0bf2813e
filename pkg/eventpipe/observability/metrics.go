package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of every meter and tracer.
const ScopeName = "github.com/randalmurphal/eventpipe"

// Delivery paths used as the "path" attribute.
const (
	PathBatch = "batch"
	PathSend  = "send"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordBatch records one batch delivery attempt sequence, including
	// its retries, with the number of events it carried.
	RecordBatch(ctx context.Context, size int, duration time.Duration, err error)

	// RecordSend records an immediate single-event send.
	RecordSend(ctx context.Context, duration time.Duration, err error)

	// RecordRetry records one retry scheduled on the given path.
	RecordRetry(ctx context.Context, path string)

	// RecordDrop records an event discarded by the overflow policy.
	RecordDrop(ctx context.Context, policy string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	eventsSent    metric.Int64Counter
	eventsFailed  metric.Int64Counter
	batchLatency  metric.Float64Histogram
	sendLatency   metric.Float64Histogram
	retryAttempts metric.Int64Counter
	dropped       metric.Int64Counter
}

// MetricsOption configures NewMetricsRecorder.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	provider metric.MeterProvider
}

// WithMeterProvider sets the meter provider (default: the global provider).
func WithMeterProvider(mp metric.MeterProvider) MetricsOption {
	return func(c *metricsConfig) {
		c.provider = mp
	}
}

// newOtelMetrics creates the instruments on the given provider.
func newOtelMetrics(mp metric.MeterProvider) (*otelMetrics, error) {
	meter := mp.Meter(ScopeName)

	eventsSent, err := meter.Int64Counter("eventpipe.events.sent",
		metric.WithDescription("Number of events accepted by the collector"),
	)
	if err != nil {
		return nil, err
	}

	eventsFailed, err := meter.Int64Counter("eventpipe.events.failed",
		metric.WithDescription("Number of events whose delivery failed after retries"),
	)
	if err != nil {
		return nil, err
	}

	batchLatency, err := meter.Float64Histogram("eventpipe.batch.latency_ms",
		metric.WithDescription("Batch delivery latency in milliseconds, retries included"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	sendLatency, err := meter.Float64Histogram("eventpipe.send.latency_ms",
		metric.WithDescription("Immediate send latency in milliseconds, retries included"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retryAttempts, err := meter.Int64Counter("eventpipe.retry.attempts",
		metric.WithDescription("Number of retries scheduled"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("eventpipe.buffer.dropped",
		metric.WithDescription("Number of events discarded by the buffer overflow policy"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		eventsSent:    eventsSent,
		eventsFailed:  eventsFailed,
		batchLatency:  batchLatency,
		sendLatency:   sendLatency,
		retryAttempts: retryAttempts,
		dropped:       dropped,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// Without WithMeterProvider the recorder uses the global OTel meter
// provider:
//
//	otel.SetMeterProvider(yourProvider)
//	recorder := observability.NewMetricsRecorder()
func NewMetricsRecorder(opts ...MetricsOption) MetricsRecorder {
	cfg := metricsConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.provider == nil {
		cfg.provider = otel.GetMeterProvider()
	}

	m, err := newOtelMetrics(cfg.provider)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordBatch records a batch delivery.
func (m *otelMetrics) RecordBatch(ctx context.Context, size int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("path", PathBatch))
	m.record(ctx, attrs, int64(size), err)
	m.batchLatency.Record(ctx, durationMs(duration), metric.WithAttributes(
		attribute.Bool("success", err == nil),
	))
}

// RecordSend records an immediate send.
func (m *otelMetrics) RecordSend(ctx context.Context, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("path", PathSend))
	m.record(ctx, attrs, 1, err)
	m.sendLatency.Record(ctx, durationMs(duration), metric.WithAttributes(
		attribute.Bool("success", err == nil),
	))
}

func (m *otelMetrics) record(ctx context.Context, attrs metric.MeasurementOption, n int64, err error) {
	if err != nil {
		m.eventsFailed.Add(ctx, n, attrs)
		return
	}
	m.eventsSent.Add(ctx, n, attrs)
}

// RecordRetry records a scheduled retry.
func (m *otelMetrics) RecordRetry(ctx context.Context, path string) {
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordDrop records an overflow drop.
func (m *otelMetrics) RecordDrop(ctx context.Context, policy string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
