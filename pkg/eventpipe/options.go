package eventpipe

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/auth"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/batch"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/deadletter"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/observability"
)

// MetadataExtractor derives event metadata from request context, such as
// the identity carried by the auth token. Errors are logged and ignored.
type MetadataExtractor func(ctx context.Context) (event.Metadata, error)

// Option configures a Client.
type Option func(*options)

type options struct {
	transport      batch.SendFunc
	httpClient     *http.Client
	logger         *slog.Logger
	clock          quartz.Clock
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	deadLetter     deadletter.Store
	extractor      MetadataExtractor
	legacyToken    auth.TokenProvider
}

// WithTransport replaces the HTTP transport. Config.Endpoint is then
// optional.
func WithTransport(send batch.SendFunc) Option {
	return func(o *options) {
		o.transport = send
	}
}

// WithHTTPClient sets the HTTP client used by the default transport. Its
// Transport is wrapped with otelhttp; Config.Timeout applies only when
// the client has none.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock for event timestamps, flush timer, backoff and
// HMAC timestamps (default: real clock).
func WithClock(clock quartz.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithMeterProvider records metrics through mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithTracerProvider records spans through tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMetrics sets the metrics recorder directly. It takes precedence
// over WithMeterProvider.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSpanManager sets the span manager directly. It takes precedence
// over WithTracerProvider.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(o *options) {
		o.spans = sm
	}
}

// WithDeadLetter records events whose immediate Send finally failed. The
// caller keeps ownership of store.
func WithDeadLetter(store deadletter.Store) Option {
	return func(o *options) {
		o.deadLetter = store
	}
}

// WithMetadataExtractor replaces the default extraction of user and
// tenant ids from the bearer token.
func WithMetadataExtractor(fn MetadataExtractor) Option {
	return func(o *options) {
		o.extractor = fn
	}
}

// WithTokenProvider is the legacy way of enabling bearer auth. An explicit
// Config.Auth.Method takes precedence.
func WithTokenProvider(fn auth.TokenProvider) Option {
	return func(o *options) {
		o.legacyToken = fn
	}
}
