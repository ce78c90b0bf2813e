package eventpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/auth"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/batch"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/buffer"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/deadletter"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/observability"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/retry"
)

// Payload is what application code supplies for one event.
type Payload struct {
	Type string
	Data any

	// Metadata fields set here win over values derived from the auth
	// token. Environment is always the client's.
	Metadata event.Metadata
}

// SendResult is the outcome of an immediate Send.
type SendResult struct {
	Success bool
	EventID string
	Error   error
}

// Client builds events and delivers them to the collector.
type Client struct {
	cfg       Config
	clock     quartz.Clock
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	extractor MetadataExtractor

	send      batch.SendFunc
	buf       *buffer.Buffer
	processor *batch.Processor

	deadLetter     deadletter.Store
	ownsDeadLetter bool

	mu       sync.Mutex
	lastErr  error
	shutdown atomic.Bool
}

// New validates cfg, wires the pipeline and starts the periodic flush.
func New(cfg Config, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(o.transport == nil); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		clock:      o.clock,
		logger:     observability.ComponentLogger(o.logger, "client"),
		metrics:    o.metrics,
		spans:      o.spans,
		deadLetter: o.deadLetter,
	}
	if c.clock == nil {
		c.clock = quartz.NewReal()
	}
	if c.metrics == nil {
		c.metrics = observability.NoopMetrics{}
		if o.meterProvider != nil {
			c.metrics = observability.NewMetricsRecorder(observability.WithMeterProvider(o.meterProvider))
		}
	}
	if c.spans == nil {
		c.spans = observability.NoopSpanManager{}
		if o.tracerProvider != nil {
			c.spans = observability.NewSpanManager(observability.WithTracerProvider(o.tracerProvider))
		}
	}

	signer, err := auth.NewSigner(cfg.Auth, o.legacyToken, auth.WithClock(c.clock))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	c.extractor = o.extractor
	if c.extractor == nil {
		c.extractor = tokenMetadata(cfg.Auth, o.legacyToken)
	}

	switch {
	case cfg.Disabled:
		c.send = func(context.Context, []event.Event) error { return nil }
	case o.transport != nil:
		c.send = o.transport
	default:
		c.send = c.newHTTPTransport(o, signer).Send
	}

	bufCfg := cfg.Buffer
	bufCfg.OnDrop = c.onDrop
	c.buf, err = buffer.New(bufCfg, buffer.WithClock(c.clock))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	c.processor, err = batch.New(c.buf, c.send, cfg.Batch,
		batch.WithRetry(cfg.Retry),
		batch.WithClock(c.clock),
		batch.WithLogger(o.logger),
		batch.WithMetrics(c.metrics),
		batch.WithSpanManager(c.spans),
		batch.WithOnError(c.setError),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if c.deadLetter == nil && cfg.DeadLetterPath != "" {
		store, err := deadletter.NewSQLiteStore(cfg.DeadLetterPath)
		if err != nil {
			return nil, fmt.Errorf("open dead letter store: %w", err)
		}
		c.deadLetter = store
		c.ownsDeadLetter = true
	}

	if !cfg.Disabled {
		c.processor.Start()
	}

	c.logger.Debug("client started",
		slog.String("service", string(cfg.Service)),
		slog.String("environment", string(cfg.Environment)),
		slog.Bool("disabled", cfg.Disabled),
	)
	return c, nil
}

func (c *Client) newHTTPTransport(o options, signer auth.Signer) *HTTPTransport {
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	if hc.Timeout == 0 {
		cp := *hc
		cp.Timeout = c.cfg.Timeout
		hc = &cp
	}

	var otelOpts []otelhttp.Option
	if o.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(o.tracerProvider))
	}
	if o.meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(o.meterProvider))
	}
	return NewHTTPTransport(c.cfg.Endpoint, hc, signer, otelOpts...)
}

// tokenMetadata extracts user and tenant ids from the bearer token, if
// bearer auth is configured.
func tokenMetadata(cfg auth.Config, legacy auth.TokenProvider) MetadataExtractor {
	provider := cfg.Token
	if provider == nil {
		provider = legacy
	}
	if provider == nil || (cfg.Method != auth.MethodNone && cfg.Method != auth.MethodBearer) {
		return func(context.Context) (event.Metadata, error) {
			return event.Metadata{}, nil
		}
	}
	return func(ctx context.Context) (event.Metadata, error) {
		claims, err := auth.ClaimsFromProvider(ctx, provider)
		if err != nil {
			return event.Metadata{}, err
		}
		return event.Metadata{UserID: claims.UserID, TenantID: claims.TenantID}, nil
	}
}

// buildEvent stamps p with an id, the current time and merged metadata.
func (c *Client) buildEvent(ctx context.Context, p Payload) (event.Event, error) {
	if p.Type == "" {
		return event.Event{}, fmt.Errorf("%w: event type is required", ErrInvalidPayload)
	}

	meta, err := c.extractor(ctx)
	if err != nil {
		observability.LogMetadataError(c.logger, err)
		meta = event.Metadata{}
	}
	meta = meta.Merge(p.Metadata)
	meta.Environment = c.cfg.Environment

	return event.New(p.Type, c.cfg.Service, p.Data,
		event.WithTimestamp(c.clock.Now("client", "event")),
		event.WithVersion(c.cfg.SchemaVersion),
		event.WithMetadata(meta),
	), nil
}

// Send delivers one event immediately, bypassing the buffer, with the same
// retry policy as a batch. Failures are reported in the result, recorded
// as the last error and, with a dead-letter store, kept there.
func (c *Client) Send(ctx context.Context, p Payload) SendResult {
	if c.shutdown.Load() {
		return SendResult{Error: ErrShutdown}
	}
	if c.cfg.Disabled {
		return SendResult{Success: true, EventID: event.NewID()}
	}

	evt, err := c.buildEvent(ctx, p)
	if err != nil {
		return SendResult{Error: err}
	}

	ctx, span := c.spans.StartSendSpan(ctx, evt.ID, evt.Type)
	start := c.clock.Now("client", "send")

	res := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.send(ctx, []event.Event{evt})
	},
		retry.WithClock(c.clock),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			observability.LogRetry(c.logger, observability.PathSend, attempt, delay, err)
			c.metrics.RecordRetry(ctx, observability.PathSend)
			c.spans.AddSpanEvent(ctx, "retry",
				attribute.Int("attempt", attempt),
				attribute.String("error", err.Error()),
			)
		}),
	)

	c.metrics.RecordSend(ctx, c.clock.Since(start, "client", "send"), res.Err)
	c.spans.EndSpanWithError(span, res.Err)

	if res.Err != nil {
		observability.LogSendError(c.logger, evt.ID, res.Err)
		c.setError(res.Err)
		c.recordDeadLetter(ctx, evt, res.Err, res.Attempts)
		return SendResult{EventID: evt.ID, Error: res.Err}
	}
	return SendResult{Success: true, EventID: evt.ID}
}

func (c *Client) recordDeadLetter(ctx context.Context, evt event.Event, err error, attempts int) {
	if c.deadLetter == nil {
		return
	}
	// The send context may be what failed.
	ctx = context.WithoutCancel(ctx)
	if _, dlErr := c.deadLetter.Add(ctx, deadletter.NewRecord(evt, err, attempts)); dlErr != nil {
		c.logger.Error("dead letter write failed",
			slog.String("event_id", evt.ID),
			slog.String("error", dlErr.Error()),
		)
	}
}

// Enqueue builds an event and buffers it for the next flush. It returns
// the event id. In disabled mode it does nothing and returns "". The
// buffer's overflow policy decides what happens when it is full; only
// the error policy returns an error.
func (c *Client) Enqueue(ctx context.Context, p Payload) (string, error) {
	if c.shutdown.Load() {
		return "", ErrShutdown
	}
	if c.cfg.Disabled {
		return "", nil
	}

	evt, err := c.buildEvent(ctx, p)
	if err != nil {
		return "", err
	}
	if err := c.buf.Enqueue(evt); err != nil {
		return "", err
	}
	return evt.ID, nil
}

// Flush drains the buffer now. A failed batch is recorded as the last error.
func (c *Client) Flush(ctx context.Context) batch.Result {
	res := c.processor.Flush(ctx)
	if err := res.Err(); err != nil {
		c.setError(err)
	}
	return res
}

// Shutdown stops the timer, waits for an in-flight flush and delivers
// what is left in the buffer. Later calls return an unsuccessful zero
// result. A dead-letter store opened from Config.DeadLetterPath is closed.
func (c *Client) Shutdown(ctx context.Context) batch.Result {
	if !c.shutdown.CompareAndSwap(false, true) {
		return batch.Result{}
	}

	res := c.processor.Shutdown(ctx)
	if err := res.Err(); err != nil {
		c.setError(err)
	}

	if c.ownsDeadLetter {
		if err := c.deadLetter.Close(); err != nil {
			c.logger.Warn("close dead letter store", slog.String("error", err.Error()))
		}
	}
	return res
}

func (c *Client) onDrop(evt event.Event, policy buffer.Policy) {
	c.metrics.RecordDrop(context.Background(), string(policy))
	observability.LogDrop(c.logger, evt.ID, evt.Type, string(policy))
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// LastError returns the most recent delivery failure. It is never cleared
// automatically.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ClearError resets the last error.
func (c *Client) ClearError() {
	c.setError(nil)
}

// PendingCount returns the number of buffered events.
func (c *Client) PendingCount() int {
	return c.buf.Size()
}

// IsHealthy reports whether the client is running and has no recorded error.
func (c *Client) IsHealthy() bool {
	return !c.shutdown.Load() && c.LastError() == nil
}

// DeadLetters returns the configured dead-letter store, or nil.
func (c *Client) DeadLetters() deadletter.Store {
	return c.deadLetter
}

// Replay re-sends up to limit dead letters (limit <= 0 means all) and
// deletes each one that is delivered. A record that fails again stays in
// the store unchanged.
func (c *Client) Replay(ctx context.Context, limit int) (sent, failed int, err error) {
	if c.deadLetter == nil {
		return 0, 0, errors.New("eventpipe: no dead letter store configured")
	}
	recs, err := c.deadLetter.List(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range recs {
		res := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.send(ctx, []event.Event{rec.Event})
		}, retry.WithClock(c.clock))
		if res.Err != nil {
			if ctx.Err() != nil {
				return sent, failed, ctx.Err()
			}
			failed++
			observability.LogSendError(c.logger, rec.Event.ID, res.Err)
			continue
		}
		if err := c.deadLetter.Delete(ctx, rec.ID); err != nil {
			return sent, failed, err
		}
		sent++
	}
	return sent, failed, nil
}
