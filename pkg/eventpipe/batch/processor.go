// Package batch drains the event buffer to the collector in bounded
// batches, on a timer and on demand.
//
// A Processor moves through four states:
//
//	Idle      no timer, not flushing
//	Armed     periodic timer running (after Start)
//	Flushing  one flush in progress; concurrent Flush calls are skipped
//	Shutdown  terminal; every operation returns an unsuccessful zero result
//
// Batches are delivered strictly in buffer order and one at a time. A batch
// that still fails after its retries stays at the head of the buffer and
// ends the flush, so the next flush starts with it again.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/buffer"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/observability"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/retry"
)

// SendFunc delivers one batch. It must return an error for any outcome
// other than success, carrying the HTTP status where one is known (see
// retry.StatusCoder) so the failure can be classified.
type SendFunc func(ctx context.Context, events []event.Event) error

// Result is the outcome of a flush.
type Result struct {
	// Success is true iff no batch failed.
	Success bool

	SentCount   int
	FailedCount int

	// Skipped is set when another flush was already in progress. A skip
	// reports Success with zero counts and is not an empty buffer.
	Skipped bool

	// Errors holds the final error of each failed batch.
	Errors []error
}

// Err joins the batch errors, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Processor owns the periodic flush of a buffer.
type Processor struct {
	cfg      Config
	retryCfg retry.Config
	buf      *buffer.Buffer
	send     SendFunc

	clock   quartz.Clock
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	onError func(error)

	// flushMu is held for the whole of a flush. Flush acquires it with
	// TryLock and skips when it is held; Shutdown waits for it.
	flushMu  sync.Mutex
	active   atomic.Bool
	shutdown atomic.Bool

	// closing is set once Shutdown has stopped the timer; Start refuses
	// to re-arm after that.
	timerMu     sync.Mutex
	timerCancel context.CancelFunc
	timerWaiter quartz.Waiter
	closing     bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithRetry sets the retry policy applied to each batch
// (default: retry.DefaultConfig).
func WithRetry(cfg retry.Config) Option {
	return func(p *Processor) {
		p.retryCfg = cfg
	}
}

// WithClock sets the clock driving the timer and backoff (default: real clock).
func WithClock(clock quartz.Clock) Option {
	return func(p *Processor) {
		p.clock = clock
	}
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder (default: NoopMetrics).
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithSpanManager sets the span manager (default: NoopSpanManager).
func WithSpanManager(sm observability.SpanManager) Option {
	return func(p *Processor) {
		p.spans = sm
	}
}

// WithOnError registers the callback receiving failures of timer-driven
// flushes, which have no caller to return them to.
func WithOnError(fn func(error)) Option {
	return func(p *Processor) {
		p.onError = fn
	}
}

// New creates a Processor draining buf through send. The processor starts
// Idle; call Start to arm the timer.
func New(buf *buffer.Buffer, send SendFunc, cfg Config, opts ...Option) (*Processor, error) {
	if buf == nil {
		return nil, errors.New("batch: buffer is required")
	}
	if send == nil {
		return nil, errors.New("batch: send function is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Processor{
		cfg:      cfg,
		retryCfg: retry.DefaultConfig,
		buf:      buf,
		send:     send,
		clock:    quartz.NewReal(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.retryCfg.Validate(); err != nil {
		return nil, err
	}
	p.logger = observability.ComponentLogger(p.logger, "batch")
	return p, nil
}

// Config returns the resolved configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// Start arms the periodic flush. It is a no-op when the timer is already
// running or the processor is shut down.
func (p *Processor) Start() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.closing || p.timerCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.timerCancel = cancel
	p.timerWaiter = p.clock.TickerFunc(ctx, p.cfg.FlushInterval, func() error {
		// Stop must not abort a flush that already started.
		res := p.Flush(context.WithoutCancel(ctx))
		if err := res.Err(); err != nil && p.onError != nil {
			p.onError(err)
		}
		// A non-nil return would stop the ticker.
		return nil
	}, "batch", "ticker")
}

// Stop cancels the periodic flush. Buffered events and an in-flight flush
// are left alone. Stop is idempotent.
func (p *Processor) Stop() {
	p.stopTimer(false)
}

// stopTimer cancels the ticker and returns its waiter, if any. With
// closing set, later Start calls are ignored.
func (p *Processor) stopTimer(closing bool) quartz.Waiter {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if closing {
		p.closing = true
	}
	if p.timerCancel == nil {
		return nil
	}
	p.timerCancel()
	w := p.timerWaiter
	p.timerCancel, p.timerWaiter = nil, nil
	return w
}

// IsRunning reports whether the periodic timer is armed.
func (p *Processor) IsRunning() bool {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	return p.timerCancel != nil
}

// IsActive reports whether a flush is executing.
func (p *Processor) IsActive() bool {
	return p.active.Load()
}

// IsShutdown reports whether Shutdown has completed.
func (p *Processor) IsShutdown() bool {
	return p.shutdown.Load()
}

// Flush drains the buffer batch by batch. See Result for the meaning of
// each outcome. After Shutdown it returns an unsuccessful zero Result.
func (p *Processor) Flush(ctx context.Context) Result {
	if p.shutdown.Load() {
		return Result{}
	}
	if !p.flushMu.TryLock() {
		return Result{Success: true, Skipped: true}
	}
	defer p.flushMu.Unlock()

	// Shutdown may have completed while we were acquiring the lock.
	if p.shutdown.Load() {
		return Result{}
	}
	return p.flushLocked(ctx)
}

// Shutdown stops the timer, waits for any in-flight flush, performs one
// final flush and enters the terminal state. It returns that flush's
// result; later calls return an unsuccessful zero Result.
func (p *Processor) Shutdown(ctx context.Context) Result {
	if p.shutdown.Load() {
		return Result{}
	}

	if w := p.stopTimer(true); w != nil {
		// Returns once a timer flush in progress has finished. The error
		// is context.Canceled from our own cancel.
		_ = w.Wait("batch", "shutdown")
	}

	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	if p.shutdown.Load() {
		return Result{}
	}

	res := p.flushLocked(ctx)
	p.shutdown.Store(true)
	p.logger.Info("processor shut down",
		slog.Int("sent", res.SentCount),
		slog.Int("failed", res.FailedCount),
		slog.Int("remaining", p.buf.Size()),
	)
	return res
}

// flushLocked runs one flush. Callers hold flushMu.
func (p *Processor) flushLocked(ctx context.Context) Result {
	pending := p.buf.Size()
	if pending == 0 {
		return Result{Success: true}
	}

	p.active.Store(true)
	defer p.active.Store(false)

	ctx, span := p.spans.StartFlushSpan(ctx, pending)
	elapsed := observability.TimedOperation(p.clock, "batch", "flush")
	observability.LogFlushStart(p.logger, pending)

	res := Result{Success: true}
	for {
		entries := p.buf.Peek(p.cfg.MaxBatchSize)
		if len(entries) == 0 {
			break
		}

		events := make([]event.Event, len(entries))
		ids := make([]string, len(entries))
		for i, e := range entries {
			events[i] = e.Event
			ids[i] = e.Event.ID
		}

		if err := p.deliver(ctx, events); err != nil {
			p.buf.IncrementRetry(len(entries))
			res.Success = false
			res.FailedCount += len(entries)
			res.Errors = append(res.Errors, err)
			break
		}

		p.buf.RemoveDelivered(ids)
		res.SentCount += len(entries)
	}

	p.spans.EndSpanWithError(span, res.Err())
	observability.LogFlushComplete(p.logger, res.SentCount, res.FailedCount, elapsed())
	return res
}

// deliver sends one batch under the retry policy.
func (p *Processor) deliver(ctx context.Context, events []event.Event) error {
	ctx, span := p.spans.StartBatchSpan(ctx, len(events))
	start := p.clock.Now("batch", "deliver")

	res := retry.Do(ctx, p.retryCfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.send(ctx, events)
	},
		retry.WithClock(p.clock),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			observability.LogRetry(p.logger, observability.PathBatch, attempt, delay, err)
			p.metrics.RecordRetry(ctx, observability.PathBatch)
			p.spans.AddSpanEvent(ctx, "retry",
				attribute.Int("attempt", attempt),
				attribute.String("error", err.Error()),
			)
		}),
	)

	p.metrics.RecordBatch(ctx, len(events), p.clock.Since(start, "batch", "deliver"), res.Err)
	if res.Err != nil {
		observability.LogBatchError(p.logger, len(events), res.Attempts, res.Err)
	}
	p.spans.EndSpanWithError(span, res.Err)
	return res.Err
}
