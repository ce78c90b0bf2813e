// Package observability provides the logging, metrics and tracing hooks of
// the event pipeline.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// Everything is opt-in: the Log helpers tolerate a nil logger, and
// NoopMetrics / NoopSpanManager stand in when a concern is disabled.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"
)

// ComponentLogger returns logger tagged with a component attribute.
// A nil logger falls back to slog.Default().
func ComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", component))
}

// LogFlushStart logs the start of a flush.
func LogFlushStart(logger *slog.Logger, pending int) {
	if logger == nil {
		return
	}
	logger.Debug("flush starting",
		slog.Int("pending", pending),
	)
}

// LogFlushComplete logs the outcome of a flush. Partial failures are
// logged at WARN.
func LogFlushComplete(logger *slog.Logger, sent, failed int, durationMs float64) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if failed > 0 {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "flush completed",
		slog.Int("sent", sent),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogBatchError logs a batch that failed after its retries were spent.
func LogBatchError(logger *slog.Logger, size, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("batch delivery failed",
		slog.Int("batch_size", size),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogRetry logs a retry about to be scheduled.
func LogRetry(logger *slog.Logger, path string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("delivery failed, retrying",
		slog.String("path", path),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}

// LogDrop logs an event discarded by the buffer overflow policy.
func LogDrop(logger *slog.Logger, eventID, eventType, policy string) {
	if logger == nil {
		return
	}
	logger.Warn("buffer full, event dropped",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("policy", policy),
	)
}

// LogSendError logs a failed immediate send.
func LogSendError(logger *slog.Logger, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event send failed",
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// LogMetadataError logs a failure to derive metadata from the auth token.
// Enrichment failures never fail event creation, so this is DEBUG.
func LogMetadataError(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Debug("metadata enrichment failed",
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation on clock.
// Returns a function that, when called, returns the elapsed time in milliseconds.
// Tags are passed through to the clock calls so mocks can trap them.
//
// Example:
//
//	done := TimedOperation(clock, "batch", "flush")
//	// ... do work ...
//	durationMs := done()
func TimedOperation(clock quartz.Clock, tags ...string) func() float64 {
	start := clock.Now(tags...)
	return func() float64 {
		return float64(clock.Since(start, tags...).Microseconds()) / 1000
	}
}
