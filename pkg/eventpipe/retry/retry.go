package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
)

// Result contains the result of a retry operation.
type Result[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed. It is always a
	// *CategorizedError wrapping the last operation error.
	Err error

	// Attempts is the number of times the operation ran.
	Attempts int

	// Duration is the total time spent, backoff included.
	Duration time.Duration
}

// Classifier decides whether err warrants another attempt.
type Classifier func(err error) bool

// Option configures Do.
type Option func(*options)

type options struct {
	classifier Classifier
	clock      quartz.Clock
	onRetry    func(attempt int, delay time.Duration, err error)
}

// WithClassifier overrides the default IsRetryable(err, 0) check.
func WithClassifier(fn Classifier) Option {
	return func(o *options) {
		if fn != nil {
			o.classifier = fn
		}
	}
}

// WithClock sets the clock used for backoff waits (default: real clock).
func WithClock(clock quartz.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithOnRetry registers a callback invoked before each backoff wait with
// the one-based retry number, the delay about to be slept and the error
// that triggered it.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) {
		o.onRetry = fn
	}
}

// Do executes op until it succeeds, returns a non-retryable error, or
// MaxRetries retries have been spent. Context cancellation aborts both
// the next attempt and any backoff wait in progress.
func Do[T any](
	ctx context.Context,
	cfg Config,
	op func(context.Context) (T, error),
	opts ...Option,
) Result[T] {
	o := options{
		classifier: func(err error) bool { return IsRetryable(err, 0) },
		clock:      quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	start := o.clock.Now("retry", "start")
	elapsed := func() time.Duration {
		return o.clock.Since(start, "retry", "elapsed")
	}

	maxRetries := max(cfg.MaxRetries, 0)
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result[T]{
				Err:      cancelled(err, lastErr, attempt, "context cancelled"),
				Attempts: attempt,
				Duration: elapsed(),
			}
		}

		value, err := op(ctx)
		if err == nil {
			return Result[T]{
				Value:    value,
				Attempts: attempt + 1,
				Duration: elapsed(),
			}
		}
		lastErr = err

		if !o.classifier(err) {
			return Result[T]{
				Err: &CategorizedError{
					Err:      err,
					Category: CategoryPermanent,
					Retries:  attempt + 1,
				},
				Attempts: attempt + 1,
				Duration: elapsed(),
			}
		}

		// No wait after the last attempt
		if attempt == maxRetries {
			break
		}

		delay := ComputeDelay(attempt, cfg)
		if o.onRetry != nil {
			o.onRetry(attempt+1, delay, err)
		}

		timer := o.clock.NewTimer(delay, "retry", "backoff")
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result[T]{
				Err:      cancelled(ctx.Err(), lastErr, attempt+1, "context cancelled during backoff"),
				Attempts: attempt + 1,
				Duration: elapsed(),
			}
		case <-timer.C:
		}
	}

	return Result[T]{
		Err: &CategorizedError{
			Err:      lastErr,
			Category: CategoryTransient,
			Retries:  maxRetries + 1,
			Context:  "max retries exceeded",
		},
		Attempts: maxRetries + 1,
		Duration: elapsed(),
	}
}

func cancelled(ctxErr, lastErr error, attempts int, reason string) *CategorizedError {
	err := ctxErr
	if lastErr != nil {
		err = fmt.Errorf("%w (last error: %w)", ctxErr, lastErr)
	}
	return &CategorizedError{
		Err:      err,
		Category: CategoryPermanent,
		Retries:  attempts,
		Context:  reason,
	}
}
