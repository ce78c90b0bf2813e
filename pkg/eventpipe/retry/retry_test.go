package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "transient", CategoryTransient.String())
	assert.Equal(t, "permanent", CategoryPermanent.String())
	assert.Equal(t, "unknown", Category(99).String())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   bool
	}{
		{"500", errors.New("boom"), 500, true},
		{"503", nil, 503, true},
		{"599", nil, 599, true},
		{"429", nil, 429, true},
		{"408", nil, 408, true},
		{"400", nil, 400, false},
		{"401", nil, 401, false},
		{"403", nil, 403, false},
		{"404", nil, 404, false},
		{"422", nil, 422, false},
		{"200", nil, 200, false},
		{"204", nil, 204, false},
		{"600", nil, 600, false},
		{"status carried by error", &HTTPError{StatusCode: 502}, 0, true},
		{"wrapped carried status", fmt.Errorf("send: %w", &HTTPError{StatusCode: 404}), 0, false},
		{"explicit status wins", &HTTPError{StatusCode: 500}, 400, false},
		{"explicit status wins the other way", &HTTPError{StatusCode: 400}, 503, true},
		{"network error", &NetworkError{Op: "POST", Err: errors.New("dial failed")}, 0, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), 0, true},
		{"connection reset", syscall.ECONNRESET, 0, true},
		{"broken pipe", syscall.EPIPE, 0, true},
		{"timed out", syscall.ETIMEDOUT, 0, true},
		{"unexpected eof", io.ErrUnexpectedEOF, 0, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "collector.invalid"}, 0, true},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, 0, true},
		{"generic error", errors.New("type error"), 0, false},
		{"nil", nil, 0, false},
		{"cancelled", context.Canceled, 0, false},
		{"cancelled network error", &NetworkError{Op: "POST", Err: context.Canceled}, 0, false},
		{"forced transient", Transient(errors.New("x"), "test"), 0, true},
		{"forced permanent", Permanent(syscall.ECONNRESET, "test"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err, tt.status))
		})
	}
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, CategoryTransient, Categorize(&HTTPError{StatusCode: 503}))
	assert.Equal(t, CategoryPermanent, Categorize(&HTTPError{StatusCode: 401}))
	assert.Equal(t, CategoryPermanent, Categorize(nil))
}

func TestErrorMessages(t *testing.T) {
	httpErr := &HTTPError{StatusCode: 502, Message: "bad gateway", Endpoint: "https://c.example/ingest"}
	assert.Equal(t, "HTTP 502 at https://c.example/ingest: bad gateway", httpErr.Error())
	assert.Equal(t, "HTTP 400: nope", (&HTTPError{StatusCode: 400, Message: "nope"}).Error())

	netErr := &NetworkError{Op: "POST", Endpoint: "https://c.example", Err: io.ErrUnexpectedEOF}
	assert.Contains(t, netErr.Error(), "POST")
	assert.ErrorIs(t, netErr, io.ErrUnexpectedEOF)

	catErr := &CategorizedError{Err: httpErr, Category: CategoryTransient, Retries: 4, Context: "max retries exceeded"}
	assert.Contains(t, catErr.Error(), "max retries exceeded")
	assert.Contains(t, catErr.Error(), "attempts: 4")
	var target *HTTPError
	require.ErrorAs(t, catErr, &target)
	assert.Equal(t, 502, target.StatusCode)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig.Validate())
	require.NoError(t, NoRetry.Validate())

	bad := Config{MaxRetries: -1, InitialDelay: time.Second, MaxDelay: time.Millisecond, BackoffMultiplier: 0.5}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries")
	assert.Contains(t, err.Error(), "max delay")
	assert.Contains(t, err.Error(), "multiplier")
}

func TestComputeDelay(t *testing.T) {
	cfg := Config{
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	}

	t.Run("without jitter", func(t *testing.T) {
		zero := func() float64 { return 0 }
		tests := []struct {
			attempt int
			want    time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{5, 3200 * time.Millisecond},
			{6, 5 * time.Second},
			{-3, 100 * time.Millisecond},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.want, computeDelay(tt.attempt, cfg, zero), "attempt %d", tt.attempt)
		}
	})

	t.Run("max jitter", func(t *testing.T) {
		one := func() float64 { return 1 }
		assert.Equal(t, 120*time.Millisecond, computeDelay(0, cfg, one))
		assert.Equal(t, 480*time.Millisecond, computeDelay(2, cfg, one))
		// 3.2s + 0.64s jitter stays below the ceiling
		assert.Equal(t, 3840*time.Millisecond, computeDelay(5, cfg, one))
	})

	t.Run("jitter clipped at ceiling", func(t *testing.T) {
		one := func() float64 { return 1 }
		tight := cfg
		tight.MaxDelay = 110 * time.Millisecond
		assert.Equal(t, 110*time.Millisecond, computeDelay(0, tight, one))
	})

	t.Run("bounded for large attempts", func(t *testing.T) {
		for attempt := 0; attempt <= 2000; attempt++ {
			d := ComputeDelay(attempt, cfg)
			exponential := float64(cfg.InitialDelay) * float64(int64(1)<<min(attempt, 62))
			assert.LessOrEqual(t, d, cfg.MaxDelay, "attempt %d", attempt)
			if exponential < float64(cfg.MaxDelay) {
				assert.GreaterOrEqual(t, float64(d), exponential, "attempt %d", attempt)
			}
		}
	})

	t.Run("non-decreasing lower bound", func(t *testing.T) {
		zero := func() float64 { return 0 }
		prev := time.Duration(0)
		for attempt := 0; attempt <= 20; attempt++ {
			d := computeDelay(attempt, cfg, zero)
			assert.GreaterOrEqual(t, d, prev)
			prev = d
		}
	})
}

// fastConfig keeps real-clock tests quick.
var fastConfig = Config{
	MaxRetries:        3,
	InitialDelay:      time.Millisecond,
	MaxDelay:          5 * time.Millisecond,
	BackoffMultiplier: 2,
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds first try", func(t *testing.T) {
		var calls atomic.Int32
		res := Do(ctx, fastConfig, func(context.Context) (string, error) {
			calls.Add(1)
			return "ok", nil
		})
		require.NoError(t, res.Err)
		assert.Equal(t, "ok", res.Value)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		res := Do(ctx, fastConfig, func(context.Context) (int, error) {
			if calls.Add(1) < 3 {
				return 0, &HTTPError{StatusCode: 503}
			}
			return 42, nil
		})
		require.NoError(t, res.Err)
		assert.Equal(t, 42, res.Value)
		assert.Equal(t, 3, res.Attempts)
	})

	t.Run("constant 500 exhausts retries", func(t *testing.T) {
		var calls atomic.Int32
		var retries []int
		res := Do(ctx, fastConfig, func(context.Context) (struct{}, error) {
			calls.Add(1)
			return struct{}{}, &HTTPError{StatusCode: 500, Message: "down"}
		}, WithOnRetry(func(attempt int, delay time.Duration, _ error) {
			retries = append(retries, attempt)
			assert.LessOrEqual(t, delay, fastConfig.MaxDelay)
		}))

		require.Error(t, res.Err)
		assert.Equal(t, int32(fastConfig.MaxRetries+1), calls.Load())
		assert.Equal(t, fastConfig.MaxRetries+1, res.Attempts)
		assert.Equal(t, []int{1, 2, 3}, retries)

		var catErr *CategorizedError
		require.ErrorAs(t, res.Err, &catErr)
		assert.Equal(t, "max retries exceeded", catErr.Context)

		var httpErr *HTTPError
		require.ErrorAs(t, res.Err, &httpErr)
		assert.Equal(t, 500, httpErr.StatusCode)
	})

	t.Run("400 is not retried", func(t *testing.T) {
		var calls atomic.Int32
		res := Do(ctx, fastConfig, func(context.Context) (struct{}, error) {
			calls.Add(1)
			return struct{}{}, &HTTPError{StatusCode: 400}
		})
		require.Error(t, res.Err)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, CategoryPermanent, Categorize(res.Err))
	})

	t.Run("zero retries", func(t *testing.T) {
		var calls atomic.Int32
		res := Do(ctx, NoRetry, func(context.Context) (struct{}, error) {
			calls.Add(1)
			return struct{}{}, syscall.ECONNREFUSED
		})
		require.Error(t, res.Err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("custom classifier", func(t *testing.T) {
		var calls atomic.Int32
		res := Do(ctx, fastConfig, func(context.Context) (struct{}, error) {
			calls.Add(1)
			return struct{}{}, errors.New("always retry me")
		}, WithClassifier(func(error) bool { return true }))
		require.Error(t, res.Err)
		assert.Equal(t, int32(fastConfig.MaxRetries+1), calls.Load())
	})
}

func TestDoCancellation(t *testing.T) {
	t.Run("cancelled before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		res := Do(ctx, fastConfig, func(context.Context) (struct{}, error) {
			called = true
			return struct{}{}, nil
		})
		assert.False(t, called)
		assert.Equal(t, 0, res.Attempts)
		assert.ErrorIs(t, res.Err, context.Canceled)
	})

	t.Run("cancel aborts backoff wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		slow := Config{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2}
		cause := &HTTPError{StatusCode: 503}

		done := make(chan Result[struct{}], 1)
		go func() {
			done <- Do(ctx, slow, func(context.Context) (struct{}, error) {
				return struct{}{}, cause
			}, WithOnRetry(func(int, time.Duration, error) { cancel() }))
		}()

		select {
		case res := <-done:
			assert.Equal(t, 1, res.Attempts)
			assert.ErrorIs(t, res.Err, context.Canceled)
			assert.ErrorIs(t, res.Err, cause)
		case <-time.After(5 * time.Second):
			t.Fatal("retry did not stop after cancellation")
		}
	})
}

func TestDoUsesClockForBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("retry", "backoff")
	defer trap.Close()

	cfg := Config{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2}

	var calls atomic.Int32
	done := make(chan Result[string], 1)
	go func() {
		done <- Do(ctx, cfg, func(context.Context) (string, error) {
			if calls.Add(1) == 1 {
				return "", &HTTPError{StatusCode: 500}
			}
			return "second", nil
		}, WithClock(mClock))
	}()

	call := trap.MustWait(ctx)
	assert.GreaterOrEqual(t, call.Duration, time.Second)
	assert.LessOrEqual(t, call.Duration, 1200*time.Millisecond)
	call.MustRelease(ctx)
	assert.Equal(t, int32(1), calls.Load())

	_, w := mClock.AdvanceNext()
	w.MustWait(ctx)

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, "second", res.Value)
	assert.Equal(t, 2, res.Attempts)
	assert.GreaterOrEqual(t, res.Duration, time.Second)
}
