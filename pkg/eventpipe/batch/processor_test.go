package batch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/batch"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/buffer"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/retry"
)

// fastRetry keeps real-clock retries quick.
var fastRetry = retry.Config{
	MaxRetries:        2,
	InitialDelay:      time.Millisecond,
	MaxDelay:          2 * time.Millisecond,
	BackoffMultiplier: 2,
}

// transport records every batch it is handed and fails according to fail.
type transport struct {
	mu      sync.Mutex
	batches [][]event.Event
	fail    func(call int, events []event.Event) error
}

func (tr *transport) send(_ context.Context, events []event.Event) error {
	tr.mu.Lock()
	tr.batches = append(tr.batches, append([]event.Event(nil), events...))
	call := len(tr.batches)
	fail := tr.fail
	tr.mu.Unlock()
	if fail != nil {
		return fail(call, events)
	}
	return nil
}

func (tr *transport) sizes() []int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]int, len(tr.batches))
	for i, b := range tr.batches {
		out[i] = len(b)
	}
	return out
}

func (tr *transport) calls() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.batches)
}

func newBuffer(t *testing.T, n int) *buffer.Buffer {
	t.Helper()
	buf, err := buffer.New(buffer.Config{MaxSize: 1000})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, buf.Enqueue(event.New(fmt.Sprintf("test.%d", i), "test", nil)))
	}
	return buf
}

func newProcessor(t *testing.T, buf *buffer.Buffer, send batch.SendFunc, cfg batch.Config, opts ...batch.Option) *batch.Processor {
	t.Helper()
	opts = append([]batch.Option{batch.WithRetry(fastRetry)}, opts...)
	p, err := batch.New(buf, send, cfg, opts...)
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	buf := newBuffer(t, 0)
	send := func(context.Context, []event.Event) error { return nil }

	t.Run("defaults", func(t *testing.T) {
		p, err := batch.New(buf, send, batch.Config{})
		require.NoError(t, err)
		assert.Equal(t, batch.DefaultConfig, p.Config())
		assert.False(t, p.IsRunning())
		assert.False(t, p.IsActive())
		assert.False(t, p.IsShutdown())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := batch.New(nil, send, batch.Config{})
		assert.Error(t, err)
		_, err = batch.New(buf, nil, batch.Config{})
		assert.Error(t, err)
		_, err = batch.New(buf, send, batch.Config{MaxBatchSize: -1})
		assert.Error(t, err)
		_, err = batch.New(buf, send, batch.Config{}, batch.WithRetry(retry.Config{MaxRetries: -1}))
		assert.Error(t, err)
	})
}

func TestFlushSplitsIntoBatches(t *testing.T) {
	buf := newBuffer(t, 3)
	tr := &transport{}
	p := newProcessor(t, buf, tr.send, batch.Config{MaxBatchSize: 2})

	res := p.Flush(context.Background())

	assert.Equal(t, batch.Result{Success: true, SentCount: 3, FailedCount: 0}, res)
	assert.Equal(t, []int{2, 1}, tr.sizes())
	assert.True(t, buf.IsEmpty())
	assert.Equal(t, "test.0", tr.batches[0][0].Type)
	assert.Equal(t, "test.2", tr.batches[1][0].Type)
}

func TestFlushEmptyBuffer(t *testing.T) {
	tr := &transport{}
	p := newProcessor(t, newBuffer(t, 0), tr.send, batch.Config{})

	res := p.Flush(context.Background())
	assert.Equal(t, batch.Result{Success: true}, res)
	assert.Zero(t, tr.calls())
}

func TestFlushFailureKeepsBatch(t *testing.T) {
	buf := newBuffer(t, 5)
	tr := &transport{fail: func(call int, _ []event.Event) error {
		if call == 2 {
			return &retry.HTTPError{StatusCode: 400, Message: "bad batch"}
		}
		return nil
	}}
	p := newProcessor(t, buf, tr.send, batch.Config{MaxBatchSize: 2})

	res := p.Flush(context.Background())

	assert.False(t, res.Success)
	assert.Equal(t, 2, res.SentCount)
	assert.Equal(t, 2, res.FailedCount)
	require.Len(t, res.Errors, 1)
	var httpErr *retry.HTTPError
	require.ErrorAs(t, res.Err(), &httpErr)
	assert.Equal(t, 400, httpErr.StatusCode)

	assert.Equal(t, 2, tr.calls(), "loop stops after the failed batch")
	remaining := buf.All()
	require.Len(t, remaining, 3)
	assert.Equal(t, "test.2", remaining[0].Event.Type, "failed batch stays at the head")
	assert.Equal(t, 1, remaining[0].RetryCount)
	assert.Equal(t, 1, remaining[1].RetryCount)
	assert.Equal(t, 0, remaining[2].RetryCount)

	// The next flush starts with the failed batch again.
	tr.fail = nil
	res = p.Flush(context.Background())
	assert.Equal(t, batch.Result{Success: true, SentCount: 3}, res)
	assert.Equal(t, "test.2", tr.batches[2][0].Type)
}

func TestFlushRetriesTransientFailures(t *testing.T) {
	buf := newBuffer(t, 1)
	tr := &transport{fail: func(call int, _ []event.Event) error {
		if call < 3 {
			return &retry.HTTPError{StatusCode: 503}
		}
		return nil
	}}
	p := newProcessor(t, buf, tr.send, batch.Config{})

	res := p.Flush(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.SentCount)
	assert.Equal(t, 3, tr.calls())
}

func TestFlushExhaustsRetries(t *testing.T) {
	buf := newBuffer(t, 2)
	tr := &transport{fail: func(int, []event.Event) error {
		return &retry.HTTPError{StatusCode: 500}
	}}
	p := newProcessor(t, buf, tr.send, batch.Config{})

	res := p.Flush(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.FailedCount)
	assert.Equal(t, fastRetry.MaxRetries+1, tr.calls())
	assert.Equal(t, 2, buf.Size())
}

func TestAtMostOneFlush(t *testing.T) {
	buf := newBuffer(t, 2)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	tr := &transport{fail: func(int, []event.Event) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}}
	p := newProcessor(t, buf, tr.send, batch.Config{})

	first := make(chan batch.Result, 1)
	go func() { first <- p.Flush(context.Background()) }()

	<-entered
	assert.True(t, p.IsActive())

	second := p.Flush(context.Background())
	assert.Equal(t, batch.Result{Success: true, Skipped: true}, second)

	close(release)
	res := <-first
	assert.Equal(t, batch.Result{Success: true, SentCount: 2}, res)
	assert.Equal(t, 1, tr.calls(), "only the first flush reaches the transport")
	assert.False(t, p.IsActive())
}

func TestShutdownDrains(t *testing.T) {
	buf := newBuffer(t, 2)
	tr := &transport{}
	p := newProcessor(t, buf, tr.send, batch.Config{})
	p.Start()
	require.True(t, p.IsRunning())

	res := p.Shutdown(context.Background())
	assert.Equal(t, batch.Result{Success: true, SentCount: 2}, res)
	assert.True(t, p.IsShutdown())
	assert.False(t, p.IsRunning())
	assert.True(t, buf.IsEmpty())

	require.NoError(t, buf.Enqueue(event.New("late", "test", nil)))
	for i := 0; i < 2; i++ {
		assert.Equal(t, batch.Result{}, p.Flush(context.Background()))
	}
	assert.Equal(t, batch.Result{}, p.Shutdown(context.Background()), "second shutdown")

	p.Start()
	assert.False(t, p.IsRunning(), "start after shutdown is a no-op")
	assert.Equal(t, 1, tr.calls())
}

func TestShutdownWaitsForInFlightFlush(t *testing.T) {
	buf := newBuffer(t, 1)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	tr := &transport{fail: func(int, []event.Event) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}}
	p := newProcessor(t, buf, tr.send, batch.Config{})

	flushDone := make(chan batch.Result, 1)
	go func() { flushDone <- p.Flush(context.Background()) }()
	<-entered

	shutdownDone := make(chan batch.Result, 1)
	go func() { shutdownDone <- p.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before the in-flight flush completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, batch.Result{Success: true, SentCount: 1}, <-flushDone)
	assert.Equal(t, batch.Result{Success: true}, <-shutdownDone, "nothing left for the final flush")
	assert.True(t, buf.IsEmpty())
	assert.True(t, p.IsShutdown())
	assert.Equal(t, 1, tr.calls())
}

func TestShutdownIgnoresStartDuringFinalFlush(t *testing.T) {
	buf := newBuffer(t, 1)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	tr := &transport{fail: func(int, []event.Event) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}}
	p := newProcessor(t, buf, tr.send, batch.Config{})

	shutdownDone := make(chan batch.Result, 1)
	go func() { shutdownDone <- p.Shutdown(context.Background()) }()
	<-entered

	p.Start()
	assert.False(t, p.IsRunning(), "start while shutting down is a no-op")

	close(release)
	assert.Equal(t, batch.Result{Success: true, SentCount: 1}, <-shutdownDone)
	assert.True(t, p.IsShutdown())
	assert.False(t, p.IsRunning())
}

func TestFlushDuplicateIDs(t *testing.T) {
	buf, err := buffer.New(buffer.Config{MaxSize: 10})
	require.NoError(t, err)
	require.NoError(t, buf.Enqueue(event.New("dup.first", "test", nil, event.WithID("evt_dup"))))
	require.NoError(t, buf.Enqueue(event.New("dup.second", "test", nil, event.WithID("evt_dup"))))

	tr := &transport{}
	p := newProcessor(t, buf, tr.send, batch.Config{MaxBatchSize: 1})

	res := p.Flush(context.Background())
	assert.Equal(t, batch.Result{Success: true, SentCount: 2}, res)
	assert.Equal(t, []int{1, 1}, tr.sizes(), "each buffered event is sent")
	assert.True(t, buf.IsEmpty())
}

func TestShutdownReportsFailure(t *testing.T) {
	buf := newBuffer(t, 2)
	tr := &transport{fail: func(int, []event.Event) error {
		return &retry.HTTPError{StatusCode: 401}
	}}
	p := newProcessor(t, buf, tr.send, batch.Config{})

	res := p.Shutdown(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.FailedCount)
	assert.True(t, p.IsShutdown())
	assert.Equal(t, 2, buf.Size(), "undelivered events are not discarded")
}

func TestTimerFlush(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().TickerFunc("batch", "ticker")
	defer trap.Close()

	buf := newBuffer(t, 0)
	fail := errors.New("collector unreachable")
	var failing bool
	var mu sync.Mutex
	tr := &transport{fail: func(int, []event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return fail
		}
		return nil
	}}

	var errs []error
	p, err := batch.New(buf, tr.send, batch.Config{FlushInterval: time.Second},
		batch.WithClock(mClock),
		batch.WithRetry(retry.NoRetry),
		batch.WithOnError(func(err error) { errs = append(errs, err) }),
	)
	require.NoError(t, err)

	go p.Start()
	call := trap.MustWait(ctx)
	assert.Equal(t, time.Second, call.Duration)
	call.MustRelease(ctx)
	require.Eventually(t, p.IsRunning, time.Second, time.Millisecond)

	p.Start() // idempotent: would block on the trap if it armed a second ticker

	require.NoError(t, buf.Enqueue(event.New("tick.1", "test", nil)))
	require.NoError(t, buf.Enqueue(event.New("tick.2", "test", nil)))
	mClock.Advance(time.Second).MustWait(ctx)

	assert.Equal(t, []int{2}, tr.sizes())
	assert.True(t, buf.IsEmpty())
	assert.Empty(t, errs)

	// An empty buffer does not reach the transport.
	mClock.Advance(time.Second).MustWait(ctx)
	assert.Equal(t, 1, tr.calls())

	// Failures of timer flushes go to the error callback.
	mu.Lock()
	failing = true
	mu.Unlock()
	require.NoError(t, buf.Enqueue(event.New("tick.3", "test", nil)))
	mClock.Advance(time.Second).MustWait(ctx)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], fail)
	assert.Equal(t, 1, buf.Size())

	p.Stop()
	p.Stop()
	assert.False(t, p.IsRunning())
	assert.Equal(t, 1, buf.Size(), "stop leaves buffered events alone")
}
