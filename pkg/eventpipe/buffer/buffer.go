// Package buffer provides the bounded in-memory FIFO of events awaiting
// batched delivery.
//
// Insertion order is delivery order. The buffer never holds more than
// Config.MaxSize entries; what happens to an event that arrives while the
// buffer is full is decided by the overflow Policy.
//
// All methods are safe for concurrent use.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
)

// Policy selects the behavior of Enqueue on a full buffer.
type Policy string

const (
	// DropOldest evicts the head of the queue and appends the new event.
	DropOldest Policy = "drop-oldest"

	// DropNewest discards the incoming event; no error is reported.
	DropNewest Policy = "drop-newest"

	// Error rejects the incoming event with an *OverflowError.
	Error Policy = "error"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case DropOldest, DropNewest, Error:
		return true
	default:
		return false
	}
}

// ErrOverflow is matched by every *OverflowError.
var ErrOverflow = errors.New("buffer overflow")

// OverflowError is returned by Enqueue under the Error policy.
type OverflowError struct {
	MaxSize int
}

// Error implements the error interface.
func (e *OverflowError) Error() string {
	return fmt.Sprintf("buffer overflow: max size %d reached", e.MaxSize)
}

// Is makes errors.Is(err, ErrOverflow) true.
func (e *OverflowError) Is(target error) bool {
	return target == ErrOverflow
}

// Config configures a Buffer.
type Config struct {
	// MaxSize bounds the number of buffered events.
	// Default: 10000
	MaxSize int

	// OnOverflow is applied when Enqueue finds the buffer full.
	// Default: DropOldest
	OnOverflow Policy

	// OnDrop is called, with the buffer lock released, for each event
	// discarded by the DropOldest or DropNewest policies.
	OnDrop func(evt event.Event, policy Policy)
}

// DefaultConfig provides the documented defaults.
var DefaultConfig = Config{
	MaxSize:    10000,
	OnOverflow: DropOldest,
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	if c.MaxSize == 0 {
		c.MaxSize = DefaultConfig.MaxSize
	}
	if c.OnOverflow == "" {
		c.OnOverflow = DefaultConfig.OnOverflow
	}
	return c
}

// Validate reports configuration errors after defaults are applied.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("buffer: max size must be positive, got %d", c.MaxSize)
	}
	if !c.OnOverflow.Valid() {
		return fmt.Errorf("buffer: unknown overflow policy %q", c.OnOverflow)
	}
	return nil
}

// BufferedEvent is an event together with its queue bookkeeping.
type BufferedEvent struct {
	Event      event.Event
	EnqueuedAt time.Time

	// RetryCount is the number of failed delivery attempts of the batch
	// this event was part of. Only the delivery owner changes it.
	RetryCount int
}

// Buffer is a bounded FIFO queue of events.
type Buffer struct {
	cfg   Config
	clock quartz.Clock

	mu      sync.Mutex
	entries []BufferedEvent
	dropped uint64
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock sets the clock used for EnqueuedAt (default: real clock).
func WithClock(clock quartz.Clock) Option {
	return func(b *Buffer) {
		b.clock = clock
	}
}

// New creates a Buffer. Zero Config fields take their defaults.
func New(cfg Config, opts ...Option) (*Buffer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Buffer{
		cfg:   cfg,
		clock: quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the resolved configuration.
func (b *Buffer) Config() Config {
	return b.cfg
}

// Enqueue appends evt to the tail, applying the overflow policy when the
// buffer is full. Only the Error policy returns an error, and in that case
// the buffer is left untouched.
func (b *Buffer) Enqueue(evt event.Event) error {
	var (
		discarded event.Event
		didDrop   bool
	)

	b.mu.Lock()
	if len(b.entries) >= b.cfg.MaxSize {
		switch b.cfg.OnOverflow {
		case Error:
			b.mu.Unlock()
			return &OverflowError{MaxSize: b.cfg.MaxSize}
		case DropNewest:
			b.dropped++
			b.mu.Unlock()
			b.notifyDrop(evt)
			return nil
		default:
			discarded = b.entries[0].Event
			b.entries[0] = BufferedEvent{} // release for GC
			b.entries = b.entries[1:]
			b.dropped++
			didDrop = true
		}
	}

	b.entries = append(b.entries, BufferedEvent{
		Event:      evt,
		EnqueuedAt: b.clock.Now("buffer", "enqueue"),
	})
	b.mu.Unlock()

	if didDrop {
		b.notifyDrop(discarded)
	}
	return nil
}

func (b *Buffer) notifyDrop(evt event.Event) {
	if b.cfg.OnDrop != nil {
		b.cfg.OnDrop(evt, b.cfg.OnOverflow)
	}
}

// Peek returns copies of the first min(n, Size()) entries without removing
// them. n <= 0 returns nil.
func (b *Buffer) Peek(n int) []BufferedEvent {
	if n <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n = min(n, len(b.entries))
	if n == 0 {
		return nil
	}
	out := make([]BufferedEvent, n)
	copy(out, b.entries[:n])
	return out
}

// Remove deletes the first min(n, Size()) entries. It is called only after
// those exact entries were delivered. n <= 0 is a no-op.
func (b *Buffer) Remove(n int) {
	if n <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n = min(n, len(b.entries))
	clear(b.entries[:n])
	b.entries = b.entries[n:]
}

// RemoveDelivered removes the leading entries that match the delivered
// batch ids, in order, and returns how many were removed. It never removes
// more than len(ids) entries. A drop-oldest eviction during delivery may
// already have discarded the head of the batch; the remaining entries then
// match a suffix of ids.
func (b *Buffer) RemoveDelivered(ids []string) int {
	if len(ids) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for skip := range ids {
		n := matchPrefix(b.entries, ids[skip:])
		if n == 0 {
			continue
		}
		clear(b.entries[:n])
		b.entries = b.entries[n:]
		return n
	}
	return 0
}

// matchPrefix returns len(ids) when entries begin with ids, or the number of
// entries when entries is a shorter prefix of ids. Any mismatch returns 0.
func matchPrefix(entries []BufferedEvent, ids []string) int {
	n := min(len(entries), len(ids))
	for i := 0; i < n; i++ {
		if entries[i].Event.ID != ids[i] {
			return 0
		}
	}
	return n
}

// IncrementRetry bumps RetryCount on the first min(n, Size()) entries.
func (b *Buffer) IncrementRetry(n int) {
	if n <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n = min(n, len(b.entries))
	for i := 0; i < n; i++ {
		b.entries[i].RetryCount++
	}
}

// Size returns the number of buffered events.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// IsEmpty reports whether the buffer holds no events.
func (b *Buffer) IsEmpty() bool {
	return b.Size() == 0
}

// Clear removes every buffered event.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// All returns a snapshot copy of the buffer in delivery order.
func (b *Buffer) All() []BufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BufferedEvent, len(b.entries))
	copy(out, b.entries)
	return out
}

// Dropped returns how many events the overflow policy has discarded since
// creation. Rejections under the Error policy are not counted.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
