// Package deadletter keeps the events whose immediate delivery finally
// failed, so an operator can inspect, replay or purge them.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
)

// Store persists dead-lettered events.
// Implementations must be safe for concurrent use.
type Store interface {
	// Add stores a record, assigning ID and FailedAt when they are zero,
	// and returns the stored record.
	Add(ctx context.Context, rec Record) (Record, error)

	// Get retrieves a record.
	// Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (Record, error)

	// List returns up to limit records, oldest first. limit <= 0 means all.
	// Returns an empty slice (not error) if the store is empty.
	List(ctx context.Context, limit int) ([]Record, error)

	// Delete removes a record.
	// Returns nil if it doesn't exist.
	Delete(ctx context.Context, id string) error

	// Purge removes every record and returns how many were removed.
	Purge(ctx context.Context) (int, error)

	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Record is one dead-lettered event.
type Record struct {
	ID       string
	Event    event.Event
	Error    string
	Attempts int
	FailedAt time.Time
}

// NewRecord builds a record for evt from its final delivery error.
func NewRecord(evt event.Event, err error, attempts int) Record {
	rec := Record{Event: evt, Attempts: attempts}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// prepare fills the generated fields of rec.
func prepare(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now()
	}
	rec.FailedAt = rec.FailedAt.UTC()
	return rec
}

// Sentinel errors for dead-letter operations.
var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = errors.New("dead letter not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("dead letter store closed")
)
