// Package checkpoint provides additive checkpoint storage for task resumption.
//
// Every Create appends a new record. Reads pick the latest record of a task:
// the newest creation time wins, ties go to the higher progress percent and
// then to the higher sequence. Duplicate dispatch of the same task therefore
// never corrupts what a resume will read.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Store persists checkpoints for task resumption.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create appends a checkpoint for a task.
	Create(ctx context.Context, taskID string, data Data) (Record, error)

	// Latest returns the most recent checkpoint of a task.
	// Returns ErrNotFound if the task has none.
	Latest(ctx context.Context, taskID string) (Record, error)

	// List returns all checkpoints of a task ordered by sequence.
	// Returns an empty slice (not error) if the task has none.
	List(ctx context.Context, taskID string) ([]Record, error)

	// DeleteTask removes all checkpoints of a task.
	// Returns nil if the task has none.
	DeleteTask(ctx context.Context, taskID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Record is a stored checkpoint with its metadata.
type Record struct {
	ID        string
	TaskID    string
	Sequence  int64
	CreatedAt time.Time
	Data      Data
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a task has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")
)

// Newer reports whether a should be read in preference to b.
func Newer(a, b Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.Data.ProgressPercent != b.Data.ProgressPercent {
		return a.Data.ProgressPercent > b.Data.ProgressPercent
	}
	return a.Sequence > b.Sequence
}

// SelectLatest returns the record that wins under Newer.
func SelectLatest(records []Record) (Record, bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	best := records[0]
	for _, r := range records[1:] {
		if Newer(r, best) {
			best = r
		}
	}
	return best, true
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

func defaultOptions() options {
	return options{now: time.Now}
}

// WithClock replaces the clock used for creation times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Clock returns the creation-time clock configured by opts. Store
// implementations outside this package use it to honour WithClock.
func Clock(opts ...Option) func() time.Time {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o.now
}
