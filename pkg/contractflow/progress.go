package contractflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow/observability"
)

// ProgressUpdate is one progress report.
type ProgressUpdate struct {
	SessionID   string    `json:"session_id"`
	TaskID      string    `json:"task_id"`
	Step        string    `json:"step"`
	Percent     int       `json:"percent"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// ProgressSink schedules a progress update with the owning service.
// Implementations must not block; delivery happens asynchronously.
type ProgressSink interface {
	ScheduleUpdate(sessionID, taskID, step string, percent int, description string) error
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(sessionID, taskID, step string, percent int, description string) error

// ScheduleUpdate calls f.
func (f ProgressSinkFunc) ScheduleUpdate(sessionID, taskID, step string, percent int, description string) error {
	return f(sessionID, taskID, step, percent, description)
}

// PersistFunc durably records a progress update.
type PersistFunc func(ctx context.Context, u ProgressUpdate) error

// Emitter reports step progress. The Sequencer treats every error as advisory.
type Emitter interface {
	Emit(ctx context.Context, step string, percent int, description string) error
}

// ProgressEmitter delivers progress to a sink and an optional persist callback.
// Both paths are best-effort: failures and panics are logged at warn and
// returned joined, never raised.
type ProgressEmitter struct {
	sessionID string
	taskID    string
	sink      ProgressSink
	persist   PersistFunc
	logger    *slog.Logger
	now       func() time.Time

	// mu serializes Emit so updates leave in call order.
	mu sync.Mutex
}

var _ Emitter = (*ProgressEmitter)(nil)

// EmitterOption configures a ProgressEmitter.
type EmitterOption func(*ProgressEmitter)

// WithSink sets the fire-and-forget delivery path.
func WithSink(sink ProgressSink) EmitterOption {
	return func(e *ProgressEmitter) {
		e.sink = sink
	}
}

// WithPersist sets the durable delivery path.
func WithPersist(fn PersistFunc) EmitterOption {
	return func(e *ProgressEmitter) {
		e.persist = fn
	}
}

// WithEmitterLogger sets the logger used for delivery failures.
func WithEmitterLogger(logger *slog.Logger) EmitterOption {
	return func(e *ProgressEmitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewProgressEmitter creates an emitter for one task.
func NewProgressEmitter(sessionID, taskID string, opts ...EmitterOption) *ProgressEmitter {
	e := &ProgressEmitter{
		sessionID: sessionID,
		taskID:    taskID,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit sends one update through both delivery paths.
func (e *ProgressEmitter) Emit(ctx context.Context, step string, percent int, description string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error

	if e.sink != nil {
		err := safeCall(func() error {
			return e.sink.ScheduleUpdate(e.sessionID, e.taskID, step, percent, description)
		})
		if err != nil {
			observability.LogProgressError(e.logger, step, "sink", err)
			errs = append(errs, fmt.Errorf("schedule update: %w", err))
		}
	}

	if e.persist != nil {
		u := ProgressUpdate{
			SessionID:   e.sessionID,
			TaskID:      e.taskID,
			Step:        step,
			Percent:     percent,
			Description: description,
			At:          e.now().UTC(),
		}
		err := safeCall(func() error { return e.persist(ctx, u) })
		if err != nil {
			observability.LogProgressError(e.logger, step, "persist", err)
			errs = append(errs, fmt.Errorf("persist progress: %w", err))
		}
	}

	return errors.Join(errs...)
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Step: "progress", Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}
