// Package recovery scopes one task execution against the task registry.
//
// A Context moves its task through not-started, started and one terminal
// state. Finish maps the task's error to PARTIAL when the failure is
// recoverable and FAILED otherwise; a nil error completes the task.
//
// A task cancelled in the registry while it runs stays CANCELLED: the
// context stops writing progress and checkpoints, cancels the run's
// context with ErrCancelled as the cause, and Finish records nothing.
//
// Basic usage:
//
//	rc := recovery.New(reg, taskID, recovery.WithEntry(entry))
//	err := rc.Run(ctx, func(ctx context.Context, t recovery.Tracker) error {
//	    _, err := wf.Run(ctx, t, contract.Request{State: state})
//	    return err
//	})
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
)

// leaseMilestone is the progress interval, in percent, between lease refreshes.
const leaseMilestone = 25

var (
	// ErrFinished is returned when a checkpoint is requested after Finish.
	ErrFinished = errors.New("recovery context already finished")

	// ErrCancelled is returned for checkpoints of a cancelled task and is the
	// cancellation cause of Run's context.
	ErrCancelled = errors.New("task cancelled")
)

// Tracker is the surface step code uses to report progress and checkpoints.
// Context and NoopTracker implement it.
type Tracker interface {
	contractflow.Checkpointer

	TaskID() string
	Start(ctx context.Context) error
	UpdateProgress(ctx context.Context, percent int, step, description string)
	Finish(ctx context.Context, err error) registry.TaskState
}

// LeaseRefresher extends an external authorization-context lease.
type LeaseRefresher interface {
	Refresh(ctx context.Context, key string) (bool, error)
}

type phase int

const (
	phaseNew phase = iota
	phaseStarted
	phaseFinished
)

// Context tracks one task execution. It is safe for concurrent use.
type Context struct {
	reg    *registry.Registry
	taskID string
	entry  *registry.Entry
	logger *slog.Logger

	lease    LeaseRefresher
	leaseKey string

	heartbeat time.Duration

	mu            sync.Mutex
	phase         phase
	final         registry.TaskState
	lastMilestone int
	result        map[string]any
	cancelled     bool
	stopRun       context.CancelCauseFunc
}

var (
	_ Tracker = (*Context)(nil)
	_ Tracker = NoopTracker{}
)

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEntry makes Start register the task before moving it to started.
func WithEntry(e registry.Entry) Option {
	return func(c *Context) {
		e.TaskID = c.taskID
		c.entry = &e
	}
}

// WithLeaseRefresher refreshes the lease under key each time progress
// crosses a 25% milestone. An empty key disables refreshing.
func WithLeaseRefresher(r LeaseRefresher, key string) Option {
	return func(c *Context) {
		c.lease = r
		c.leaseKey = key
	}
}

// WithHeartbeat sends registry heartbeats at interval while Run executes.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Context) {
		c.heartbeat = interval
	}
}

// New creates a Context for taskID.
func New(reg *registry.Registry, taskID string, opts ...Option) *Context {
	c := &Context{
		reg:    reg,
		taskID: taskID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("task_id", taskID)
	return c
}

// TaskID returns the tracked task id.
func (c *Context) TaskID() string {
	return c.taskID
}

// State returns the terminal state, or "" while the task is live.
func (c *Context) State() registry.TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final
}

// SetResult attaches result data recorded when the task completes.
func (c *Context) SetResult(result map[string]any) {
	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
}

// Start moves the task to started. Calling it again is a no-op. It fails only
// when registering the task entry fails.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx)
}

func (c *Context) startLocked(ctx context.Context) error {
	if c.phase != phaseNew {
		return nil
	}
	if c.entry != nil {
		if _, err := c.reg.CreateEntry(ctx, *c.entry); err != nil {
			return fmt.Errorf("register task: %w", err)
		}
	}
	c.phase = phaseStarted
	if c.cancelledLocked(ctx) {
		return nil
	}
	c.reg.UpdateState(ctx, c.taskID, registry.StateStarted)
	c.logger.Debug("recovery context started")
	return nil
}

// cancelledLocked reports whether the task was cancelled in the registry.
// The first time it sees the cancellation it stops the running function.
// Registries that cannot read tasks back never report a cancellation.
func (c *Context) cancelledLocked(ctx context.Context) bool {
	if c.cancelled {
		return true
	}
	t, err := c.reg.Task(context.WithoutCancel(ctx), c.taskID)
	if err != nil || t.CurrentState != registry.StateCancelled {
		return false
	}
	c.cancelled = true
	c.logger.Info("task cancelled, stopping")
	if c.stopRun != nil {
		c.stopRun(ErrCancelled)
	}
	return true
}

// Cancelled reports whether the task was found cancelled while it ran.
func (c *Context) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// CreateCheckpoint starts the context if needed and persists data. Errors
// are returned: a lost checkpoint breaks resumption.
func (c *Context) CreateCheckpoint(ctx context.Context, data checkpoint.Data) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == phaseFinished {
		return "", ErrFinished
	}
	if err := c.startLocked(ctx); err != nil {
		return "", err
	}
	if c.cancelledLocked(ctx) {
		return "", ErrCancelled
	}

	id, err := c.reg.CreateCheckpoint(ctx, c.taskID, data)
	if err != nil {
		return "", err
	}
	c.refreshLeaseLocked(ctx, data.ProgressPercent)
	return id, nil
}

// UpdateProgress starts the context if needed and records progress. It is
// best effort and ignored once the context has finished.
func (c *Context) UpdateProgress(ctx context.Context, percent int, step, description string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == phaseFinished {
		c.logger.Debug("progress after finish ignored", "step", step, "percent", percent)
		return
	}
	if err := c.startLocked(ctx); err != nil {
		c.logger.Warn("recovery context start failed", "error", err.Error())
		return
	}
	if c.cancelledLocked(ctx) {
		c.logger.Debug("progress of cancelled task ignored", "step", step, "percent", percent)
		return
	}

	c.reg.UpdateState(ctx, c.taskID, registry.StateProcessing,
		registry.WithProgress(percent),
		registry.WithCurrentStep(step),
	)
	c.logger.Debug("task progress", "step", step, "percent", percent, "description", description)
	c.refreshLeaseLocked(ctx, percent)
}

// PersistProgress adapts UpdateProgress to contractflow.PersistFunc.
func (c *Context) PersistProgress(ctx context.Context, u contractflow.ProgressUpdate) error {
	c.UpdateProgress(ctx, u.Percent, u.Step, u.Description)
	return nil
}

// refreshLeaseLocked refreshes the lease when percent enters a new milestone.
func (c *Context) refreshLeaseLocked(ctx context.Context, percent int) {
	if c.lease == nil || c.leaseKey == "" {
		return
	}
	milestone := percent / leaseMilestone
	if milestone <= c.lastMilestone {
		return
	}
	c.lastMilestone = milestone

	ok, err := c.lease.Refresh(ctx, c.leaseKey)
	switch {
	case err != nil:
		c.logger.Warn("lease refresh failed", "context_key", c.leaseKey, "percent", percent, "error", err.Error())
	case !ok:
		c.logger.Warn("lease not refreshed", "context_key", c.leaseKey, "percent", percent)
	default:
		c.logger.Debug("lease refreshed", "context_key", c.leaseKey, "percent", percent)
	}
}

// Finish records the task outcome and returns the terminal state. Only the
// first call has an effect; later calls return the recorded state. A
// cancelled task is left as it is and Finish returns StateCancelled.
func (c *Context) Finish(ctx context.Context, err error) registry.TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == phaseFinished {
		return c.final
	}
	ctx = context.WithoutCancel(ctx)
	if startErr := c.startLocked(ctx); startErr != nil {
		c.logger.Warn("recovery context start failed", "error", startErr.Error())
	}
	if c.cancelledLocked(ctx) {
		c.final = registry.StateCancelled
		c.phase = phaseFinished
		if err != nil {
			c.logger.Info("cancelled task stopped", "error", err.Error())
		}
		return c.final
	}

	if err == nil {
		c.final = registry.StateCompleted
		opts := []registry.UpdateOption{registry.WithProgress(100)}
		if c.result != nil {
			opts = append(opts, registry.WithResultData(c.result))
		}
		c.reg.UpdateState(ctx, c.taskID, c.final, opts...)
		c.phase = phaseFinished
		c.logger.Info("task completed")
		return c.final
	}

	details := ErrorDetails(err)
	c.final = registry.StateFailed
	if details["recoverable"] == true {
		c.final = registry.StatePartial
	}
	c.reg.UpdateState(ctx, c.taskID, c.final, registry.WithErrorDetails(details))
	c.phase = phaseFinished
	c.logger.Warn("task finished with error",
		"state", string(c.final),
		"error_type", details["error_type"],
		"error", err.Error(),
	)
	return c.final
}

// Run starts the context, runs fn, and finishes with fn's outcome. A panic in
// fn is recovered and recorded as a fatal failure. Run returns fn's error
// unchanged. fn's context is cancelled with cause ErrCancelled once the task
// is seen cancelled in the registry.
func (c *Context) Run(ctx context.Context, fn func(ctx context.Context, t Tracker) error) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	c.stopRun = cancel
	err := c.startLocked(ctx)
	cancelled := err == nil && c.cancelledLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if cancelled {
		c.Finish(ctx, nil)
		return nil
	}

	stop := c.startHeartbeat(runCtx)
	err = runProtected(runCtx, c, fn)
	stop()

	c.Finish(ctx, err)
	return err
}

func (c *Context) startHeartbeat(ctx context.Context) func() {
	if c.heartbeat <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				cancelled := c.cancelledLocked(ctx)
				c.mu.Unlock()
				if cancelled {
					return
				}
				c.reg.Heartbeat(ctx, c.taskID)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func runProtected(ctx context.Context, t Tracker, fn func(context.Context, Tracker) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &contractflow.PanicError{
				Step:  "task",
				Value: r,
				Stack: string(debug.Stack()),
			}
		}
	}()
	return fn(ctx, t)
}

// Run executes fn inside a new Context for taskID. It is the scoped form of
// New followed by Context.Run.
func Run(ctx context.Context, reg *registry.Registry, taskID string, fn func(ctx context.Context, t Tracker) error, opts ...Option) error {
	return New(reg, taskID, opts...).Run(ctx, fn)
}
