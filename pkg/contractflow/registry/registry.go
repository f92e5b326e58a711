package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/observability"
)

// Registry records task lifecycle and checkpoints. It is safe for concurrent
// use when its Persistence is.
type Registry struct {
	p       Persistence
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder used for terminal outcomes.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock replaces the clock used for heartbeats.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a Registry over p.
func New(p Persistence, opts ...Option) *Registry {
	r := &Registry{
		p:       p,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Persistence returns the underlying persistence.
func (r *Registry) Persistence() Persistence {
	return r.p
}

// CreateEntry registers a task, or refreshes an existing registration with
// the same task id. It fails when persistence returns no identifiable id.
func (r *Registry) CreateEntry(ctx context.Context, e Entry) (string, error) {
	if e.TaskID == "" {
		return "", ErrInvalidTaskID
	}

	result, err := r.p.UpsertTaskRegistry(ctx, e)
	if err != nil {
		return "", fmt.Errorf("upsert task registry %s: %w", e.TaskID, err)
	}

	id, ok := ExtractID(result)
	if !ok {
		r.logger.Error("task registry upsert returned no id",
			"task_id", e.TaskID,
			"result_type", fmt.Sprintf("%T", result),
		)
		return "", fmt.Errorf("%w: task %s", ErrNoRegistryID, e.TaskID)
	}

	r.logger.Debug("task registered", "task_id", e.TaskID, "registry_id", id, "task_name", e.TaskName)
	return id, nil
}

// UpdateOption adds optional fields to a state update.
type UpdateOption func(*StateUpdate)

// WithProgress sets the progress percent.
func WithProgress(percent int) UpdateOption {
	return func(u *StateUpdate) {
		u.ProgressPercent = &percent
	}
}

// WithCurrentStep sets the current step.
func WithCurrentStep(step string) UpdateOption {
	return func(u *StateUpdate) {
		u.CurrentStep = &step
	}
}

// WithCheckpointData attaches checkpoint data to the update.
func WithCheckpointData(d checkpoint.Data) UpdateOption {
	return func(u *StateUpdate) {
		u.CheckpointData = d.ToMap()
	}
}

// WithErrorDetails attaches error details.
func WithErrorDetails(details map[string]any) UpdateOption {
	return func(u *StateUpdate) {
		u.ErrorDetails = details
	}
}

// WithResultData attaches the task result.
func WithResultData(result map[string]any) UpdateOption {
	return func(u *StateUpdate) {
		u.ResultData = result
	}
}

// WithRecoveryMethod overrides the derived recovery method.
func WithRecoveryMethod(m RecoveryMethod) UpdateOption {
	return func(u *StateUpdate) {
		u.RecoveryMethod = m
	}
}

// UpdateState records a state change. It is best effort: failures are
// logged and reported as false, never returned as errors.
func (r *Registry) UpdateState(ctx context.Context, taskID string, state TaskState, opts ...UpdateOption) bool {
	u := StateUpdate{
		TaskID:    taskID,
		State:     state,
		Heartbeat: r.now().UTC(),
	}
	for _, opt := range opts {
		opt(&u)
	}

	if u.RecoveryMethod == "" && state.Terminal() {
		hasCheckpoint := false
		if state == StateOrphaned {
			data, err := r.GetLatestCheckpoint(ctx, taskID)
			hasCheckpoint = err == nil && data != nil
		}
		u.RecoveryMethod = DeriveRecoveryMethod(state, hasCheckpoint)
	}

	ok, err := r.sendUpdate(ctx, u)
	if err != nil {
		r.logger.Warn("task state update failed",
			"task_id", taskID,
			"state", string(state),
			"error", err.Error(),
		)
		return false
	}
	if !ok {
		r.logger.Warn("task state update not applied", "task_id", taskID, "state", string(state))
		return false
	}

	if state.Terminal() {
		r.metrics.RecordTaskOutcome(ctx, string(state))
	}
	return true
}

func (r *Registry) sendUpdate(ctx context.Context, u StateUpdate) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("update task registry state panicked: %v", rec)
		}
	}()
	result, err := r.p.UpdateTaskRegistryState(ctx, u)
	if err != nil {
		return false, err
	}
	return ExtractBool(result), nil
}

// CreateCheckpoint persists a checkpoint and returns its id. It fails when
// persistence errors or returns no identifiable id. On success the task state
// moves to checkpoint on a best-effort basis.
func (r *Registry) CreateCheckpoint(ctx context.Context, taskID string, data checkpoint.Data) (string, error) {
	if taskID == "" {
		return "", ErrInvalidTaskID
	}
	if err := data.Validate(); err != nil {
		return "", err
	}

	result, err := r.p.CreateTaskCheckpoint(ctx, taskID, data.Normalize())
	if err != nil {
		return "", fmt.Errorf("create checkpoint %s for task %s: %w", data.CheckpointName, taskID, err)
	}

	id, ok := ExtractID(result)
	if !ok {
		r.logger.Error("checkpoint creation returned no id",
			"task_id", taskID,
			"checkpoint", data.CheckpointName,
			"result_type", fmt.Sprintf("%T", result),
		)
		return "", fmt.Errorf("%w: task %s checkpoint %s", ErrNoCheckpointID, taskID, data.CheckpointName)
	}

	r.UpdateState(ctx, taskID, StateCheckpoint,
		WithProgress(data.ProgressPercent),
		WithCurrentStep(data.CheckpointName),
		WithCheckpointData(data),
	)
	return id, nil
}

// GetLatestCheckpoint returns the checkpoint a resume should start from,
// or nil, nil when the task has none.
func (r *Registry) GetLatestCheckpoint(ctx context.Context, taskID string) (*checkpoint.Data, error) {
	result, err := r.p.GetLatestCheckpoint(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get latest checkpoint for task %s: %w", taskID, err)
	}
	return ExtractCheckpoint(result)
}

// Cancel requests cooperative cancellation. The running step is not
// interrupted; the task runner observes the state.
func (r *Registry) Cancel(ctx context.Context, taskID string) bool {
	return r.UpdateState(ctx, taskID, StateCancelled)
}

// Heartbeat refreshes the task's liveness without changing its state.
func (r *Registry) Heartbeat(ctx context.Context, taskID string) bool {
	ok, err := r.sendUpdate(ctx, StateUpdate{TaskID: taskID, Heartbeat: r.now().UTC()})
	if err != nil {
		r.logger.Debug("heartbeat failed", "task_id", taskID, "error", err.Error())
		return false
	}
	return ok
}

// Task returns one registered task. Requires a TaskLister persistence.
func (r *Registry) Task(ctx context.Context, taskID string) (RecoverableTask, error) {
	lister, ok := r.p.(TaskLister)
	if !ok {
		return RecoverableTask{}, ErrListingUnsupported
	}
	return lister.GetTask(ctx, taskID)
}

// ListTasks returns tasks matching f. Requires a TaskLister persistence.
func (r *Registry) ListTasks(ctx context.Context, f TaskFilter) ([]RecoverableTask, error) {
	lister, ok := r.p.(TaskLister)
	if !ok {
		return nil, ErrListingUnsupported
	}
	return lister.ListTasks(ctx, f)
}

// FindOrphaned marks running tasks whose heartbeat is older than staleAfter
// as orphaned and returns them with their recovery method set. Queued and
// paused tasks are never orphaned.
func (r *Registry) FindOrphaned(ctx context.Context, staleAfter time.Duration) ([]RecoverableTask, error) {
	tasks, err := r.ListTasks(ctx, TaskFilter{
		States:          RunningStates,
		HeartbeatBefore: r.now().UTC().Add(-staleAfter),
	})
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}

	orphaned := make([]RecoverableTask, 0, len(tasks))
	for _, t := range tasks {
		data, err := r.GetLatestCheckpoint(ctx, t.TaskID)
		if err != nil {
			r.logger.Warn("checkpoint lookup failed for stale task", "task_id", t.TaskID, "error", err.Error())
		}
		method := DeriveRecoveryMethod(StateOrphaned, data != nil)

		if !r.UpdateState(ctx, t.TaskID, StateOrphaned, WithRecoveryMethod(method)) {
			continue
		}
		t.CurrentState = StateOrphaned
		t.RecoveryMethod = method
		orphaned = append(orphaned, t)
	}

	if len(orphaned) > 0 {
		r.logger.Info("orphaned tasks detected", "count", len(orphaned), "stale_after", staleAfter)
	}
	return orphaned, nil
}
