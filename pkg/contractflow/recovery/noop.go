package recovery

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
)

// NoopTracker runs step code without registry tracking, for manual runs and
// tests. Every operation only logs at debug level.
type NoopTracker struct {
	ID     string
	Logger *slog.Logger
}

func (n NoopTracker) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// TaskID returns the configured id.
func (n NoopTracker) TaskID() string { return n.ID }

// Start does nothing.
func (n NoopTracker) Start(context.Context) error {
	n.logger().Debug("untracked task started", "task_id", n.ID)
	return nil
}

// CreateCheckpoint returns an empty id.
func (n NoopTracker) CreateCheckpoint(_ context.Context, data checkpoint.Data) (string, error) {
	n.logger().Debug("untracked checkpoint",
		"task_id", n.ID,
		"checkpoint", data.CheckpointName,
		"percent", data.ProgressPercent,
	)
	return "", nil
}

// UpdateProgress does nothing.
func (n NoopTracker) UpdateProgress(_ context.Context, percent int, step, _ string) {
	n.logger().Debug("untracked progress", "task_id", n.ID, "step", step, "percent", percent)
}

// Finish reports the state a tracked task would have reached.
func (n NoopTracker) Finish(_ context.Context, err error) registry.TaskState {
	state := registry.StateCompleted
	if err != nil {
		state = registry.StateFailed
		if IsRecoverableError(err) {
			state = registry.StatePartial
		}
	}
	n.logger().Debug("untracked task finished", "task_id", n.ID, "state", string(state))
	return state
}
