// Package registry tracks the lifecycle of recoverable tasks and their
// checkpoints through a pluggable Persistence.
//
// State updates are advisory telemetry and never fail loudly. Registry entry
// and checkpoint creation are correctness-critical: both return an error when
// the persistence layer does not hand back an identifiable id.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
)

// TaskState is the lifecycle state of a task.
type TaskState string

// Non-terminal states.
const (
	StateQueued     TaskState = "queued"
	StateStarted    TaskState = "started"
	StateProcessing TaskState = "processing"
	StateCheckpoint TaskState = "checkpoint"
	StatePaused     TaskState = "paused"
	StateRecovering TaskState = "recovering"
)

// Terminal states.
const (
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateCancelled TaskState = "cancelled"
	StatePartial   TaskState = "partial"
	StateOrphaned  TaskState = "orphaned"
)

// NonTerminalStates lists every state a live task can be in.
var NonTerminalStates = []TaskState{
	StateQueued, StateStarted, StateProcessing, StateCheckpoint, StatePaused, StateRecovering,
}

// RunningStates lists the states of a task a worker has picked up. Only
// these can go stale: a queued task has no worker yet and a paused one sends
// no heartbeats.
var RunningStates = []TaskState{
	StateStarted, StateProcessing, StateCheckpoint, StateRecovering,
}

// Terminal reports whether no further transitions are expected.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StatePartial, StateOrphaned:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	if s.Terminal() {
		return true
	}
	for _, n := range NonTerminalStates {
		if s == n {
			return true
		}
	}
	return false
}

// RecoveryMethod is advisory guidance on how to relaunch a task.
type RecoveryMethod string

// Recovery methods.
const (
	MethodResumeCheckpoint   RecoveryMethod = "resume_checkpoint"
	MethodRestartClean       RecoveryMethod = "restart_clean"
	MethodValidateOnly       RecoveryMethod = "validate_only"
	MethodManualIntervention RecoveryMethod = "manual_intervention"
)

// DeriveRecoveryMethod returns the advisory method for a terminal state.
// It returns "" for states that need no recovery.
func DeriveRecoveryMethod(state TaskState, hasCheckpoint bool) RecoveryMethod {
	switch state {
	case StatePartial:
		return MethodResumeCheckpoint
	case StateFailed:
		return MethodManualIntervention
	case StateOrphaned:
		if hasCheckpoint {
			return MethodResumeCheckpoint
		}
		return MethodRestartClean
	}
	return ""
}

// RecoverableTask is the registry's record of one task.
type RecoverableTask struct {
	RegistryID          string         `json:"registry_id"`
	TaskID              string         `json:"task_id"`
	TaskName            string         `json:"task_name"`
	UserID              string         `json:"user_id"`
	CurrentState        TaskState      `json:"current_state"`
	LastHeartbeat       time.Time      `json:"last_heartbeat"`
	RecoveryPriority    int            `json:"recovery_priority"`
	ProgressPercent     int            `json:"progress_percent"`
	CurrentStep         string         `json:"current_step"`
	TaskArgs            []any          `json:"task_args"`
	TaskKwargs          map[string]any `json:"task_kwargs"`
	ContextKey          string         `json:"context_key,omitempty"`
	AutoRecoveryEnabled bool           `json:"auto_recovery_enabled"`
	RecoveryMethod      RecoveryMethod `json:"recovery_method,omitempty"`
	CheckpointData      map[string]any `json:"checkpoint_data,omitempty"`
	ErrorDetails        map[string]any `json:"error_details,omitempty"`
	ResultData          map[string]any `json:"result_data,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Entry registers a task.
type Entry struct {
	TaskID              string
	TaskName            string
	UserID              string
	Args                []any
	Kwargs              map[string]any
	RecoveryPriority    int
	AutoRecoveryEnabled bool
	ContextKey          string
}

// StateUpdate is one state change sent to persistence. Nil pointers and nil
// maps leave the stored value unchanged. An empty State records a heartbeat only.
type StateUpdate struct {
	TaskID          string
	State           TaskState
	ProgressPercent *int
	CurrentStep     *string
	CheckpointData  map[string]any
	ErrorDetails    map[string]any
	ResultData      map[string]any
	RecoveryMethod  RecoveryMethod
	Heartbeat       time.Time
}

// Persistence is the RPC contract the registry is built on.
//
// Results are loosely shaped: a scalar id, a single map, or a list of maps.
// The registry unwraps all three.
type Persistence interface {
	UpsertTaskRegistry(ctx context.Context, e Entry) (any, error)
	UpdateTaskRegistryState(ctx context.Context, u StateUpdate) (any, error)
	CreateTaskCheckpoint(ctx context.Context, taskID string, data checkpoint.Data) (any, error)
	GetLatestCheckpoint(ctx context.Context, taskID string) (any, error)
}

// TaskFilter selects tasks in ListTasks. Zero fields match everything.
type TaskFilter struct {
	States          []TaskState
	UserID          string
	HeartbeatBefore time.Time
	Limit           int
}

// TaskLister is an optional Persistence extension for recovery tooling.
type TaskLister interface {
	ListTasks(ctx context.Context, f TaskFilter) ([]RecoverableTask, error)
	GetTask(ctx context.Context, taskID string) (RecoverableTask, error)
}

// Sentinel errors for registry operations.
var (
	// ErrNoRegistryID indicates persistence returned no id for a registry entry.
	ErrNoRegistryID = errors.New("persistence returned no registry id")

	// ErrNoCheckpointID indicates persistence returned no id for a checkpoint.
	ErrNoCheckpointID = errors.New("persistence returned no checkpoint id")

	// ErrInvalidTaskID indicates an empty task id.
	ErrInvalidTaskID = errors.New("task id is required")

	// ErrTaskNotFound indicates the task is not registered.
	ErrTaskNotFound = errors.New("task not found")

	// ErrListingUnsupported indicates the persistence does not implement TaskLister.
	ErrListingUnsupported = errors.New("persistence does not support task listing")
)

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t RecoverableTask) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if t.CurrentState == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if !f.HeartbeatBefore.IsZero() && !t.LastHeartbeat.Before(f.HeartbeatBefore) {
		return false
	}
	return true
}
