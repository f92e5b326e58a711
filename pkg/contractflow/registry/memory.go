package registry

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
)

// MemoryPersistence keeps the registry in memory and checkpoints in a
// checkpoint.Store. It returns scalar results. Useful for tests and
// single-process tooling.
type MemoryPersistence struct {
	mu          sync.RWMutex
	tasks       map[string]*RecoverableTask
	checkpoints checkpoint.Store
	now         func() time.Time
}

var (
	_ Persistence = (*MemoryPersistence)(nil)
	_ TaskLister  = (*MemoryPersistence)(nil)
)

// NewMemoryPersistence creates an in-memory persistence. A nil store gets a
// checkpoint.MemoryStore.
func NewMemoryPersistence(store checkpoint.Store) *MemoryPersistence {
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	return &MemoryPersistence{
		tasks:       make(map[string]*RecoverableTask),
		checkpoints: store,
		now:         time.Now,
	}
}

// UpsertTaskRegistry implements Persistence. It returns the registry id.
func (m *MemoryPersistence) UpsertTaskRegistry(_ context.Context, e Entry) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	t, ok := m.tasks[e.TaskID]
	if !ok {
		t = &RecoverableTask{
			RegistryID:   uuid.NewString(),
			TaskID:       e.TaskID,
			CurrentState: StateQueued,
			CreatedAt:    now,
		}
		m.tasks[e.TaskID] = t
	}

	t.TaskName = e.TaskName
	t.UserID = e.UserID
	t.TaskArgs = append([]any(nil), e.Args...)
	t.TaskKwargs = maps.Clone(e.Kwargs)
	t.RecoveryPriority = e.RecoveryPriority
	t.AutoRecoveryEnabled = e.AutoRecoveryEnabled
	t.ContextKey = e.ContextKey
	t.LastHeartbeat = now
	t.UpdatedAt = now

	return t.RegistryID, nil
}

// UpdateTaskRegistryState implements Persistence. It returns whether a task was updated.
func (m *MemoryPersistence) UpdateTaskRegistryState(_ context.Context, u StateUpdate) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[u.TaskID]
	if !ok {
		return false, nil
	}
	applyUpdate(t, u, m.now().UTC())
	return true, nil
}

// applyUpdate merges u into t.
func applyUpdate(t *RecoverableTask, u StateUpdate, now time.Time) {
	if u.State != "" {
		t.CurrentState = u.State
	}
	if u.ProgressPercent != nil {
		t.ProgressPercent = *u.ProgressPercent
	}
	if u.CurrentStep != nil {
		t.CurrentStep = *u.CurrentStep
	}
	if u.CheckpointData != nil {
		t.CheckpointData = maps.Clone(u.CheckpointData)
	}
	if u.ErrorDetails != nil {
		t.ErrorDetails = maps.Clone(u.ErrorDetails)
	}
	if u.ResultData != nil {
		t.ResultData = maps.Clone(u.ResultData)
	}
	if u.RecoveryMethod != "" {
		t.RecoveryMethod = u.RecoveryMethod
	}
	if u.Heartbeat.IsZero() {
		t.LastHeartbeat = now
	} else {
		t.LastHeartbeat = u.Heartbeat
	}
	t.UpdatedAt = now
}

// CreateTaskCheckpoint implements Persistence. It returns the checkpoint id.
func (m *MemoryPersistence) CreateTaskCheckpoint(ctx context.Context, taskID string, data checkpoint.Data) (any, error) {
	rec, err := m.checkpoints.Create(ctx, taskID, data)
	if err != nil {
		return nil, err
	}
	return rec.ID, nil
}

// GetLatestCheckpoint implements Persistence. It returns the record, or nil.
func (m *MemoryPersistence) GetLatestCheckpoint(ctx context.Context, taskID string) (any, error) {
	rec, err := m.checkpoints.Latest(ctx, taskID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListTasks implements TaskLister. Results are ordered by recovery priority
// (highest first), then by heartbeat (oldest first).
func (m *MemoryPersistence) ListTasks(_ context.Context, f TaskFilter) ([]RecoverableTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []RecoverableTask{}
	for _, t := range m.tasks {
		if f.Matches(*t) {
			out = append(out, cloneTask(t))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RecoveryPriority != out[j].RecoveryPriority {
			return out[i].RecoveryPriority > out[j].RecoveryPriority
		}
		return out[i].LastHeartbeat.Before(out[j].LastHeartbeat)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetTask implements TaskLister.
func (m *MemoryPersistence) GetTask(_ context.Context, taskID string) (RecoverableTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return RecoverableTask{}, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func cloneTask(t *RecoverableTask) RecoverableTask {
	c := *t
	c.TaskArgs = append([]any(nil), t.TaskArgs...)
	c.TaskKwargs = maps.Clone(t.TaskKwargs)
	c.CheckpointData = maps.Clone(t.CheckpointData)
	c.ErrorDetails = maps.Clone(t.ErrorDetails)
	c.ResultData = maps.Clone(t.ResultData)
	return c
}
