// Package registrytest provides a conformance suite for registry.Persistence
// implementations.
package registrytest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates a fresh, empty persistence.
type Factory func(t *testing.T) registry.Persistence

// RunPersistenceContract runs the conformance suite through a Registry so
// every result shape the implementation returns is unwrapped the way
// production code unwraps it.
func RunPersistenceContract(t *testing.T, name string, factory Factory) {
	t.Helper()
	ctx := context.Background()

	newRegistry := func(t *testing.T, opts ...registry.Option) *registry.Registry {
		return registry.New(factory(t), opts...)
	}

	t.Run(name+"/CreateEntry is idempotent", func(t *testing.T) {
		reg := newRegistry(t)
		e := registry.Entry{
			TaskID:           "task-1",
			TaskName:         "contract:analyze",
			UserID:           "user-1",
			Args:             []any{"doc-1"},
			Kwargs:           map[string]any{"australian_state": "NSW"},
			RecoveryPriority: 3,
		}

		id1, err := reg.CreateEntry(ctx, e)
		require.NoError(t, err)
		require.NotEmpty(t, id1)

		e.RecoveryPriority = 5
		id2, err := reg.CreateEntry(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, id1, id2)
	})

	t.Run(name+"/UpdateState of unknown task", func(t *testing.T) {
		reg := newRegistry(t)
		assert.False(t, reg.UpdateState(ctx, "missing", registry.StateStarted))
	})

	t.Run(name+"/latest checkpoint empty", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.CreateEntry(ctx, registry.Entry{TaskID: "task-1"})
		require.NoError(t, err)

		data, err := reg.GetLatestCheckpoint(ctx, "task-1")
		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run(name+"/checkpoints are additive", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.CreateEntry(ctx, registry.Entry{TaskID: "task-1"})
		require.NoError(t, err)

		ids := map[string]bool{}
		for _, d := range []checkpoint.Data{
			checkpoint.New("validate_input", 5, "Validating input", nil),
			checkpoint.New("process_document", 20, "Processing document", map[string]any{"pages": 4.0}),
			checkpoint.New("extract_terms", 40, "Extracting terms", map[string]any{"terms": map[string]any{"price": "950000"}}),
		} {
			id, err := reg.CreateCheckpoint(ctx, "task-1", d)
			require.NoError(t, err)
			require.NotEmpty(t, id)
			ids[id] = true
		}
		assert.Len(t, ids, 3)

		data, err := reg.GetLatestCheckpoint(ctx, "task-1")
		require.NoError(t, err)
		require.NotNil(t, data)
		assert.Equal(t, "extract_terms", data.CheckpointName)
		assert.Equal(t, 40, data.ProgressPercent)
		assert.Equal(t, map[string]any{"price": "950000"}, data.RecoverableData["terms"])
		assert.Equal(t, map[string]any{}, data.DatabaseState)
	})

	t.Run(name+"/duplicate dispatch checkpoints", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.CreateEntry(ctx, registry.Entry{TaskID: "task-1"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := reg.CreateCheckpoint(ctx, "task-1", checkpoint.New("assess_risks", 68, "Assessing risks", nil))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		data, err := reg.GetLatestCheckpoint(ctx, "task-1")
		require.NoError(t, err)
		require.NotNil(t, data)
		assert.Equal(t, "assess_risks", data.CheckpointName)
	})

	t.Run(name+"/state updates", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		reg := newRegistry(t, registry.WithClock(func() time.Time { return now }))
		_, err := reg.CreateEntry(ctx, registry.Entry{TaskID: "task-1", UserID: "user-1"})
		require.NoError(t, err)

		require.True(t, reg.UpdateState(ctx, "task-1", registry.StateProcessing,
			registry.WithProgress(58),
			registry.WithCurrentStep("analyze_compliance"),
		))
		require.True(t, reg.UpdateState(ctx, "task-1", registry.StatePartial,
			registry.WithErrorDetails(map[string]any{"error_type": "*retry.TimeoutError", "recoverable": true}),
		))

		task, err := reg.Task(ctx, "task-1")
		if errors.Is(err, registry.ErrListingUnsupported) {
			t.Skip("persistence does not list tasks")
		}
		require.NoError(t, err)
		assert.Equal(t, registry.StatePartial, task.CurrentState)
		assert.Equal(t, 58, task.ProgressPercent, "unset fields are kept")
		assert.Equal(t, "analyze_compliance", task.CurrentStep)
		assert.Equal(t, registry.MethodResumeCheckpoint, task.RecoveryMethod)
		assert.Equal(t, true, task.ErrorDetails["recoverable"])
		assert.True(t, task.LastHeartbeat.Equal(now))
	})

	t.Run(name+"/list and orphan detection", func(t *testing.T) {
		p := factory(t)
		if _, ok := p.(registry.TaskLister); !ok {
			t.Skip("persistence does not list tasks")
		}
		setup := registry.New(p)
		for i, id := range []string{"low", "high", "done"} {
			_, err := setup.CreateEntry(ctx, registry.Entry{TaskID: id, UserID: "user-1", RecoveryPriority: i})
			require.NoError(t, err)
			require.True(t, setup.UpdateState(ctx, id, registry.StateProcessing))
		}
		require.True(t, setup.UpdateState(ctx, "done", registry.StateCompleted))
		_, err := setup.CreateCheckpoint(ctx, "high", checkpoint.New("extract_terms", 40, "Extracting terms", nil))
		require.NoError(t, err)

		live, err := setup.ListTasks(ctx, registry.TaskFilter{States: registry.NonTerminalStates, UserID: "user-1"})
		require.NoError(t, err)
		require.Len(t, live, 2)
		assert.Equal(t, "high", live[0].TaskID, "higher priority first")

		limited, err := setup.ListTasks(ctx, registry.TaskFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		later := time.Now().Add(time.Hour)
		reg := registry.New(p, registry.WithClock(func() time.Time { return later }))
		orphans, err := reg.FindOrphaned(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, orphans, 2)

		byID := map[string]registry.RecoverableTask{}
		for _, o := range orphans {
			byID[o.TaskID] = o
		}
		assert.Equal(t, registry.MethodResumeCheckpoint, byID["high"].RecoveryMethod)
		assert.Equal(t, registry.MethodRestartClean, byID["low"].RecoveryMethod)

		again, err := reg.FindOrphaned(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again, "orphaned is terminal")

		_, err = setup.CreateEntry(ctx, registry.Entry{TaskID: "waiting", UserID: "user-1"})
		require.NoError(t, err)
		waiting, err := reg.FindOrphaned(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, waiting, "queued tasks are not orphaned")

		_, err = reg.Task(ctx, "missing")
		assert.ErrorIs(t, err, registry.ErrTaskNotFound)
	})
}
