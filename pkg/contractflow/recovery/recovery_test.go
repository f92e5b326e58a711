package recovery_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/recovery"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
	"github.com/randalmurphal/contractflow/pkg/contractflow/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T) (*registry.Registry, *registry.MemoryPersistence) {
	t.Helper()
	p := registry.NewMemoryPersistence(nil)
	return registry.New(p, registry.WithLogger(quietLogger())), p
}

func task(t *testing.T, p *registry.MemoryPersistence, id string) registry.RecoverableTask {
	t.Helper()
	got, err := p.GetTask(context.Background(), id)
	require.NoError(t, err)
	return got
}

type fakeLease struct {
	mu    sync.Mutex
	keys  []string
	ok    bool
	err   error
	calls int
}

func (f *fakeLease) Refresh(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, key)
	return f.ok, f.err
}

// TestIsRecoverableError tests the boundary classification of task failures.
func TestIsRecoverableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection kind", &retry.ConnectionError{Target: "database"}, true},
		{"timeout kind", &retry.TimeoutError{Operation: "ocr", Duration: time.Second}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", fmt.Errorf("worker shutdown: %w", context.Canceled), true},
		{"timeout message", errors.New("upstream timeout"), true},
		{"service unavailable", errors.New("503 service unavailable"), true},
		{"deadlock", errors.New("deadlock detected"), true},
		{"validation kind", &retry.ValidationError{Message: "no pages"}, false},
		{"auth beats connection", errors.New("authentication failed on connection"), false},
		{"http 404", &retry.HTTPError{StatusCode: 404}, false},
		{"http 502", &retry.HTTPError{StatusCode: 502}, true},
		{"unknown", errors.New("contract is not a sale agreement"), false},
		{"panic", &contractflow.PanicError{Step: "task", Value: errors.New("connection reset")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recovery.IsRecoverableError(tt.err))
		})
	}
}

// TestErrorDetails tests the fields recorded with a failed task.
func TestErrorDetails(t *testing.T) {
	err := fmt.Errorf("extract terms: %w", &retry.TimeoutError{Operation: "llm", Duration: time.Minute})
	details := recovery.ErrorDetails(err)

	assert.Equal(t, "*retry.TimeoutError", details["error_type"])
	assert.Equal(t, err.Error(), details["error_message"])
	assert.Equal(t, true, details["recoverable"])
	assert.NotEmpty(t, details["traceback"])

	pe := &contractflow.PanicError{Step: "task", Value: "boom", Stack: "goroutine 1 [running]"}
	details = recovery.ErrorDetails(pe)
	assert.Equal(t, "*contractflow.PanicError", details["error_type"])
	assert.Equal(t, "goroutine 1 [running]", details["traceback"])
	assert.Equal(t, false, details["recoverable"])
}

// TestContext_StartIdempotent tests that Start registers and starts once.
func TestContext_StartIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, p := newRegistry(t)
	rc := recovery.New(reg, "task-1",
		recovery.WithLogger(quietLogger()),
		recovery.WithEntry(registry.Entry{TaskName: "contract:analyze", UserID: "u1"}),
	)

	require.NoError(t, rc.Start(ctx))
	require.NoError(t, rc.Start(ctx))

	got := task(t, p, "task-1")
	assert.Equal(t, registry.StateStarted, got.CurrentState)
	assert.Equal(t, "contract:analyze", got.TaskName)
	assert.Equal(t, "task-1", rc.TaskID())
	assert.Empty(t, rc.State())
}

// TestContext_StartFailsWithoutRegistryID tests that a failed registration is surfaced.
func TestContext_StartFailsWithoutRegistryID(t *testing.T) {
	reg := registry.New(noIDPersistence{}, registry.WithLogger(quietLogger()))
	rc := recovery.New(reg, "task-1", recovery.WithLogger(quietLogger()), recovery.WithEntry(registry.Entry{}))

	err := rc.Start(context.Background())
	assert.ErrorIs(t, err, registry.ErrNoRegistryID)

	called := false
	err = rc.Run(context.Background(), func(context.Context, recovery.Tracker) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, registry.ErrNoRegistryID)
	assert.False(t, called)
}

type noIDPersistence struct{}

func (noIDPersistence) UpsertTaskRegistry(context.Context, registry.Entry) (any, error) {
	return []map[string]any{}, nil
}

func (noIDPersistence) UpdateTaskRegistryState(context.Context, registry.StateUpdate) (any, error) {
	return true, nil
}

func (noIDPersistence) CreateTaskCheckpoint(context.Context, string, checkpoint.Data) (any, error) {
	return nil, nil
}

func (noIDPersistence) GetLatestCheckpoint(context.Context, string) (any, error) {
	return nil, nil
}

// TestContext_FinishOutcomes tests the mapping of task errors to terminal states.
func TestContext_FinishOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantState  registry.TaskState
		wantMethod registry.RecoveryMethod
	}{
		{"success", nil, registry.StateCompleted, ""},
		{"recoverable", &retry.ConnectionError{Target: "database"}, registry.StatePartial, registry.MethodResumeCheckpoint},
		{"fatal", &retry.ValidationError{Message: "not a contract"}, registry.StateFailed, registry.MethodManualIntervention},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			reg, p := newRegistry(t)
			rc := recovery.New(reg, "task-1", recovery.WithLogger(quietLogger()), recovery.WithEntry(registry.Entry{}))

			rc.SetResult(map[string]any{"report_id": "r-1"})
			state := rc.Finish(ctx, tt.err)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantState, rc.State())

			got := task(t, p, "task-1")
			assert.Equal(t, tt.wantState, got.CurrentState)
			assert.Equal(t, tt.wantMethod, got.RecoveryMethod)
			if tt.err == nil {
				assert.Equal(t, 100, got.ProgressPercent)
				assert.Equal(t, "r-1", got.ResultData["report_id"])
			} else {
				assert.Equal(t, tt.err.Error(), got.ErrorDetails["error_message"])
				assert.Equal(t, tt.wantState == registry.StatePartial, got.ErrorDetails["recoverable"])
			}
		})
	}
}

// TestContext_TerminalIsFinal tests that nothing moves a finished context.
func TestContext_TerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	reg, p := newRegistry(t)
	rc := recovery.New(reg, "task-1", recovery.WithLogger(quietLogger()), recovery.WithEntry(registry.Entry{}))

	assert.Equal(t, registry.StateFailed, rc.Finish(ctx, errors.New("permission denied")))
	assert.Equal(t, registry.StateFailed, rc.Finish(ctx, nil))

	rc.UpdateProgress(ctx, 50, "assess_risks", "Assessing")
	_, err := rc.CreateCheckpoint(ctx, checkpoint.New("assess_risks", 68, "Assessing", nil))
	assert.ErrorIs(t, err, recovery.ErrFinished)

	got := task(t, p, "task-1")
	assert.Equal(t, registry.StateFailed, got.CurrentState)
	assert.Equal(t, 0, got.ProgressPercent)
}

// TestContext_CheckpointAndProgress tests that both operations start the context.
func TestContext_CheckpointAndProgress(t *testing.T) {
	ctx := context.Background()
	reg, p := newRegistry(t)
	rc := recovery.New(reg, "task-1", recovery.WithLogger(quietLogger()), recovery.WithEntry(registry.Entry{}))

	id, err := rc.CreateCheckpoint(ctx, checkpoint.New("extract_terms", 40, "Extracting", map[string]any{"terms": 3.0}))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got := task(t, p, "task-1")
	assert.Equal(t, registry.StateCheckpoint, got.CurrentState)
	assert.Equal(t, 40, got.ProgressPercent)

	rc.UpdateProgress(ctx, 58, "analyze_compliance", "Analyzing compliance")
	got = task(t, p, "task-1")
	assert.Equal(t, registry.StateProcessing, got.CurrentState)
	assert.Equal(t, 58, got.ProgressPercent)
	assert.Equal(t, "analyze_compliance", got.CurrentStep)

	require.NoError(t, rc.PersistProgress(ctx, contractflow.ProgressUpdate{Step: "assess_risks", Percent: 68}))
	assert.Equal(t, 68, task(t, p, "task-1").ProgressPercent)

	latest, err := reg.GetLatestCheckpoint(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 3.0, latest.RecoverableData["terms"])
}

// TestContext_LeaseRefreshMilestones tests lease refresh on each 25% milestone.
func TestContext_LeaseRefreshMilestones(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	lease := &fakeLease{ok: true}
	rc := recovery.New(reg, "task-1",
		recovery.WithLogger(quietLogger()),
		recovery.WithEntry(registry.Entry{}),
		recovery.WithLeaseRefresher(lease, "ctx-key"),
	)

	for _, pct := range []int{5, 20, 28, 40, 48, 58, 68, 76, 85, 92, 98, 100} {
		rc.UpdateProgress(ctx, pct, "step", "")
	}

	assert.Equal(t, 4, lease.calls, "25, 50, 75 and 100")
	assert.Equal(t, []string{"ctx-key", "ctx-key", "ctx-key", "ctx-key"}, lease.keys)
}

// TestContext_LeaseRefreshFailureIgnored tests that refresh failures never fail the task.
func TestContext_LeaseRefreshFailureIgnored(t *testing.T) {
	ctx := context.Background()
	reg, p := newRegistry(t)
	lease := &fakeLease{err: errors.New("redis down")}
	rc := recovery.New(reg, "task-1",
		recovery.WithLogger(quietLogger()),
		recovery.WithEntry(registry.Entry{}),
		recovery.WithLeaseRefresher(lease, "ctx-key"),
	)

	_, err := rc.CreateCheckpoint(ctx, checkpoint.New("extract_terms", 40, "Extracting", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, lease.calls)
	assert.Equal(t, registry.StateCheckpoint, task(t, p, "task-1").CurrentState)
}

// TestContext_LeaseWithoutKey tests that an empty key disables refreshing.
func TestContext_LeaseWithoutKey(t *testing.T) {
	reg, _ := newRegistry(t)
	lease := &fakeLease{ok: true}
	rc := recovery.New(reg, "task-1",
		recovery.WithLogger(quietLogger()),
		recovery.WithEntry(registry.Entry{}),
		recovery.WithLeaseRefresher(lease, ""),
	)

	rc.UpdateProgress(context.Background(), 100, "compile_report", "")
	assert.Zero(t, lease.calls)
}

// TestContext_Run tests the scoped helper.
func TestContext_Run(t *testing.T) {
	t.Run("success completes", func(t *testing.T) {
		reg, p := newRegistry(t)
		err := recovery.Run(context.Background(), reg, "task-1", func(ctx context.Context, tr recovery.Tracker) error {
			tr.UpdateProgress(ctx, 50, "assess_risks", "")
			return nil
		}, recovery.WithLogger(quietLogger()), recovery.WithEntry(registry.Entry{}))

		require.NoError(t, err)
		assert.Equal(t, registry.StateCompleted, task(t, p, "task-1").CurrentState)
	})

	t.Run("error returned unchanged", func(t *testing.T) {
		reg, p := newRegistry(t)
		want := &retry.TimeoutError{Operation: "ocr", Duration: time.Second}
		rc := recovery.New(reg, "task-1", recovery.WithLogger(quietLogger()), recovery.WithEntry(registry.Entry{}))

		err := rc.Run(context.Background(), func(context.Context, recovery.Tracker) error {
			return want
		})

		assert.Same(t, want, err)
		assert.Equal(t, registry.StatePartial, rc.State())
		assert.Equal(t, registry.StatePartial, task(t, p, "task-1").CurrentState)
	})

	t.Run("panic becomes fatal", func(t *testing.T) {
		reg, p := newRegistry(t)
		rc := recovery.New(reg, "task-1", recovery.WithLogger(quietLogger()), recovery.WithEntry(registry.Entry{}))

		err := rc.Run(context.Background(), func(context.Context, recovery.Tracker) error {
			panic("nil map write")
		})

		var pe *contractflow.PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "nil map write", pe.Value)
		assert.Equal(t, registry.StateFailed, task(t, p, "task-1").CurrentState)
	})
}

// TestContext_RunHeartbeat tests that heartbeats are sent while the task runs.
func TestContext_RunHeartbeat(t *testing.T) {
	reg, p := newRegistry(t)
	rc := recovery.New(reg, "task-1",
		recovery.WithLogger(quietLogger()),
		recovery.WithEntry(registry.Entry{}),
		recovery.WithHeartbeat(5*time.Millisecond),
	)

	var before time.Time
	err := rc.Run(context.Background(), func(ctx context.Context, _ recovery.Tracker) error {
		before = task(t, p, "task-1").LastHeartbeat
		time.Sleep(40 * time.Millisecond)
		assert.True(t, task(t, p, "task-1").LastHeartbeat.After(before))
		return nil
	})
	require.NoError(t, err)
}

// TestContext_CancelledTaskKeepsState tests that progress, checkpoints and
// Finish leave a task cancelled in the registry alone.
func TestContext_CancelledTaskKeepsState(t *testing.T) {
	ctx := context.Background()
	reg, p := newRegistry(t)
	rc := recovery.New(reg, "task-1", recovery.WithLogger(quietLogger()), recovery.WithEntry(registry.Entry{}))

	require.NoError(t, rc.Start(ctx))
	rc.UpdateProgress(ctx, 25, "process_document", "")
	require.True(t, reg.Cancel(ctx, "task-1"))

	rc.UpdateProgress(ctx, 40, "extract_terms", "")
	got := task(t, p, "task-1")
	assert.Equal(t, registry.StateCancelled, got.CurrentState)
	assert.Equal(t, 25, got.ProgressPercent)
	assert.True(t, rc.Cancelled())

	_, err := rc.CreateCheckpoint(ctx, checkpoint.New("extract_terms", 40, "", nil))
	assert.ErrorIs(t, err, recovery.ErrCancelled)

	assert.Equal(t, registry.StateCancelled, rc.Finish(ctx, context.Canceled))
	assert.Equal(t, registry.StateCancelled, rc.State())
	assert.Equal(t, registry.StateCancelled, task(t, p, "task-1").CurrentState)
}

// TestContext_RunStopsOnCancel tests that the heartbeat notices a
// cancellation and cancels the running function's context.
func TestContext_RunStopsOnCancel(t *testing.T) {
	reg, p := newRegistry(t)
	rc := recovery.New(reg, "task-1",
		recovery.WithLogger(quietLogger()),
		recovery.WithEntry(registry.Entry{}),
		recovery.WithHeartbeat(5*time.Millisecond),
	)

	err := rc.Run(context.Background(), func(ctx context.Context, _ recovery.Tracker) error {
		require.True(t, reg.Cancel(ctx, "task-1"))
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("run context not cancelled")
		}
		assert.ErrorIs(t, context.Cause(ctx), recovery.ErrCancelled)
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, registry.StateCancelled, rc.State())
	assert.Equal(t, registry.StateCancelled, task(t, p, "task-1").CurrentState)
}

// TestContext_RunAlreadyCancelled tests that a task cancelled before Run
// is not executed.
func TestContext_RunAlreadyCancelled(t *testing.T) {
	ctx := context.Background()
	reg, p := newRegistry(t)
	_, err := reg.CreateEntry(ctx, registry.Entry{TaskID: "task-1"})
	require.NoError(t, err)
	require.True(t, reg.Cancel(ctx, "task-1"))

	called := false
	err = recovery.Run(ctx, reg, "task-1", func(context.Context, recovery.Tracker) error {
		called = true
		return nil
	}, recovery.WithLogger(quietLogger()), recovery.WithEntry(registry.Entry{}))

	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, registry.StateCancelled, task(t, p, "task-1").CurrentState)
}

// TestNoopTracker tests that the untracked variant mirrors outcomes without persistence.
func TestNoopTracker(t *testing.T) {
	ctx := context.Background()
	n := recovery.NoopTracker{ID: "manual", Logger: quietLogger()}

	require.NoError(t, n.Start(ctx))
	id, err := n.CreateCheckpoint(ctx, checkpoint.New("validate_input", 5, "", nil))
	require.NoError(t, err)
	assert.Empty(t, id)
	n.UpdateProgress(ctx, 5, "validate_input", "")

	assert.Equal(t, "manual", n.TaskID())
	assert.Equal(t, registry.StateCompleted, n.Finish(ctx, nil))
	assert.Equal(t, registry.StatePartial, n.Finish(ctx, context.DeadlineExceeded))
	assert.Equal(t, registry.StateFailed, n.Finish(ctx, errors.New("malformed pdf")))
}

// TestContext_AsSequencerCheckpointer tests the Context behind a Sequencer.
func TestContext_AsSequencerCheckpointer(t *testing.T) {
	reg, p := newRegistry(t)
	rc := recovery.New(reg, "task-1", recovery.WithLogger(quietLogger()), recovery.WithEntry(registry.Entry{}))

	order := contractflow.MustStepOrder(
		contractflow.Step{Name: "a", Percent: 30},
		contractflow.Step{Name: "b", Percent: 60},
	)
	seq := contractflow.NewSequencer[int](order,
		contractflow.WithCheckpointer(rc),
		contractflow.WithSequencerLogger(quietLogger()),
	)

	err := rc.Run(context.Background(), func(ctx context.Context, _ recovery.Tracker) error {
		cctx := contractflow.NewContext(ctx, contractflow.WithTaskID("task-1"), contractflow.WithLogger(quietLogger()))
		inc := func(_ contractflow.Context, n int) (int, error) { return n + 1, nil }
		_, err := seq.Run(cctx, 0, map[string]contractflow.StepFunc[int]{"a": inc, "b": inc})
		return err
	})
	require.NoError(t, err)

	latest, err := reg.GetLatestCheckpoint(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "b", latest.CheckpointName)
	assert.Equal(t, registry.StateCompleted, task(t, p, "task-1").CurrentState)
}
