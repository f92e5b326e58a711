package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/config"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
	"github.com/randalmurphal/contractflow/pkg/contractflow/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seed creates a SQLite database with one checkpointed task and points the
// CLI at it through the environment.
func seed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cf.db")
	t.Setenv("CONTRACTFLOW_CONFIG", "")
	t.Setenv(config.EnvStorageDriver, config.DriverSQLite)
	t.Setenv(config.EnvSQLitePath, path)

	p, err := sqlite.Open(path)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	reg := registry.New(p)
	_, err = reg.CreateEntry(ctx, registry.Entry{TaskID: "task-1", TaskName: "comprehensive_document_analysis", UserID: "user-1"})
	require.NoError(t, err)
	_, err = reg.CreateCheckpoint(ctx, "task-1",
		checkpoint.New("extract_terms", 40, "Extract key contract terms", map[string]any{"document_id": "doc-1"}))
	require.NoError(t, err)
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// TestTasksList tests listing registered tasks.
func TestTasksList(t *testing.T) {
	seed(t)
	out, err := run(t, "tasks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TASK ID")
	assert.Contains(t, out, "task-1")
	assert.Contains(t, out, "checkpoint")

	out, err = run(t, "tasks", "list", "--state", "completed")
	require.NoError(t, err)
	assert.NotContains(t, out, "task-1")

	_, err = run(t, "tasks", "list", "--state", "sleeping")
	assert.Error(t, err)
}

// TestTasksShowAndCheckpoint tests printing a task and its latest checkpoint.
func TestTasksShowAndCheckpoint(t *testing.T) {
	seed(t)

	out, err := run(t, "tasks", "show", "task-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"user_id": "user-1"`)

	out, err = run(t, "tasks", "checkpoint", "task-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"checkpoint_name": "extract_terms"`)
	assert.Contains(t, out, `"document_id": "doc-1"`)

	out, err = run(t, "tasks", "checkpoint", "task-2")
	require.NoError(t, err)
	assert.Contains(t, out, "no checkpoint")

	_, err = run(t, "tasks", "show", "task-2")
	assert.ErrorIs(t, err, registry.ErrTaskNotFound)
}

// TestTasksCancel tests cooperative cancellation through the registry.
func TestTasksCancel(t *testing.T) {
	path := seed(t)
	out, err := run(t, "tasks", "cancel", "task-1")
	require.NoError(t, err)
	assert.Contains(t, out, "marked cancelled")

	p, err := sqlite.Open(path)
	require.NoError(t, err)
	defer p.Close()
	got, err := p.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateCancelled, got.CurrentState)
}

// TestTasksOrphans tests orphan detection with a short staleness window.
func TestTasksOrphans(t *testing.T) {
	seed(t)
	time.Sleep(20 * time.Millisecond)

	out, err := run(t, "tasks", "orphans", "--stale-after", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "task-1")
	assert.Contains(t, out, string(registry.MethodResumeCheckpoint))

	out, err = run(t, "tasks", "orphans", "--stale-after", "10ms")
	require.NoError(t, err)
	assert.NotContains(t, out, "task-1", "orphaned tasks are terminal")
}

// TestMigrate_SQLite tests that SQLite reports no versioned migrations.
func TestMigrate_SQLite(t *testing.T) {
	seed(t)
	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "no versioned migrations")
}

// TestInvalidSettings tests that bad settings stop every command.
func TestInvalidSettings(t *testing.T) {
	t.Setenv("CONTRACTFLOW_CONFIG", "")
	t.Setenv(config.EnvStorageDriver, "mongo")
	_, err := run(t, "tasks", "list")
	assert.ErrorIs(t, err, config.ErrInvalidSettings)
}

// TestEnqueueAndResume tests enqueueing and relaunching against a live Redis.
func TestEnqueueAndResume(t *testing.T) {
	url := os.Getenv(config.EnvRedisURL)
	if url == "" {
		t.Skip(config.EnvRedisURL + " not set")
	}
	seed(t)
	queue := "cf-cli-" + uuid.NewString()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "cf.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("worker:\n  queue: "+queue+"\n"), 0o600))
	t.Setenv("CONTRACTFLOW_CONFIG", cfg)

	opt, err := asynq.ParseRedisURI(url)
	require.NoError(t, err)
	inspector := asynq.NewInspector(opt)
	t.Cleanup(func() {
		_ = inspector.DeleteQueue(queue, true)
		_ = inspector.Close()
	})

	id := uuid.NewString()
	out, err := run(t, "enqueue", "doc-9", "--task-id", id, "--user", "user-9", "--state", "NSW")
	require.NoError(t, err)
	assert.Contains(t, out, "task "+id+" enqueued")
	assert.Contains(t, out, queue)

	out, err = run(t, "tasks", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, `"current_state": "queued"`)

	out, err = run(t, "resume", id)
	require.NoError(t, err)
	assert.Contains(t, out, "resuming from latest checkpoint")
}
