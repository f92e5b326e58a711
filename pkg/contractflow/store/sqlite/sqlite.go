// Package sqlite implements registry.Persistence on SQLite.
//
// The task registry and the checkpoints share one database file. Results are
// returned as maps and lists of maps, the shapes an RPC layer hands back.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_registry (
	registry_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	task_name TEXT NOT NULL,
	user_id TEXT NOT NULL,
	current_state TEXT NOT NULL,
	last_heartbeat INTEGER NOT NULL,
	recovery_priority INTEGER NOT NULL DEFAULT 0,
	progress_percent INTEGER NOT NULL DEFAULT 0,
	current_step TEXT NOT NULL DEFAULT '',
	task_args TEXT NOT NULL,
	task_kwargs TEXT NOT NULL,
	context_key TEXT NOT NULL DEFAULT '',
	auto_recovery_enabled INTEGER NOT NULL DEFAULT 0,
	recovery_method TEXT NOT NULL DEFAULT '',
	checkpoint_data TEXT,
	error_details TEXT,
	result_data TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_registry_state
	ON task_registry(current_state, last_heartbeat);
`

// Persistence stores the task registry and checkpoints in SQLite.
type Persistence struct {
	db          *sql.DB
	checkpoints *checkpoint.SQLiteStore
	now         func() time.Time
}

var (
	_ registry.Persistence = (*Persistence)(nil)
	_ registry.TaskLister  = (*Persistence)(nil)
)

// Open opens (or creates) the database at path. Use ":memory:" for tests.
func Open(path string, opts ...checkpoint.Option) (*Persistence, error) {
	db, err := checkpoint.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	p, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// New creates the tables in db. Close closes db.
func New(db *sql.DB, opts ...checkpoint.Option) (*Persistence, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create task registry table: %w", err)
	}
	cps, err := checkpoint.NewSQLiteStoreFromDB(db, opts...)
	if err != nil {
		return nil, err
	}
	return &Persistence{db: db, checkpoints: cps, now: time.Now}, nil
}

// Checkpoints returns the checkpoint store sharing this database.
func (p *Persistence) Checkpoints() checkpoint.Store {
	return p.checkpoints
}

// Close closes the database.
func (p *Persistence) Close() error {
	if err := p.checkpoints.Close(); err != nil {
		return err
	}
	return p.db.Close()
}

// UpsertTaskRegistry implements registry.Persistence. It returns
// {"id": registry_id}.
func (p *Persistence) UpsertTaskRegistry(ctx context.Context, e registry.Entry) (any, error) {
	args, err := json.Marshal(orEmptyList(e.Args))
	if err != nil {
		return nil, fmt.Errorf("encode task args: %w", err)
	}
	kwargs, err := json.Marshal(orEmptyMap(e.Kwargs))
	if err != nil {
		return nil, fmt.Errorf("encode task kwargs: %w", err)
	}
	now := p.now().UTC().UnixNano()

	var id string
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO task_registry (
			registry_id, task_id, task_name, user_id, current_state, last_heartbeat,
			recovery_priority, task_args, task_kwargs, context_key, auto_recovery_enabled,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			task_name = excluded.task_name,
			user_id = excluded.user_id,
			last_heartbeat = excluded.last_heartbeat,
			recovery_priority = excluded.recovery_priority,
			task_args = excluded.task_args,
			task_kwargs = excluded.task_kwargs,
			context_key = excluded.context_key,
			auto_recovery_enabled = excluded.auto_recovery_enabled,
			updated_at = excluded.updated_at
		RETURNING registry_id
	`, uuid.NewString(), e.TaskID, e.TaskName, e.UserID, string(registry.StateQueued), now,
		e.RecoveryPriority, string(args), string(kwargs), e.ContextKey, e.AutoRecoveryEnabled,
		now, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upsert task registry: %w", err)
	}
	return map[string]any{"id": id}, nil
}

// UpdateTaskRegistryState implements registry.Persistence. It returns
// {"updated": bool}.
func (p *Persistence) UpdateTaskRegistryState(ctx context.Context, u registry.StateUpdate) (any, error) {
	checkpointData, err := nullJSON(u.CheckpointData)
	if err != nil {
		return nil, err
	}
	errorDetails, err := nullJSON(u.ErrorDetails)
	if err != nil {
		return nil, err
	}
	resultData, err := nullJSON(u.ResultData)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	heartbeat := u.Heartbeat
	if heartbeat.IsZero() {
		heartbeat = now
	}

	var percent, step any
	if u.ProgressPercent != nil {
		percent = *u.ProgressPercent
	}
	if u.CurrentStep != nil {
		step = *u.CurrentStep
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE task_registry SET
			current_state = COALESCE(NULLIF(?, ''), current_state),
			progress_percent = COALESCE(?, progress_percent),
			current_step = COALESCE(?, current_step),
			checkpoint_data = COALESCE(?, checkpoint_data),
			error_details = COALESCE(?, error_details),
			result_data = COALESCE(?, result_data),
			recovery_method = COALESCE(NULLIF(?, ''), recovery_method),
			last_heartbeat = ?,
			updated_at = ?
		WHERE task_id = ?
	`, string(u.State), percent, step, checkpointData, errorDetails, resultData,
		string(u.RecoveryMethod), heartbeat.UTC().UnixNano(), now.UnixNano(), u.TaskID)
	if err != nil {
		return nil, fmt.Errorf("update task registry state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("read affected rows: %w", err)
	}
	return map[string]any{"updated": n > 0}, nil
}

// CreateTaskCheckpoint implements registry.Persistence. It returns
// {"checkpoint_id": id}.
func (p *Persistence) CreateTaskCheckpoint(ctx context.Context, taskID string, data checkpoint.Data) (any, error) {
	rec, err := p.checkpoints.Create(ctx, taskID, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"checkpoint_id": rec.ID}, nil
}

// GetLatestCheckpoint implements registry.Persistence. It returns a list
// holding zero or one row.
func (p *Persistence) GetLatestCheckpoint(ctx context.Context, taskID string) (any, error) {
	rec, err := p.checkpoints.Latest(ctx, taskID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	return []map[string]any{{
		"id":              rec.ID,
		"task_id":         rec.TaskID,
		"sequence":        rec.Sequence,
		"created_at":      rec.CreatedAt,
		"checkpoint_data": rec.Data.ToMap(),
	}}, nil
}

const taskColumns = `
	registry_id, task_id, task_name, user_id, current_state, last_heartbeat,
	recovery_priority, progress_percent, current_step, task_args, task_kwargs,
	context_key, auto_recovery_enabled, recovery_method, checkpoint_data,
	error_details, result_data, created_at, updated_at
`

// ListTasks implements registry.TaskLister.
func (p *Persistence) ListTasks(ctx context.Context, f registry.TaskFilter) ([]registry.RecoverableTask, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "current_state IN ("+strings.Join(marks, ", ")+")")
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.HeartbeatBefore.IsZero() {
		where = append(where, "last_heartbeat < ?")
		args = append(args, f.HeartbeatBefore.UTC().UnixNano())
	}

	query := "SELECT " + taskColumns + " FROM task_registry"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recovery_priority DESC, last_heartbeat ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []registry.RecoverableTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// GetTask implements registry.TaskLister.
func (p *Persistence) GetTask(ctx context.Context, taskID string) (registry.RecoverableTask, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM task_registry WHERE task_id = ?", taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.RecoverableTask{}, registry.ErrTaskNotFound
	}
	if err != nil {
		return registry.RecoverableTask{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (registry.RecoverableTask, error) {
	var (
		t                                  registry.RecoverableTask
		state, method                      string
		heartbeat, createdAt, updatedAt    int64
		args, kwargs                       string
		checkpointData, errDetails, result sql.NullString
	)
	if err := row.Scan(&t.RegistryID, &t.TaskID, &t.TaskName, &t.UserID, &state, &heartbeat,
		&t.RecoveryPriority, &t.ProgressPercent, &t.CurrentStep, &args, &kwargs,
		&t.ContextKey, &t.AutoRecoveryEnabled, &method, &checkpointData,
		&errDetails, &result, &createdAt, &updatedAt); err != nil {
		return registry.RecoverableTask{}, err
	}

	t.CurrentState = registry.TaskState(state)
	t.RecoveryMethod = registry.RecoveryMethod(method)
	t.LastHeartbeat = time.Unix(0, heartbeat).UTC()
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if err := json.Unmarshal([]byte(args), &t.TaskArgs); err != nil {
		return registry.RecoverableTask{}, fmt.Errorf("decode task args: %w", err)
	}
	if err := json.Unmarshal([]byte(kwargs), &t.TaskKwargs); err != nil {
		return registry.RecoverableTask{}, fmt.Errorf("decode task kwargs: %w", err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst *map[string]any
	}{
		{checkpointData, &t.CheckpointData},
		{errDetails, &t.ErrorDetails},
		{result, &t.ResultData},
	} {
		if !f.src.Valid {
			continue
		}
		if err := json.Unmarshal([]byte(f.src.String), f.dst); err != nil {
			return registry.RecoverableTask{}, fmt.Errorf("decode task json: %w", err)
		}
	}
	return t, nil
}

// nullJSON encodes m, or returns nil for a nil map so COALESCE keeps the
// stored value.
func nullJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func orEmptyList(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
