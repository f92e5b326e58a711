package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
)

// UpsertTaskRegistry implements registry.Persistence. It returns
// [{"upsert_task_registry": registry_id}].
func (s *Store) UpsertTaskRegistry(ctx context.Context, e registry.Entry) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	args := e.Args
	if args == nil {
		args = []any{}
	}
	kwargs := e.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	now := s.now().UTC()

	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO task_registry (
			registry_id, task_id, task_name, user_id, current_state, last_heartbeat,
			recovery_priority, task_args, task_kwargs, context_key, auto_recovery_enabled,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (task_id) DO UPDATE SET
			task_name = EXCLUDED.task_name,
			user_id = EXCLUDED.user_id,
			last_heartbeat = EXCLUDED.last_heartbeat,
			recovery_priority = EXCLUDED.recovery_priority,
			task_args = EXCLUDED.task_args,
			task_kwargs = EXCLUDED.task_kwargs,
			context_key = EXCLUDED.context_key,
			auto_recovery_enabled = EXCLUDED.auto_recovery_enabled,
			updated_at = EXCLUDED.updated_at
		RETURNING registry_id::text
	`, uuid.NewString(), e.TaskID, e.TaskName, e.UserID, string(registry.StateQueued), now,
		e.RecoveryPriority, args, kwargs, e.ContextKey, e.AutoRecoveryEnabled, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upsert task registry: %w", err)
	}
	return []map[string]any{{"upsert_task_registry": id}}, nil
}

// UpdateTaskRegistryState implements registry.Persistence. It returns
// [{"update_task_registry_state": bool}].
func (s *Store) UpdateTaskRegistryState(ctx context.Context, u registry.StateUpdate) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
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

	tag, err := s.pool.Exec(ctx, `
		UPDATE task_registry SET
			current_state = COALESCE(NULLIF($2::text, ''), current_state),
			progress_percent = COALESCE($3::integer, progress_percent),
			current_step = COALESCE($4::text, current_step),
			checkpoint_data = COALESCE($5::jsonb, checkpoint_data),
			error_details = COALESCE($6::jsonb, error_details),
			result_data = COALESCE($7::jsonb, result_data),
			recovery_method = COALESCE(NULLIF($8::text, ''), recovery_method),
			last_heartbeat = $9,
			updated_at = $10
		WHERE task_id = $1
	`, u.TaskID, string(u.State), percent, step,
		nullable(u.CheckpointData), nullable(u.ErrorDetails), nullable(u.ResultData),
		string(u.RecoveryMethod), heartbeat.UTC(), now)
	if err != nil {
		return nil, fmt.Errorf("update task registry state: %w", err)
	}
	return []map[string]any{{"update_task_registry_state": tag.RowsAffected() > 0}}, nil
}

// CreateTaskCheckpoint implements registry.Persistence. It returns
// [{"create_task_checkpoint": id}].
func (s *Store) CreateTaskCheckpoint(ctx context.Context, taskID string, data checkpoint.Data) (any, error) {
	rec, err := s.Create(ctx, taskID, data)
	if err != nil {
		return nil, err
	}
	return []map[string]any{{"create_task_checkpoint": rec.ID}}, nil
}

// GetLatestCheckpoint implements registry.Persistence. It returns a list
// holding zero or one row.
func (s *Store) GetLatestCheckpoint(ctx context.Context, taskID string) (any, error) {
	rec, err := s.Latest(ctx, taskID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	row := rec.Data.ToMap()
	row["id"] = rec.ID
	row["task_id"] = rec.TaskID
	row["sequence"] = rec.Sequence
	row["created_at"] = rec.CreatedAt
	return []map[string]any{row}, nil
}

const taskColumns = `
	registry_id::text, task_id, task_name, user_id, current_state, last_heartbeat,
	recovery_priority, progress_percent, current_step, task_args, task_kwargs,
	context_key, auto_recovery_enabled, recovery_method, checkpoint_data,
	error_details, result_data, created_at, updated_at
`

// ListTasks implements registry.TaskLister.
func (s *Store) ListTasks(ctx context.Context, f registry.TaskFilter) ([]registry.RecoverableTask, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		args = append(args, states)
		where = append(where, fmt.Sprintf("current_state = ANY($%d)", len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if !f.HeartbeatBefore.IsZero() {
		args = append(args, f.HeartbeatBefore.UTC())
		where = append(where, fmt.Sprintf("last_heartbeat < $%d", len(args)))
	}

	query := "SELECT " + taskColumns + " FROM task_registry"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recovery_priority DESC, last_heartbeat ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	if tasks == nil {
		tasks = []registry.RecoverableTask{}
	}
	return tasks, nil
}

// GetTask implements registry.TaskLister.
func (s *Store) GetTask(ctx context.Context, taskID string) (registry.RecoverableTask, error) {
	if err := s.checkOpen(); err != nil {
		return registry.RecoverableTask{}, err
	}

	rows, err := s.pool.Query(ctx, "SELECT "+taskColumns+" FROM task_registry WHERE task_id = $1", taskID)
	if err != nil {
		return registry.RecoverableTask{}, fmt.Errorf("get task: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTask)
	if isNoRows(err) {
		return registry.RecoverableTask{}, registry.ErrTaskNotFound
	}
	if err != nil {
		return registry.RecoverableTask{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func scanTask(row pgx.CollectableRow) (registry.RecoverableTask, error) {
	var (
		t             registry.RecoverableTask
		state, method string
	)
	err := row.Scan(&t.RegistryID, &t.TaskID, &t.TaskName, &t.UserID, &state, &t.LastHeartbeat,
		&t.RecoveryPriority, &t.ProgressPercent, &t.CurrentStep, &t.TaskArgs, &t.TaskKwargs,
		&t.ContextKey, &t.AutoRecoveryEnabled, &method, &t.CheckpointData,
		&t.ErrorDetails, &t.ResultData, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return registry.RecoverableTask{}, err
	}
	t.CurrentState = registry.TaskState(state)
	t.RecoveryMethod = registry.RecoveryMethod(method)
	t.LastHeartbeat = t.LastHeartbeat.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
