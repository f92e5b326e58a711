package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
)

const checkpointColumns = `
	sequence, id::text, task_id, checkpoint_name, progress_percent, step_description,
	recoverable_data, database_state, file_state, created_at
`

// Create implements checkpoint.Store.
func (s *Store) Create(ctx context.Context, taskID string, data checkpoint.Data) (checkpoint.Record, error) {
	if err := data.Validate(); err != nil {
		return checkpoint.Record{}, err
	}
	if err := s.checkOpen(); err != nil {
		return checkpoint.Record{}, err
	}
	data = data.Normalize()

	rows, err := s.pool.Query(ctx, `
		INSERT INTO task_checkpoints (
			id, task_id, checkpoint_name, progress_percent, step_description,
			recoverable_data, database_state, file_state, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+checkpointColumns,
		uuid.NewString(), taskID, data.CheckpointName, data.ProgressPercent, data.StepDescription,
		data.RecoverableData, data.DatabaseState, data.FileState, s.now().UTC())
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("create checkpoint: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanCheckpoint)
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("create checkpoint: %w", err)
	}
	return rec, nil
}

// Latest implements checkpoint.Store.
func (s *Store) Latest(ctx context.Context, taskID string) (checkpoint.Record, error) {
	if err := s.checkOpen(); err != nil {
		return checkpoint.Record{}, err
	}

	rows, err := s.pool.Query(ctx, `SELECT `+checkpointColumns+`
		FROM task_checkpoints
		WHERE task_id = $1
		ORDER BY created_at DESC, progress_percent DESC, sequence DESC
		LIMIT 1
	`, taskID)
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("load latest checkpoint: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanCheckpoint)
	if isNoRows(err) {
		return checkpoint.Record{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return rec, nil
}

// List implements checkpoint.Store.
func (s *Store) List(ctx context.Context, taskID string) ([]checkpoint.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT `+checkpointColumns+`
		FROM task_checkpoints
		WHERE task_id = $1
		ORDER BY sequence
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	if recs == nil {
		recs = []checkpoint.Record{}
	}
	return recs, nil
}

// DeleteTask implements checkpoint.Store.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_checkpoints WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete task checkpoints: %w", err)
	}
	return nil
}

func scanCheckpoint(row pgx.CollectableRow) (checkpoint.Record, error) {
	var (
		rec checkpoint.Record
		d   checkpoint.Data
	)
	err := row.Scan(&rec.Sequence, &rec.ID, &rec.TaskID, &d.CheckpointName, &d.ProgressPercent,
		&d.StepDescription, &d.RecoverableData, &d.DatabaseState, &d.FileState, &rec.CreatedAt)
	if err != nil {
		return checkpoint.Record{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.Data = d.Normalize()
	return rec, nil
}
