package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists checkpoints to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
	mu     sync.RWMutex
	closed bool
	opts   options
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS task_checkpoints (
	sequence INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	task_id TEXT NOT NULL,
	checkpoint_name TEXT NOT NULL,
	progress_percent INTEGER NOT NULL,
	step_description TEXT NOT NULL,
	recoverable_data TEXT NOT NULL,
	database_state TEXT NOT NULL,
	file_state TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_checkpoints_task_id
	ON task_checkpoints(task_id, created_at);
`

// NewSQLiteStore creates a new SQLite checkpoint store.
// The path should be a file path (e.g., "./checkpoints.db") or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStoreFromDB(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStoreFromDB creates the checkpoint table in an existing database.
// Close does not close db.
func NewSQLiteStoreFromDB(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &SQLiteStore{db: db, opts: o}, nil
}

// OpenSQLite opens a SQLite database with WAL enabled.
// In-memory databases are pinned to a single connection so every query sees
// the same data.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, taskID string, data Data) (Record, error) {
	if err := data.Validate(); err != nil {
		return Record{}, err
	}
	data = data.Normalize()

	recoverable, err := json.Marshal(data.RecoverableData)
	if err != nil {
		return Record{}, fmt.Errorf("encode recoverable data: %w", err)
	}
	dbState, err := json.Marshal(data.DatabaseState)
	if err != nil {
		return Record{}, fmt.Errorf("encode database state: %w", err)
	}
	fileState, err := json.Marshal(data.FileState)
	if err != nil {
		return Record{}, fmt.Errorf("encode file state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	rec := Record{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		CreatedAt: s.opts.now().UTC(),
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_checkpoints (
			id, task_id, checkpoint_name, progress_percent, step_description,
			recoverable_data, database_state, file_state, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, taskID, data.CheckpointName, data.ProgressPercent, data.StepDescription,
		string(recoverable), string(dbState), string(fileState), rec.CreatedAt.UnixNano())
	if err != nil {
		return Record{}, fmt.Errorf("create checkpoint: %w", err)
	}

	if rec.Sequence, err = res.LastInsertId(); err != nil {
		return Record{}, fmt.Errorf("read checkpoint sequence: %w", err)
	}

	// Decode what was written so the record never aliases caller maps.
	rec.Data, err = FromMap(map[string]any{
		KeyCheckpointName:  data.CheckpointName,
		KeyProgressPercent: data.ProgressPercent,
		KeyStepDescription: data.StepDescription,
		KeyRecoverableData: string(recoverable),
		KeyDatabaseState:   string(dbState),
		KeyFileState:       string(fileState),
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

const selectColumns = `
	sequence, id, task_id, checkpoint_name, progress_percent, step_description,
	recoverable_data, database_state, file_state, created_at
`

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, taskID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+`
		FROM task_checkpoints
		WHERE task_id = ?
		ORDER BY created_at DESC, progress_percent DESC, sequence DESC
		LIMIT 1
	`, taskID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return rec, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, taskID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+`
		FROM task_checkpoints
		WHERE task_id = ?
		ORDER BY sequence
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// DeleteTask implements Store.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_checkpoints WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete task checkpoints: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                             Record
		name, description               string
		percent                         int
		recoverable, dbState, fileState string
		createdAt                       int64
	)
	if err := row.Scan(&rec.Sequence, &rec.ID, &rec.TaskID, &name, &percent, &description,
		&recoverable, &dbState, &fileState, &createdAt); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()

	data, err := FromMap(map[string]any{
		KeyCheckpointName:  name,
		KeyProgressPercent: percent,
		KeyStepDescription: description,
		KeyRecoverableData: recoverable,
		KeyDatabaseState:   dbState,
		KeyFileState:       fileState,
	})
	if err != nil {
		return Record{}, err
	}
	rec.Data = data
	return rec, nil
}
