// Package postgres implements registry.Persistence and checkpoint.Store on
// PostgreSQL using pgx.
//
// Registry results come back as lists of single-row maps, the way a
// set-returning SQL function answers over RPC. Schema changes are embedded
// goose migrations applied by Migrate.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a Postgres-backed task registry and checkpoint store.
// It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time

	mu     sync.RWMutex
	closed bool
}

var (
	_ registry.Persistence = (*Store)(nil)
	_ registry.TaskLister  = (*Store)(nil)
	_ checkpoint.Store     = (*Store)(nil)
)

// Option configures Open.
type Option func(*config)

type config struct {
	schema          string
	maxConns        int32
	minConns        int32
	maxConnLifetime time.Duration
	now             func() time.Time
}

// WithSchema places every table in schema, creating it if needed.
func WithSchema(schema string) Option {
	return func(c *config) {
		c.schema = schema
	}
}

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) Option {
	return func(c *config) {
		if n > 0 {
			c.maxConns = n
		}
	}
}

// WithMinConns keeps n connections open.
func WithMinConns(n int32) Option {
	return func(c *config) {
		if n >= 0 {
			c.minConns = n
		}
	}
}

// WithClock replaces the clock used for heartbeats and checkpoint times.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// Open connects to dsn and verifies the connection. It does not migrate.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	c := config{
		maxConns:        10,
		minConns:        2,
		maxConnLifetime: time.Hour,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&c)
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.MaxConns = c.maxConns
	pcfg.MinConns = c.minConns
	pcfg.MaxConnLifetime = c.maxConnLifetime
	if c.schema != "" {
		pcfg.ConnConfig.RuntimeParams["search_path"] = c.schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if c.schema != "" {
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{c.schema}.Sanitize()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema %s: %w", c.schema, err)
		}
	}

	return &Store{pool: pool, now: c.now}, nil
}

// Migrate applies pending migrations and returns the versions applied.
func (s *Store) Migrate(ctx context.Context) ([]int64, error) {
	provider, closeDB, err := s.migrationProvider()
	if err != nil {
		return nil, err
	}
	defer closeDB()

	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}

// MigrationVersion returns the current schema version.
func (s *Store) MigrationVersion(ctx context.Context) (int64, error) {
	provider, closeDB, err := s.migrationProvider()
	if err != nil {
		return 0, err
	}
	defer closeDB()
	return provider.GetDBVersion(ctx)
}

func (s *Store) migrationProvider() (*goose.Provider, func(), error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create migration provider: %w", err)
	}
	return provider, func() { db.Close() }, nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the pool. Calling it again is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return checkpoint.ErrStoreClosed
	}
	return nil
}

// nullable returns nil for a nil map so the driver sends SQL NULL.
func nullable(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
