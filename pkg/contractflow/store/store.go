// Package store opens the registry persistence selected by settings.
package store

import (
	"context"
	"fmt"
	"io"

	"github.com/randalmurphal/contractflow/pkg/contractflow/config"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
	"github.com/randalmurphal/contractflow/pkg/contractflow/store/postgres"
	"github.com/randalmurphal/contractflow/pkg/contractflow/store/sqlite"
)

// Migrator is implemented by persistences with versioned schema migrations.
type Migrator interface {
	Migrate(ctx context.Context) ([]int64, error)
	MigrationVersion(ctx context.Context) (int64, error)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open opens the persistence named by s.Driver. Close the returned closer
// when done. Postgres is not migrated here; see Migrator.
func Open(ctx context.Context, s config.StorageSettings) (registry.Persistence, io.Closer, error) {
	switch s.Driver {
	case config.DriverMemory:
		return registry.NewMemoryPersistence(nil), nopCloser{}, nil

	case config.DriverSQLite:
		p, err := sqlite.Open(s.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", s.Path, err)
		}
		return p, p, nil

	case config.DriverPostgres:
		opts := []postgres.Option{}
		if s.Schema != "" {
			opts = append(opts, postgres.WithSchema(s.Schema))
		}
		if s.MaxConns > 0 {
			opts = append(opts, postgres.WithMaxConns(s.MaxConns))
		}
		p, err := postgres.Open(ctx, s.DSN, opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidSettings, s.Driver)
	}
}
