package migration

import (
	"context"
	"fmt"

	"fedreg/internal/errors"

	"github.com/jmoiron/sqlx"
)

// Dialect selects the DDL flavour for a SQL cache backend
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Migrator defines the interface for database migration operations
type Migrator interface {
	Run(ctx context.Context, db *sqlx.DB) error
	Version() string
}

// MigrationRunner handles database schema migrations
type MigrationRunner struct {
	version string
	dialect Dialect
}

// NewRunner creates a new migration runner
func NewRunner(dialect Dialect) *MigrationRunner {
	return &MigrationRunner{
		version: "1.0.0",
		dialect: dialect,
	}
}

// Version returns the migration version
func (r *MigrationRunner) Version() string {
	return r.version
}

// Run executes all database migrations in the correct order
func (r *MigrationRunner) Run(ctx context.Context, db *sqlx.DB) error {
	switch r.dialect {
	case Postgres, SQLite:
	default:
		return errors.ConfigInvalid(fmt.Sprintf("unsupported migration dialect %q", r.dialect))
	}

	if err := r.createCoordinatorCacheTable(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create coordinator_cache table")
	}

	if err := r.createIndexes(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create indexes")
	}

	return nil
}

func (r *MigrationRunner) createCoordinatorCacheTable(ctx context.Context, db *sqlx.DB) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS coordinator_cache (
			cache_key VARCHAR(512) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			cache_id VARCHAR(64) NOT NULL,
			payload BYTEA NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`
	if r.dialect == SQLite {
		ddl = `
		CREATE TABLE IF NOT EXISTS coordinator_cache (
			cache_key TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			cache_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	}
	_, err := db.ExecContext(ctx, ddl)
	return err
}

func (r *MigrationRunner) createIndexes(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_coordinator_cache_run_id ON coordinator_cache(run_id)
	`)
	return err
}
