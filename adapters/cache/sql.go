package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fedreg/domain/core"
	"fedreg/domain/regression"
	"fedreg/internal/migration"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLStore keeps entries in the coordinator_cache table of a SQLite or
// PostgreSQL database. Writes are upserts; the last writer wins.
type SQLStore struct {
	db *sqlx.DB
}

type cacheRow struct {
	Key     string `db:"cache_key"`
	RunID   string `db:"run_id"`
	CacheID string `db:"cache_id"`
	Payload []byte `db:"payload"`
}

// NewSQLiteStore opens (creating if needed) a SQLite cache database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite cache store needs a path")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, migration.SQLite)
}

// NewPostgresStore connects to PostgreSQL and ensures the cache table exists.
func NewPostgresStore(ctx context.Context, url string) (*SQLStore, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres cache store needs DATABASE_URL")
	}
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return newSQLStore(ctx, db, migration.Postgres)
}

func newSQLStore(ctx context.Context, db *sqlx.DB, dialect migration.Dialect) (*SQLStore, error) {
	if err := migration.NewRunner(dialect).Run(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, entry *regression.CacheEntry) error {
	data, err := Encode(entry)
	if err != nil {
		return err
	}
	row := cacheRow{Key: key, RunID: entry.RunID, CacheID: entry.CacheID, Payload: data}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO coordinator_cache (cache_key, run_id, cache_id, payload, created_at, updated_at)
		VALUES (:cache_key, :run_id, :cache_id, :payload, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (cache_key) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			cache_id = EXCLUDED.cache_id,
			payload = EXCLUDED.payload,
			updated_at = CURRENT_TIMESTAMP
	`, row)
	if err != nil {
		return fmt.Errorf("store cache entry %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (*regression.CacheEntry, error) {
	var row cacheRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT cache_key, run_id, cache_id, payload
		FROM coordinator_cache
		WHERE cache_key = ?
	`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrCacheMiss, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load cache entry %s: %w", key, err)
	}
	return Decode(row.Payload)
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM coordinator_cache WHERE cache_key = ?`), key)
	return err
}

// ListRun returns the keys stored for a run, oldest first.
func (s *SQLStore) ListRun(ctx context.Context, runID string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, s.db.Rebind(`
		SELECT cache_key FROM coordinator_cache WHERE run_id = ? ORDER BY created_at, cache_key
	`), runID)
	return keys, err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
