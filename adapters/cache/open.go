package cache

import (
	"context"
	"fmt"

	"fedreg/internal/config"
	"fedreg/internal/errors"
	"fedreg/ports"
)

// Open builds the configured store. The file backend uses cfg.Dir, falling
// back to dir (normally the invocation's cacheDirectory).
func Open(ctx context.Context, cfg config.CacheConfig, dir string) (ports.CacheStore, error) {
	var (
		store ports.CacheStore
		err   error
	)
	switch cfg.Backend {
	case config.CacheBackendFile, "":
		if cfg.Dir != "" {
			dir = cfg.Dir
		}
		store, err = NewFileStore(dir)
	case config.CacheBackendSQLite:
		store, err = NewSQLiteStore(ctx, cfg.SQLitePath)
	case config.CacheBackendPostgres:
		store, err = NewPostgresStore(ctx, cfg.PostgresURL)
	case config.CacheBackendS3:
		store, err = NewS3Store(ctx, cfg.S3)
	default:
		return nil, errors.ConfigInvalid(fmt.Sprintf("unknown cache backend %q", cfg.Backend))
	}
	if err != nil {
		return nil, errors.IOFailure("open "+cfg.Backend+" cache store", err)
	}
	return store, nil
}
