package ports

import (
	"context"

	"fedreg/domain/regression"
)

// CacheStore persists coordinator state between rounds.
// Get returns core.ErrCacheMiss when no entry exists under key.
type CacheStore interface {
	Put(ctx context.Context, key string, entry *regression.CacheEntry) error
	Get(ctx context.Context, key string) (*regression.CacheEntry, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
