package cache

import (
	"context"
	"fmt"
	"sync"

	"fedreg/domain/core"
	"fedreg/domain/regression"
)

// MemoryStore keeps encoded entries in process. Used by the in-process
// orchestrator and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, entry *regression.CacheEntry) error {
	data, err := Encode(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = data
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*regression.CacheEntry, error) {
	s.mu.RLock()
	data, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrCacheMiss, key)
	}
	return Decode(data)
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of stored entries
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }
