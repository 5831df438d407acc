// Package cache holds the coordinator cache stores. Every backend stores the
// same encoding: the JSON cache entry compressed with snappy.
package cache

import (
	"encoding/json"
	"fmt"

	"fedreg/domain/regression"

	"github.com/golang/snappy"
)

// Encode serializes a cache entry for storage.
func Encode(entry *regression.CacheEntry) ([]byte, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// Decode reverses Encode.
func Decode(data []byte) (*regression.CacheEntry, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress cache entry: %w", err)
	}
	var entry regression.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}
