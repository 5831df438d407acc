package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fedreg/domain/core"
	"fedreg/domain/regression"
)

// FileStore writes each entry to its own file under a cache directory.
// Key "<run>/remote_1" becomes <dir>/<run>/remote_cache.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file cache store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file an entry is stored in.
func (s *FileStore) Path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	dir, name := filepath.Split(clean)
	if name == "remote_1" {
		name = "remote_cache"
	}
	return filepath.Join(s.dir, dir, name), nil
}

func (s *FileStore) Put(ctx context.Context, key string, entry *regression.CacheEntry) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	data, err := Encode(entry)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) Get(ctx context.Context, key string) (*regression.CacheEntry, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", core.ErrCacheMiss, key)
	}
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
