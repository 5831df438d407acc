package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fedreg/domain/core"
	"fedreg/domain/regression"
	"fedreg/internal/config"
	"fedreg/ports"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry() *regression.CacheEntry {
	return &regression.CacheEntry{
		CacheID:   "c-1",
		RunID:     "run-7",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		AvgBeta:   [][]float64{{2.0, 3.0}, {1.5, -0.25}},
		MeanYGlob: []float64{10.5, 4},
		DOF:       []int{18, 17},
		Counts:    map[string][]int{"local0": {10, 9}, "local1": {10, 10}},
		XLabels:   []string{"const", "x"},
		YLabels:   []string{"v1", "v2"},
		Strategy:  config.StrategyOLS,
		Sites:     []string{"local0", "local1"},
		LocalStats: map[string][]regression.LocalFit{
			"local0": {{Column: 0, Label: "v1", Beta: []float64{2.1, 2.9}, Count: 10}},
		},
	}
}

func exerciseStore(t *testing.T, store ports.CacheStore) {
	ctx := context.Background()
	key := "run-7/remote_1"

	_, err := store.Get(ctx, key)
	assert.ErrorIs(t, err, core.ErrCacheMiss)

	require.NoError(t, store.Put(ctx, key, sampleEntry()))
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, sampleEntry(), got)

	updated := sampleEntry()
	updated.CacheID = "c-2"
	require.NoError(t, store.Put(ctx, key, updated))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "c-2", got.CacheID)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, core.ErrCacheMiss)
	require.NoError(t, store.Close())
}

func TestCodec_IsSnappyCompressedJSON(t *testing.T) {
	data, err := Encode(sampleEntry())
	require.NoError(t, err)
	assert.False(t, bytes.HasPrefix(data, []byte("{")))

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, sampleEntry(), back)

	_, err = Decode([]byte("not snappy"))
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "run-7/remote_1", sampleEntry()))
	_, err = os.Stat(filepath.Join(dir, "run-7", "remote_cache"))
	assert.NoError(t, err)
	require.NoError(t, store.Delete(context.Background(), "run-7/remote_1"))

	exerciseStore(t, store)
}

func TestFileStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Path("../outside")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "run-7/remote_1", sampleEntry()))
	keys, err := store.ListRun(context.Background(), "run-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-7/remote_1"}, keys)
	require.NoError(t, store.Delete(context.Background(), "run-7/remote_1"))

	exerciseStore(t, store)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("FEDREG_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FEDREG_TEST_DATABASE_URL not set")
	}
	store, err := NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	exerciseStore(t, store)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := NewS3StoreWithClient(fake, "bucket", "fedreg/")

	require.NoError(t, store.Put(context.Background(), "run-7/remote_1", sampleEntry()))
	_, ok := fake.objects["bucket/fedreg/run-7/remote_1"]
	assert.True(t, ok, fmt.Sprintf("objects: %v", len(fake.objects)))
	require.NoError(t, store.Delete(context.Background(), "run-7/remote_1"))

	exerciseStore(t, store)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(context.Background(), config.CacheConfig{Backend: config.CacheBackendFile}, dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = Open(context.Background(), config.CacheConfig{Backend: "redis"}, dir)
	assert.Error(t, err)

	store, err = Open(context.Background(), config.CacheConfig{Backend: config.CacheBackendSQLite, SQLitePath: filepath.Join(dir, "c.db")}, "")
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}
