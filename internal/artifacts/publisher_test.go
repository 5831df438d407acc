package artifacts

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"fedreg/domain/regression"
	"fedreg/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMasks struct {
	vol *regression.Volume
	err error
}

func (s stubMasks) LoadMask(ctx context.Context, path string) (*regression.Volume, error) {
	return s.vol, s.err
}

type stubRenderer struct {
	mu       sync.Mutex
	rendered []string
	fail     string
}

func (r *stubRenderer) RenderMap(ctx context.Context, mask *regression.Volume, m ports.StatMap, dir string) (string, error) {
	if m.Name == r.fail {
		return "", fmt.Errorf("render failed")
	}
	r.mu.Lock()
	r.rendered = append(r.rendered, m.Name)
	r.mu.Unlock()
	return filepath.Join(dir, m.Name+".png"), nil
}

type stubEncoder struct{}

func (stubEncoder) Encode(ctx context.Context, path string) (string, error) {
	return "enc:" + filepath.Base(path), nil
}

func TestCoefficients_Maps(t *testing.T) {
	c := Coefficients{
		Labels: []string{"const", "x"},
		Beta:   [][]float64{{1, 2}, {3, 4}, {9, 9}},
		T:      [][]float64{{5, -2}, {1, 1}, {0, 0}},
		P:      [][]float64{{0.01, 0.1}, {0.5, 0}, {1, 1}},
		Skip:   map[int]bool{2: true},
	}

	maps := c.Maps()
	require.Len(t, maps, 4)
	assert.Equal(t, "beta_const", maps[0].Name)
	assert.Equal(t, []float64{1, 3, 0}, maps[0].Values)
	assert.Equal(t, "pval_const", maps[1].Name)
	assert.InDelta(t, 2.0, maps[1].Values[0], 1e-12)
	assert.Equal(t, "pval_x", maps[3].Name)
	assert.InDelta(t, -1.0, maps[3].Values[0], 1e-12)
	assert.False(t, math.IsInf(maps[3].Values[1], 0))
	assert.Greater(t, maps[3].Values[1], 300.0)
}

func TestPublisher_MaskLookupOrder(t *testing.T) {
	base, cache := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cache, "mask.nii"), []byte("x"), 0o644))

	p := NewPublisher(nil, nil, nil, "mask.nii", 1, nil)
	path, err := p.ResolveMask(regression.State{BaseDirectory: base, CacheDirectory: cache})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "mask.nii"), path)

	require.NoError(t, os.WriteFile(filepath.Join(base, "mask.nii"), []byte("x"), 0o644))
	path, err = p.ResolveMask(regression.State{BaseDirectory: base, CacheDirectory: cache})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "mask.nii"), path)

	_, err = p.ResolveMask(regression.State{BaseDirectory: t.TempDir()})
	assert.Error(t, err)
}

func TestPublisher_CollectsFailuresWithoutAborting(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "mask.nii"), []byte("x"), 0o644))
	renderer := &stubRenderer{fail: "pval_x"}

	p := NewPublisher(stubMasks{vol: regression.NewVolume(2, 1, 1)}, renderer, stubEncoder{}, "mask.nii", 2, nil)
	set, problems := p.Publish(context.Background(), regression.State{
		BaseDirectory:   base,
		OutputDirectory: filepath.Join(base, "out"),
	}, Coefficients{
		Labels: []string{"const", "x"},
		Beta:   [][]float64{{1, 2}},
		T:      [][]float64{{3, 4}},
		P:      [][]float64{{0.1, 0.2}},
	})

	assert.Len(t, set, 3)
	assert.Equal(t, "enc:beta_x.png", set["beta_x.png"])
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "pval_x")
}

func TestPublisher_MissingMaskIsReported(t *testing.T) {
	p := NewPublisher(stubMasks{}, &stubRenderer{}, stubEncoder{}, "mask.nii", 1, nil)
	set, problems := p.Publish(context.Background(), regression.State{
		BaseDirectory:   t.TempDir(),
		OutputDirectory: t.TempDir(),
	}, Coefficients{Labels: []string{"const"}, Beta: [][]float64{{1}}})

	assert.Empty(t, set)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "mask")
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	set, problems := p.Publish(context.Background(), regression.State{}, Coefficients{})
	assert.Nil(t, set)
	assert.Nil(t, problems)
}

type blockingRenderer struct {
	started chan struct{}
	once    sync.Once
}

func (r *blockingRenderer) RenderMap(ctx context.Context, mask *regression.Volume, m ports.StatMap, dir string) (string, error) {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	return "", ctx.Err()
}

func TestPublisher_CancelledWhileWaitingForSlot(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "mask.nii"), []byte("x"), 0o644))
	renderer := &blockingRenderer{started: make(chan struct{})}
	p := NewPublisher(stubMasks{vol: regression.NewVolume(2, 1, 1)}, renderer, stubEncoder{}, "mask.nii", 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		set      regression.ArtifactSet
		problems []string
	}
	done := make(chan result, 1)
	go func() {
		set, problems := p.Publish(ctx, regression.State{
			BaseDirectory:   base,
			OutputDirectory: filepath.Join(base, "out"),
		}, Coefficients{
			Labels: []string{"const", "x"},
			Beta:   [][]float64{{1, 2}},
			T:      [][]float64{{3, 4}},
			P:      [][]float64{{0.1, 0.2}},
		})
		done <- result{set, problems}
	}()

	<-renderer.started
	cancel()
	res := <-done

	assert.Empty(t, res.set)
	require.Len(t, res.problems, 2)
	assert.Contains(t, res.problems[0], "beta_const")
	assert.Contains(t, res.problems[1], "pval_const")
	for _, msg := range res.problems {
		assert.Contains(t, msg, context.Canceled.Error())
	}
}
