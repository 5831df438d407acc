// Package artifacts turns per-column statistics into rendered maps and their
// transport encodings. Failures here never change numeric output; they are
// returned as messages for the round's artifact_errors.
package artifacts

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"fedreg/domain/regression"
	"fedreg/internal"
	"fedreg/ports"

	"golang.org/x/sync/semaphore"
)

// Publisher renders beta and signed -log10(p) maps for every design label.
type Publisher struct {
	masks       ports.MaskLoader
	renderer    ports.MapRenderer
	encoder     ports.ArtifactEncoder
	maskFile    string
	concurrency int64
	logger      *internal.Logger
}

// NewPublisher wires the rendering collaborators. maskFile is resolved
// against the invocation's base and cache directories at publish time.
func NewPublisher(masks ports.MaskLoader, renderer ports.MapRenderer, encoder ports.ArtifactEncoder, maskFile string, concurrency int, logger *internal.Logger) *Publisher {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = internal.Discard()
	}
	return &Publisher{
		masks:       masks,
		renderer:    renderer,
		encoder:     encoder,
		maskFile:    maskFile,
		concurrency: int64(concurrency),
		logger:      logger,
	}
}

// Coefficients is the per-column input to Publish. Rows are response columns,
// entries are positional to Labels. Skip marks columns with no valid fit.
type Coefficients struct {
	Labels []string
	Beta   [][]float64
	T      [][]float64
	P      [][]float64
	Skip   map[int]bool
}

// Maps builds the beta_<label> and pval_<label> maps. Skipped or non-finite
// entries are written as zero.
func (c Coefficients) Maps() []ports.StatMap {
	m := len(c.Beta)
	var maps []ports.StatMap
	for j, label := range c.Labels {
		beta := make([]float64, m)
		pval := make([]float64, m)
		for i := 0; i < m; i++ {
			if c.Skip[i] || j >= len(c.Beta[i]) {
				continue
			}
			beta[i] = finite(c.Beta[i][j])
			if c.P != nil && c.T != nil && j < len(c.P[i]) {
				p := math.Max(c.P[i][j], math.SmallestNonzeroFloat64)
				pval[i] = finite(-math.Log10(p) * sign(c.T[i][j]))
			}
		}
		maps = append(maps, ports.StatMap{Name: "beta_" + label, Values: beta})
		if c.P != nil {
			maps = append(maps, ports.StatMap{Name: "pval_" + label, Values: pval})
		}
	}
	return maps
}

// ResolveMask finds the mask file: absolute paths are used as given, otherwise
// baseDirectory is tried before cacheDirectory.
func (p *Publisher) ResolveMask(state regression.State) (string, error) {
	if p.maskFile == "" {
		return "", fmt.Errorf("no mask file configured")
	}
	if filepath.IsAbs(p.maskFile) {
		return p.maskFile, nil
	}
	var tried []string
	for _, dir := range []string{state.BaseDirectory, state.CacheDirectory} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, p.maskFile)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		tried = append(tried, path)
	}
	return "", fmt.Errorf("mask %q not found (tried %v)", p.maskFile, tried)
}

// Publish renders every map into state.OutputDirectory and returns the encoded
// PNGs keyed by file name, plus one message per failure.
func (p *Publisher) Publish(ctx context.Context, state regression.State, coef Coefficients) (regression.ArtifactSet, []string) {
	if p == nil {
		return nil, nil
	}
	if state.OutputDirectory == "" {
		return nil, []string{"artifacts: no output directory in state"}
	}

	maskPath, err := p.ResolveMask(state)
	if err != nil {
		return nil, []string{fmt.Sprintf("artifacts: %v", err)}
	}
	mask, err := p.masks.LoadMask(ctx, maskPath)
	if err != nil {
		return nil, []string{fmt.Sprintf("artifacts: load mask: %v", err)}
	}
	if err := os.MkdirAll(state.OutputDirectory, 0o755); err != nil {
		return nil, []string{fmt.Sprintf("artifacts: %v", err)}
	}

	maps := coef.Maps()
	sem := semaphore.NewWeighted(p.concurrency)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		set      = make(regression.ArtifactSet)
		problems []string
	)
	for _, m := range maps {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			problems = append(problems, fmt.Sprintf("%s: %v", m.Name, err))
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(m ports.StatMap) {
			defer wg.Done()
			defer sem.Release(1)

			name, encoded, err := p.publishOne(ctx, mask, m, state.OutputDirectory)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", m.Name, err))
				return
			}
			set[name] = encoded
		}(m)
	}
	wg.Wait()

	sort.Strings(problems)
	p.logger.Debug("published %d/%d maps to %s", len(set), len(maps), state.OutputDirectory)
	return set, problems
}

func (p *Publisher) publishOne(ctx context.Context, mask *regression.Volume, m ports.StatMap, dir string) (string, string, error) {
	png, err := p.renderer.RenderMap(ctx, mask, m, dir)
	if err != nil {
		return "", "", err
	}
	encoded, err := p.encoder.Encode(ctx, png)
	if err != nil {
		return "", "", err
	}
	return filepath.Base(png), encoded, nil
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
