package ports

import (
	"context"

	"fedreg/domain/regression"
)

// MaskLoader reads the brain mask that maps response columns onto voxels.
type MaskLoader interface {
	LoadMask(ctx context.Context, path string) (*regression.Volume, error)
}

// StatMap is one statistic per response column, named for its output files
// (e.g. beta_age, pval_const).
type StatMap struct {
	Name   string
	Values []float64
}

// MapRenderer writes a statistical map as a volume and a PNG preview.
// It returns the path of the PNG.
type MapRenderer interface {
	RenderMap(ctx context.Context, mask *regression.Volume, m StatMap, outputDir string) (string, error)
}

// ArtifactEncoder turns a rendered file into its transport form.
type ArtifactEncoder interface {
	Encode(ctx context.Context, path string) (string, error)
}

// ReportWriter writes a human-readable summary of the final statistics and
// returns the paths it wrote.
type ReportWriter interface {
	WriteReport(ctx context.Context, out *regression.Remote2Output, outputDir string) ([]string, error)
}
