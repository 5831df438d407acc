// Package render writes statistical maps as NIfTI volumes with an
// orthogonal-slice PNG preview, and encodes rendered files for transport.
package render

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"regexp"

	"fedreg/adapters/nifti"
	"fedreg/domain/regression"
	"fedreg/ports"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// FileName makes a map name safe to use as a file name.
func FileName(name string) string {
	return unsafeName.ReplaceAllString(name, "_")
}

// OrthoRenderer draws the sagittal, coronal and axial slices through the
// voxel of largest magnitude, side by side.
type OrthoRenderer struct {
	scale int
}

// NewOrthoRenderer creates a renderer; each voxel becomes scale×scale pixels.
func NewOrthoRenderer(scale int) *OrthoRenderer {
	if scale < 1 {
		scale = 1
	}
	return &OrthoRenderer{scale: scale}
}

var _ ports.MapRenderer = (*OrthoRenderer)(nil)

// RenderMap writes <name>.nii and <name>.png into outputDir and returns the PNG path.
func (r *OrthoRenderer) RenderMap(ctx context.Context, mask *regression.Volume, m ports.StatMap, outputDir string) (string, error) {
	vol, err := mask.Scatter(m.Values)
	if err != nil {
		return "", err
	}
	base := filepath.Join(outputDir, FileName(m.Name))
	if err := nifti.WriteFile(base+".nii", vol, m.Name); err != nil {
		return "", fmt.Errorf("write volume: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	img := r.draw(mask, vol)
	pngPath := base + ".png"
	if err := writePNG(pngPath, img); err != nil {
		return "", fmt.Errorf("write png: %w", err)
	}
	return pngPath, nil
}

func (r *OrthoRenderer) draw(mask, vol *regression.Volume) *image.RGBA {
	nx, ny, nz := vol.Dims[0], vol.Dims[1], vol.Dims[2]

	peak, limit := 0, 0.0
	for i, v := range vol.Data {
		if a := math.Abs(v); a > limit {
			peak, limit = i, a
		}
	}
	if limit == 0 {
		peak = mask.Index(nx/2, ny/2, nz/2)
	}
	cx := peak % nx
	cy := (peak / nx) % ny
	cz := peak / (nx * ny)

	type panel struct {
		w, h int
		at   func(u, v int) (x, y, z int)
	}
	panels := []panel{
		{ny, nz, func(u, v int) (int, int, int) { return cx, u, v }},
		{nx, nz, func(u, v int) (int, int, int) { return u, cy, v }},
		{nx, ny, func(u, v int) (int, int, int) { return u, v, cz }},
	}

	width, height := 0, 0
	for _, p := range panels {
		width += p.w
		if p.h > height {
			height = p.h
		}
	}
	s := r.scale
	img := image.NewRGBA(image.Rect(0, 0, width*s, height*s))
	for i := range img.Pix {
		img.Pix[i] = 0
		if i%4 == 3 {
			img.Pix[i] = 255
		}
	}

	offset := 0
	for _, p := range panels {
		for u := 0; u < p.w; u++ {
			for v := 0; v < p.h; v++ {
				x, y, z := p.at(u, v)
				var c color.RGBA
				switch {
				case mask.At(x, y, z) <= 0:
					continue
				case vol.At(x, y, z) == 0 || limit == 0:
					c = color.RGBA{R: 60, G: 60, B: 60, A: 255}
				default:
					c = diverging(vol.At(x, y, z) / limit)
				}
				// Image rows grow downward; slice rows grow upward.
				py := (height - 1 - v) * s
				px := (offset + u) * s
				for dy := 0; dy < s; dy++ {
					for dx := 0; dx < s; dx++ {
						img.SetRGBA(px+dx, py+dy, c)
					}
				}
			}
		}
		offset += p.w
	}
	return img
}

// diverging maps t in [-1, 1] to blue (negative) through white to red (positive).
func diverging(t float64) color.RGBA {
	t = math.Max(-1, math.Min(1, t))
	fade := uint8(255 * (1 - math.Abs(t)))
	if t >= 0 {
		return color.RGBA{R: 255, G: fade, B: fade, A: 255}
	}
	return color.RGBA{R: fade, G: fade, B: 255, A: 255}
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := png.Encode(w, img); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Base64Encoder reads a file and returns its standard base64 encoding.
type Base64Encoder struct{}

var _ ports.ArtifactEncoder = Base64Encoder{}

// Encode implements ports.ArtifactEncoder
func (Base64Encoder) Encode(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
