package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"fedreg/adapters/nifti"
	"fedreg/domain/regression"
	"fedreg/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cubeMask() *regression.Volume {
	v := regression.NewVolume(5, 4, 3)
	for z := 0; z < 3; z++ {
		for y := 1; y < 3; y++ {
			for x := 1; x < 4; x++ {
				v.Data[v.Index(x, y, z)] = 1
			}
		}
	}
	return v
}

func TestRenderMap_WritesVolumeAndPNG(t *testing.T) {
	dir := t.TempDir()
	mask := cubeMask()
	n := len(mask.MaskIndices())
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i) - float64(n)/2
	}

	path, err := NewOrthoRenderer(3).RenderMap(context.Background(), mask, ports.StatMap{Name: "beta_sex M", Values: values}, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "beta_sex_M.png"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, (4+5+5)*3, img.Bounds().Dx())
	assert.Equal(t, 4*3, img.Bounds().Dy())

	vol, err := nifti.ReadFile(filepath.Join(dir, "beta_sex_M.nii"))
	require.NoError(t, err)
	for i, off := range mask.MaskIndices() {
		assert.InDelta(t, values[i], vol.Data[off], 1e-6)
	}
}

func TestRenderMap_RejectsWrongLength(t *testing.T) {
	_, err := NewOrthoRenderer(1).RenderMap(context.Background(), cubeMask(), ports.StatMap{Name: "x", Values: []float64{1}}, t.TempDir())
	assert.Error(t, err)
}

func TestDiverging(t *testing.T) {
	assert.Equal(t, uint8(255), diverging(1).R)
	assert.Equal(t, uint8(0), diverging(1).G)
	assert.Equal(t, uint8(255), diverging(-1).B)
	assert.Equal(t, uint8(0), diverging(-1).R)
	assert.Equal(t, uint8(255), diverging(0).G)
}

func TestBase64Encoder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG fake"), 0o644))

	got, err := Base64Encoder{}.Encode(context.Background(), path)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(got)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("\x89PNG")))

	_, err = Base64Encoder{}.Encode(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
