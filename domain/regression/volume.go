package regression

import "fmt"

// Volume is a 3-D scalar image in x-fastest order, as stored in NIfTI files.
type Volume struct {
	Dims   [3]int
	PixDim [3]float64
	// Affine is the 3x4 voxel-to-world transform (srow_x, srow_y, srow_z).
	Affine [3][4]float64
	Data   []float64
}

// NewVolume allocates a zero volume with unit voxel spacing.
func NewVolume(nx, ny, nz int) *Volume {
	v := &Volume{
		Dims:   [3]int{nx, ny, nz},
		PixDim: [3]float64{1, 1, 1},
		Data:   make([]float64, nx*ny*nz),
	}
	v.Affine[0][0], v.Affine[1][1], v.Affine[2][2] = 1, 1, 1
	return v
}

// Index returns the flat offset of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return x + v.Dims[0]*(y+v.Dims[1]*z)
}

// At returns the value of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// MaskIndices returns the flat offsets of voxels with a positive value, in
// storage order. Response column j maps to the j-th such voxel.
func (v *Volume) MaskIndices() []int {
	var idx []int
	for i, val := range v.Data {
		if val > 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// Scatter returns a new volume shaped like the mask with values written into
// the mask voxels and zero elsewhere.
func (v *Volume) Scatter(values []float64) (*Volume, error) {
	idx := v.MaskIndices()
	if len(idx) != len(values) {
		return nil, fmt.Errorf("mask has %d voxels, got %d values", len(idx), len(values))
	}
	out := &Volume{Dims: v.Dims, PixDim: v.PixDim, Affine: v.Affine, Data: make([]float64, len(v.Data))}
	for i, off := range idx {
		out.Data[off] = values[i]
	}
	return out, nil
}
