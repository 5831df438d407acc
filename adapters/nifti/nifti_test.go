package nifti

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"fedreg/domain/regression"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleVolume() *regression.Volume {
	v := regression.NewVolume(4, 3, 2)
	v.PixDim = [3]float64{2, 2, 3}
	v.Affine = [3][4]float64{{2, 0, 0, -4}, {0, 2, 0, -3}, {0, 0, 3, 1.5}}
	for i := range v.Data {
		if i%3 == 0 {
			v.Data[i] = float64(i) / 4
		}
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"mask.nii", "mask.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, WriteFile(path, sampleVolume(), "test mask"))

			got, err := NewLoader().LoadMask(context.Background(), path)
			require.NoError(t, err)

			want := sampleVolume()
			assert.Equal(t, want.Dims, got.Dims)
			assert.Equal(t, want.PixDim, got.PixDim)
			assert.Equal(t, want.Affine, got.Affine)
			assert.InDeltaSlice(t, want.Data, got.Data, 1e-6)
			assert.Equal(t, want.MaskIndices(), got.MaskIndices())
		})
	}
}

func TestRead_Uint8BigEndianWithScaling(t *testing.T) {
	h := header{SizeofHdr: headerSize, Datatype: DTUint8, Bitpix: 8, VoxOffset: dataOffset, SclSlope: 2, SclInter: 1}
	h.Dim = [8]int16{3, 2, 2, 1, 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, 1.5, 1.5, 1.5}
	copy(h.Magic[:], magic)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write(make([]byte, dataOffset-headerSize))
	buf.Write([]byte{0, 1, 2, 3})

	v, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 2, 1}, v.Dims)
	assert.Equal(t, []float64{1, 3, 5, 7}, v.Data)
	assert.Equal(t, 1.5, v.Affine[0][0])
}

func TestRead_Rejects(t *testing.T) {
	_, err := Read(bytes.NewReader(make([]byte, 400)))
	assert.Error(t, err)

	h := header{SizeofHdr: headerSize, Datatype: 1536, VoxOffset: dataOffset}
	h.Dim = [8]int16{3, 1, 1, 1}
	copy(h.Magic[:], magic)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &h))
	buf.Write(make([]byte, 16))
	_, err = Read(&buf)
	assert.ErrorContains(t, err, "datatype")

	_, err = ReadFile(filepath.Join(t.TempDir(), "absent.nii"))
	assert.Error(t, err)
}
