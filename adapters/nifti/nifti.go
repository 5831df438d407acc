// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). Only 3-D scalar images are supported; a 4-D file contributes
// its first volume.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"fedreg/domain/regression"
)

const (
	headerSize = 348
	dataOffset = 352
	magic      = "n+1\x00"
)

// NIfTI-1 datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

// header is the 348-byte NIfTI-1 header, field for field.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Loader implements ports.MaskLoader over NIfTI files
type Loader struct{}

// NewLoader creates a mask loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadMask reads the volume at path.
func (l *Loader) LoadMask(ctx context.Context, path string) (*regression.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReadFile(path)
}

// ReadFile reads a .nii or .nii.gz file.
func ReadFile(path string) (*regression.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	v, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return v, nil
}

// Read decodes a NIfTI-1 stream, gunzipping it first when it is compressed.
func Read(r io.Reader) (*regression.Volume, error) {
	br := bufio.NewReader(r)
	if sig, err := br.Peek(2); err == nil && sig[0] == 0x1f && sig[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		br = bufio.NewReader(gz)
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[:4])) != headerSize {
		order = binary.BigEndian
		if int32(order.Uint32(raw[:4])) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 file")
		}
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if string(h.Magic[:]) != magic {
		return nil, fmt.Errorf("unsupported NIfTI magic %q", strings.TrimRight(string(h.Magic[:]), "\x00"))
	}

	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("invalid dimension count %d", ndim)
	}
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < ndim; i++ {
		dims[i] = int(h.Dim[i+1])
		if dims[i] < 1 {
			return nil, fmt.Errorf("invalid dimension %d: %d", i, dims[i])
		}
	}

	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("invalid vox_offset %g", h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, br, skip); err != nil {
		return nil, fmt.Errorf("skip extensions: %w", err)
	}

	n := dims[0] * dims[1] * dims[2]
	data, err := readVoxels(br, order, h.Datatype, n)
	if err != nil {
		return nil, err
	}
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		for i := range data {
			data[i] = data[i]*float64(h.SclSlope) + float64(h.SclInter)
		}
	}

	v := &regression.Volume{Dims: dims, Data: data}
	for i := 0; i < 3; i++ {
		v.PixDim[i] = float64(h.Pixdim[i+1])
		if v.PixDim[i] == 0 {
			v.PixDim[i] = 1
		}
	}
	if h.SformCode > 0 {
		for j := 0; j < 4; j++ {
			v.Affine[0][j] = float64(h.SrowX[j])
			v.Affine[1][j] = float64(h.SrowY[j])
			v.Affine[2][j] = float64(h.SrowZ[j])
		}
	} else {
		for i := 0; i < 3; i++ {
			v.Affine[i][i] = v.PixDim[i]
		}
	}
	return v, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	out := make([]float64, n)
	var err error
	switch datatype {
	case DTUint8:
		buf := make([]uint8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt8:
		buf := make([]int8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt16:
		buf := make([]int16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTUint16:
		buf := make([]uint16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt32:
		buf := make([]int32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTUint32:
		buf := make([]uint32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTFloat32:
		buf := make([]float32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTFloat64:
		err = binary.Read(r, order, out)
	default:
		return nil, fmt.Errorf("unsupported datatype %d", datatype)
	}
	if err != nil {
		return nil, fmt.Errorf("read voxels: %w", err)
	}
	return out, nil
}

// Write encodes v as a little-endian float32 NIfTI-1 image.
func Write(w io.Writer, v *regression.Volume, description string) error {
	if len(v.Data) != v.Dims[0]*v.Dims[1]*v.Dims[2] {
		return fmt.Errorf("volume has %d voxels, dims %v", len(v.Data), v.Dims)
	}
	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: 2, // millimetres
		SformCode: 1,
	}
	h.Dim[0] = 3
	h.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		h.Dim[i+1] = int16(v.Dims[i])
		h.Pixdim[i+1] = float32(v.PixDim[i])
	}
	for i := 4; i < 8; i++ {
		h.Dim[i] = 1
	}
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(v.Affine[0][j])
		h.SrowY[j] = float32(v.Affine[1][j])
		h.SrowZ[j] = float32(v.Affine[2][j])
	}
	copy(h.Descrip[:], description)
	copy(h.Magic[:], magic)

	lo, hi := math.Inf(1), math.Inf(-1)
	data := make([]float32, len(v.Data))
	for i, val := range v.Data {
		data[i] = float32(val)
		lo, hi = math.Min(lo, val), math.Max(hi, val)
	}
	if len(data) > 0 {
		h.CalMin, h.CalMax = float32(lo), float32(hi)
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	if _, err := w.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, data)
}

// WriteFile writes v to path, gzip-compressed when path ends in .gz.
func WriteFile(path string, v *regression.Volume, description string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	err = Write(w, v, description)
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
