// Package nifti reads and writes single-file NIfTI-1 volumes (.nii, .nii.gz).
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed size of a NIfTI-1 header in bytes.
const HeaderSize = 348

// NIfTI-1 datatype codes.
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

var (
	ErrNotNifti            = errors.New("not a NIfTI-1 file")
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
)

// Header is the on-disk NIfTI-1 header.
type Header struct {
	SizeofHdr     int32
	DataTypeStr   [10]byte
	DbName        [18]byte
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
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
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

// Volume is a decoded NIfTI image. Data is stored x-fastest, as on disk,
// with scaling already applied.
type Volume struct {
	Header Header
	Dims   []int64
	Data   []float64
}

// NumVoxels returns the product of Dims.
func (v *Volume) NumVoxels() int64 {
	n := int64(1)
	for _, d := range v.Dims {
		n *= d
	}
	return n
}

// SizeBytes returns the in-memory size of the decoded data.
func (v *Volume) SizeBytes() uint64 {
	return uint64(len(v.Data)) * 8
}

// At returns the voxel at (x, y, z) of a 3D volume.
func (v *Volume) At(x, y, z int64) float64 {
	return v.Data[x+v.Dims[0]*(y+v.Dims[1]*z)]
}

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedDatatype, "datatype code %d", datatype)
	}
}

func open(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", path)
	}

	var r io.Reader = bufio.NewReader(f)
	if !strings.HasSuffix(path, ".gz") {
		return r, func() { f.Close() }, nil
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "failed to open gzip stream %q", path)
	}
	return gz, func() { gz.Close(); f.Close() }, nil
}

// Read loads a NIfTI-1 file. Files ending in .gz are decompressed on the fly.
func Read(path string) (*Volume, error) {
	r, closer, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closer()

	vol, err := Decode(r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", path)
	}
	return vol, nil
}

// ReadHeader loads only the header of a NIfTI-1 file and returns it with
// the volume dims.
func ReadHeader(path string) (*Header, []int64, error) {
	r, closer, err := open(path)
	if err != nil {
		return nil, nil, err
	}
	defer closer()

	hdr, _, dims, err := decodeHeader(r)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to decode header of %q", path)
	}
	return hdr, dims, nil
}

func decodeHeader(r io.Reader) (*Header, binary.ByteOrder, []int64, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to read header")
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[:4])) != HeaderSize {
		if int32(binary.BigEndian.Uint32(raw[:4])) != HeaderSize {
			return nil, nil, nil, ErrNotNifti
		}
		order = binary.BigEndian
	}

	var hdr Header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to parse header")
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, nil, nil, errors.Wrapf(ErrNotNifti, "magic %q", hdr.Magic[:3])
	}

	ndim := int(hdr.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, nil, nil, errors.Wrapf(ErrNotNifti, "invalid dim[0] = %d", ndim)
	}
	dims := make([]int64, ndim)
	for i := 0; i < ndim; i++ {
		dims[i] = int64(hdr.Dim[i+1])
		if dims[i] <= 0 {
			return nil, nil, nil, errors.Wrapf(ErrNotNifti, "invalid dim[%d] = %d", i+1, dims[i])
		}
	}
	return &hdr, order, dims, nil
}

// Decode reads a NIfTI-1 stream (header, optional extensions, voxels).
func Decode(r io.Reader) (*Volume, error) {
	h, order, dims, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}
	hdr := *h
	n := int64(1)
	for _, d := range dims {
		n *= d
	}

	bpv, err := bytesPerVoxel(hdr.Datatype)
	if err != nil {
		return nil, err
	}

	// Skip extensions between the header and vox_offset.
	skip := int64(hdr.VoxOffset) - HeaderSize
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, errors.Wrap(err, "failed to skip header extension")
		}
	}

	buf := make([]byte, n*int64(bpv))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d voxels", n)
	}

	data := make([]float64, n)
	for i := range data {
		b := buf[i*bpv : (i+1)*bpv]
		switch hdr.Datatype {
		case DTUint8:
			data[i] = float64(b[0])
		case DTInt8:
			data[i] = float64(int8(b[0]))
		case DTInt16:
			data[i] = float64(int16(order.Uint16(b)))
		case DTUint16:
			data[i] = float64(order.Uint16(b))
		case DTInt32:
			data[i] = float64(int32(order.Uint32(b)))
		case DTUint32:
			data[i] = float64(order.Uint32(b))
		case DTFloat32:
			data[i] = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			data[i] = math.Float64frombits(order.Uint64(b))
		}
	}

	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	if math.IsNaN(inter) || math.IsInf(inter, 0) {
		inter = 0
	}
	// a zero or non-finite slope means unscaled data
	if slope != 0 && !math.IsNaN(slope) && !math.IsInf(slope, 0) && !(slope == 1 && inter == 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &Volume{Header: hdr, Dims: dims, Data: data}, nil
}

// NewHeader returns a minimal header for a volume of the given dims and
// datatype, unit voxel size and an identity sform.
func NewHeader(dims []int64, datatype int16) (Header, error) {
	var hdr Header
	bpv, err := bytesPerVoxel(datatype)
	if err != nil {
		return hdr, err
	}
	if len(dims) < 1 || len(dims) > 7 {
		return hdr, errors.Errorf("invalid number of dims: %d", len(dims))
	}

	hdr.SizeofHdr = HeaderSize
	hdr.Regular = 'r'
	hdr.Dim[0] = int16(len(dims))
	for i := 1; i < 8; i++ {
		hdr.Dim[i] = 1
		hdr.Pixdim[i] = 1
	}
	for i, d := range dims {
		hdr.Dim[i+1] = int16(d)
	}
	hdr.Pixdim[0] = 1
	hdr.Datatype = datatype
	hdr.Bitpix = int16(bpv * 8)
	hdr.VoxOffset = HeaderSize + 4
	hdr.XyztUnits = 2 // mm
	hdr.SformCode = 1
	hdr.SrowX = [4]float32{1, 0, 0, 0}
	hdr.SrowY = [4]float32{0, 1, 0, 0}
	hdr.SrowZ = [4]float32{0, 0, 1, 0}
	copy(hdr.Magic[:], "n+1\x00")
	return hdr, nil
}

// Write stores vol using vol.Header's datatype and geometry. Dims and
// scaling are taken from vol itself. Paths ending in .gz are gzip-compressed.
func Write(path string, vol *Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	err = Encode(w, vol)
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}

// Encode writes vol as a little-endian NIfTI-1 stream.
func Encode(w io.Writer, vol *Volume) error {
	hdr := vol.Header
	if hdr.Datatype == 0 {
		hdr.Datatype = DTFloat32
	}
	base, err := NewHeader(vol.Dims, hdr.Datatype)
	if err != nil {
		return err
	}
	hdr.SizeofHdr = base.SizeofHdr
	hdr.Dim = base.Dim
	hdr.Bitpix = base.Bitpix
	hdr.VoxOffset = base.VoxOffset
	hdr.SclSlope, hdr.SclInter = 0, 0
	hdr.Magic = base.Magic
	if hdr.Pixdim[1] == 0 {
		hdr.Pixdim = base.Pixdim
	}
	if int64(len(vol.Data)) != vol.NumVoxels() {
		return errors.Errorf("data length %d does not match dims %v", len(vol.Data), vol.Dims)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &hdr); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	// Empty extension block.
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	bpv, _ := bytesPerVoxel(hdr.Datatype)
	b := make([]byte, bpv)
	for _, v := range vol.Data {
		switch hdr.Datatype {
		case DTUint8:
			b[0] = uint8(math.Round(v))
		case DTInt8:
			b[0] = uint8(int8(math.Round(v)))
		case DTInt16:
			binary.LittleEndian.PutUint16(b, uint16(int16(math.Round(v))))
		case DTUint16:
			binary.LittleEndian.PutUint16(b, uint16(math.Round(v)))
		case DTInt32:
			binary.LittleEndian.PutUint32(b, uint32(int32(math.Round(v))))
		case DTUint32:
			binary.LittleEndian.PutUint32(b, uint32(math.Round(v)))
		case DTFloat32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case DTFloat64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		}
		if _, err := bw.Write(b); err != nil {
			return err
		}
	}
	return bw.Flush()
}
