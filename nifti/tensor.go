package nifti

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// reversed returns dims in reverse order and the permutation that maps a
// C-ordered tensor of reversed dims back to (X, Y, Z, ...) indexing.
func reversed(dims []int64) (shape, perm []int64) {
	n := len(dims)
	shape = make([]int64, n)
	perm = make([]int64, n)
	for i := 0; i < n; i++ {
		shape[i] = dims[n-1-i]
		perm[i] = int64(n - 1 - i)
	}
	return shape, perm
}

// Tensor converts the volume into a tensor indexed [x, y, z], the same
// indexing nibabel gives. Supported dtypes are gotch.Float, gotch.Double and
// gotch.Int64 (values rounded towards zero).
func (v *Volume) Tensor(dtype gotch.DType) (*ts.Tensor, error) {
	shape, perm := reversed(v.Dims)

	var data interface{}
	switch dtype {
	case gotch.Float:
		d := make([]float32, len(v.Data))
		for i, x := range v.Data {
			d[i] = float32(x)
		}
		data = d
	case gotch.Double:
		data = v.Data
	case gotch.Int64:
		d := make([]int64, len(v.Data))
		for i, x := range v.Data {
			d[i] = int64(x)
		}
		data = d
	default:
		return nil, errors.Errorf("unsupported tensor dtype %v", dtype)
	}

	x, err := ts.NewTensorFromData(data, shape)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tensor from volume")
	}
	if len(perm) == 1 {
		return x, nil
	}

	return x.MustPermute(perm, true).MustContiguous(true), nil
}

// VolumeFromTensor builds a volume from a tensor indexed [x, y, z, ...].
// Geometry (pixdim, qform/sform) is copied from ref when given.
func VolumeFromTensor(x *ts.Tensor, datatype int16, ref *Volume) (*Volume, error) {
	dims := x.MustSize()
	hdr, err := NewHeader(dims, datatype)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		geom := ref.Header
		hdr.Pixdim = geom.Pixdim
		hdr.XyztUnits = geom.XyztUnits
		hdr.QformCode, hdr.SformCode = geom.QformCode, geom.SformCode
		hdr.QuaternB, hdr.QuaternC, hdr.QuaternD = geom.QuaternB, geom.QuaternC, geom.QuaternD
		hdr.QoffsetX, hdr.QoffsetY, hdr.QoffsetZ = geom.QoffsetX, geom.QoffsetY, geom.QoffsetZ
		hdr.SrowX, hdr.SrowY, hdr.SrowZ = geom.SrowX, geom.SrowY, geom.SrowZ
	}

	_, perm := reversed(dims)
	var flat *ts.Tensor
	if len(perm) == 1 {
		flat = x.MustTotype(gotch.Double, false)
	} else {
		flat = x.MustPermute(perm, false).MustContiguous(true).MustTotype(gotch.Double, true)
	}
	data := flat.Float64Values()
	flat.MustDrop()

	return &Volume{Header: hdr, Dims: dims, Data: data}, nil
}
