package base

import (
	"github.com/sugarme/gotch/ts"
)

// MaxPool halves every spatial dim of x ([B C H W] or [B C D H W]) with a
// kernel 2, stride 2 max pooling.
func MaxPool(x *ts.Tensor, dims Dims) *ts.Tensor {
	if dims == Dims3D {
		return x.MustMaxPool3d([]int64{2, 2, 2}, []int64{2, 2, 2}, []int64{0, 0, 0}, []int64{1, 1, 1}, false, false)
	}
	return x.MustMaxPool2d([]int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false, false)
}

// Upsample doubles every spatial dim of x with bilinear (2D) or trilinear
// (3D) interpolation, corners aligned.
func Upsample(x *ts.Tensor, dims Dims) *ts.Tensor {
	size := x.MustSize()
	outSize := make([]int64, 0, len(size)-2)
	for _, s := range size[2:] {
		outSize = append(outSize, 2*s)
	}

	if dims == Dims3D {
		return x.MustUpsampleTrilinear3d(outSize, true, nil, nil, nil, false)
	}
	return x.MustUpsampleBilinear2d(outSize, true, nil, nil, false)
}
