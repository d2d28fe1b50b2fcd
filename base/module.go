package base

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv3d creates Conv3D module.
func Conv3d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv3D {
	config := nn.DefaultConv3DConfig()
	config.Stride = []int64{stride, stride, stride}
	config.Padding = []int64{padding, padding, padding}

	return nn.NewConv3D(p, cIn, cOut, ksize, config)
}

func relu() nn.Func {
	return nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	})
}

// DoubleConv creates a SequentialT of (Conv2D k3 p1 => ReLU) x 2.
// Spatial size is preserved. Variables are named "0" and "2" as in the
// equivalent PyTorch nn.Sequential.
func DoubleConv(p *nn.Path, cIn, cOut int64, cMidOpt ...int64) *nn.SequentialT {
	cMid := cOut
	if len(cMidOpt) > 0 {
		cMid = cMidOpt[0]
	}

	seq := nn.SeqT()
	seq.Add(Conv2d(p.Sub("0"), cIn, cMid, 3, 1, 1))
	seq.AddFn(relu())
	seq.Add(Conv2d(p.Sub("2"), cMid, cOut, 3, 1, 1))
	seq.AddFn(relu())

	return seq
}

// DoubleConv3D is the volumetric DoubleConv: (Conv3D k3 p1 => ReLU) x 2.
func DoubleConv3D(p *nn.Path, cIn, cOut int64, cMidOpt ...int64) *nn.SequentialT {
	cMid := cOut
	if len(cMidOpt) > 0 {
		cMid = cMidOpt[0]
	}

	seq := nn.SeqT()
	seq.Add(Conv3d(p.Sub("0"), cIn, cMid, 3, 1, 1))
	seq.AddFn(relu())
	seq.Add(Conv3d(p.Sub("2"), cMid, cOut, 3, 1, 1))
	seq.AddFn(relu())

	return seq
}

// Dims selects 2D or volumetric building blocks.
type Dims int

const (
	Dims2D Dims = 2
	Dims3D Dims = 3
)

// DoubleConvN creates a DoubleConv or DoubleConv3D depending on dims.
func DoubleConvN(dims Dims, p *nn.Path, cIn, cOut int64) *nn.SequentialT {
	if dims == Dims3D {
		return DoubleConv3D(p, cIn, cOut)
	}
	return DoubleConv(p, cIn, cOut)
}
