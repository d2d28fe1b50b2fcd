package encoder

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fetaseg/base"
)

// Channels are the feature widths of the four encoder stages.
var Channels = []int64{64, 128, 256, 512}

var _ Encoder = (*UNetEncoder)(nil)

// UNetEncoder is the contracting path of a UNet: four DoubleConv stages
// with a 2x max pooling between consecutive stages.
type UNetEncoder struct {
	dims  base.Dims
	Down1 *nn.SequentialT
	Down2 *nn.SequentialT
	Down3 *nn.SequentialT
	Down4 *nn.SequentialT
}

// NewUNetEncoder creates a UNetEncoder for cIn input channels. Variables
// live under dconv_down1 .. dconv_down4.
func NewUNetEncoder(p *nn.Path, dims base.Dims, cIn int64) *UNetEncoder {
	return &UNetEncoder{
		dims:  dims,
		Down1: base.DoubleConvN(dims, p.Sub("dconv_down1"), cIn, Channels[0]),
		Down2: base.DoubleConvN(dims, p.Sub("dconv_down2"), Channels[0], Channels[1]),
		Down3: base.DoubleConvN(dims, p.Sub("dconv_down3"), Channels[1], Channels[2]),
		Down4: base.DoubleConvN(dims, p.Sub("dconv_down4"), Channels[2], Channels[3]),
	}
}

// ForwardAll implements Encoder. It returns the three pre-pooling skip maps
// and the bottleneck:
//
//	[B  64 H   W  ]
//	[B 128 H/2 W/2]
//	[B 256 H/4 W/4]
//	[B 512 H/8 W/8]
func (e *UNetEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	conv1 := e.Down1.ForwardT(x, train)
	x1 := base.MaxPool(conv1, e.dims)

	conv2 := e.Down2.ForwardT(x1, train)
	x1.MustDrop()
	x2 := base.MaxPool(conv2, e.dims)

	conv3 := e.Down3.ForwardT(x2, train)
	x2.MustDrop()
	x3 := base.MaxPool(conv3, e.dims)

	bottleneck := e.Down4.ForwardT(x3, train)
	x3.MustDrop()

	return []*ts.Tensor{conv1, conv2, conv3, bottleneck}
}
