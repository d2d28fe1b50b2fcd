package unet

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fetaseg/base"
)

// Up is a decoder stage: 2x upsampling, concatenation with the matching
// encoder map and a DoubleConv.
type Up struct {
	dims       base.Dims
	DoubleConv *nn.SequentialT
}

// NewUp creates an Up stage whose DoubleConv takes cIn channels (upsampled
// + skip) down to cOut.
func NewUp(p *nn.Path, dims base.Dims, cIn, cOut int64) *Up {
	return &Up{
		dims:       dims,
		DoubleConv: base.DoubleConvN(dims, p, cIn, cOut),
	}
}

// Concat upsamples x and concatenates it with skip on the channel axis:
// [upsampled, skip].
func (l *Up) Concat(x, skip *ts.Tensor) *ts.Tensor {
	xUp := base.Upsample(x, l.dims)
	cat := ts.MustCat([]*ts.Tensor{xUp, skip}, 1)
	xUp.MustDrop()

	return cat
}

// UpForward upsamples x, concatenates skip and forwards through the DoubleConv.
func (l *Up) UpForward(x, skip *ts.Tensor, train bool) *ts.Tensor {
	cat := l.Concat(x, skip)
	out := l.DoubleConv.ForwardT(cat, train)
	cat.MustDrop()

	return out
}

// UNetDecoder is the expanding path of a UNet.
type UNetDecoder struct {
	Up3 *Up
	Up2 *Up
	Up1 *Up
}

// NewUNetDecoder creates UNetDecoder:
//
//	dconv_up3: 512 + 256 -> 256
//	dconv_up2: 256 + 128 -> 128
//	dconv_up1: 128 +  64 ->  64
func NewUNetDecoder(p *nn.Path, dims base.Dims) *UNetDecoder {
	return &UNetDecoder{
		Up3: NewUp(p.Sub("dconv_up3"), dims, 512+256, 256),
		Up2: NewUp(p.Sub("dconv_up2"), dims, 256+128, 128),
		Up1: NewUp(p.Sub("dconv_up1"), dims, 128+64, 64),
	}
}

// ForwardFeatures decodes encoder features (skip1, skip2, skip3, bottleneck)
// into a [B 64 H W] map. Features are not freed.
func (d *UNetDecoder) ForwardFeatures(features []*ts.Tensor, train bool) *ts.Tensor {
	out, _ := d.forward(features, train, false)
	return out
}

// ForwardFeaturesTap is ForwardFeatures that also returns the [B 128+64 H W]
// concatenation feeding the last DoubleConv. The caller owns both tensors.
func (d *UNetDecoder) ForwardFeaturesTap(features []*ts.Tensor, train bool) (out, tap *ts.Tensor) {
	return d.forward(features, train, true)
}

func (d *UNetDecoder) forward(features []*ts.Tensor, train bool, keepTap bool) (out, tap *ts.Tensor) {
	if len(features) != 4 {
		panic("unet: expected 4 encoder feature maps")
	}
	conv1, conv2, conv3, bottleneck := features[0], features[1], features[2], features[3]

	z3 := d.Up3.UpForward(bottleneck, conv3, train) // [B 256 H/4 W/4]
	z2 := d.Up2.UpForward(z3, conv2, train)         // [B 128 H/2 W/2]
	z3.MustDrop()
	cat := d.Up1.Concat(z2, conv1) // [B 192 H W]
	z2.MustDrop()
	out = d.Up1.DoubleConv.ForwardT(cat, train) // [B 64 H W]

	if !keepTap {
		cat.MustDrop()
		return out, nil
	}
	return out, cat
}
