package unet

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fetaseg/base"
	"github.com/sugarme/fetaseg/encoder"
)

// DefaultInputSize is the slice size (H, W) the auxiliary heads are built for.
const DefaultInputSize int64 = 256

// AgeHidden is the hidden width of the gestational age head.
const AgeHidden int64 = 64

// MultiTaskModule is a network returning a segmentation map and one scalar
// per batch item.
type MultiTaskModule interface {
	ForwardT(x *ts.Tensor, train bool) (seg, scalar *ts.Tensor)
}

// UNet is a UNET model struct
// Ref: https://arxiv.org/abs/1505.04597
type UNet struct {
	encoder encoder.Encoder
	decoder *UNetDecoder
	segHead *nn.SequentialT
}

func newUNet(p *nn.Path, dims base.Dims, cIn, cOut int64) *UNet {
	return &UNet{
		encoder: encoder.NewUNetEncoder(p, dims, cIn),
		decoder: NewUNetDecoder(p, dims),
		segHead: base.NewSegmentationHead(p.Sub("conv_last"), dims, 64, cOut),
	}
}

// NewUNet creates a 2D UNet mapping cIn input channels to cOut class logits.
func NewUNet(p *nn.Path, cIn, cOut int64) *UNet {
	return newUNet(p, base.Dims2D, cIn, cOut)
}

// ForwardT implements ts.ModuleT for UNet struct.
// x: [B C H W] with H, W divisible by 8. Output: [B cOut H W] logits.
func (n *UNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	features := n.encoder.ForwardAll(x, train)
	out := n.decoder.ForwardFeatures(features, train)
	logits := n.segHead.ForwardT(out, train)

	for _, f := range features {
		f.MustDrop()
	}
	out.MustDrop()

	return logits
}

// UNet3D is the volumetric UNet: Conv3D blocks, 3D max pooling and
// trilinear upsampling.
type UNet3D struct {
	net *UNet
}

// NewUNet3D creates a UNet3D mapping cIn input channels to cOut class logits.
func NewUNet3D(p *nn.Path, cIn, cOut int64) *UNet3D {
	return &UNet3D{newUNet(p, base.Dims3D, cIn, cOut)}
}

// ForwardT implements ts.ModuleT for UNet3D.
// x: [B C D H W] with D, H, W divisible by 8. Output: [B cOut D H W] logits.
func (n *UNet3D) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return n.net.ForwardT(x, train)
}

func inputSize(opt []int64) (h, w int64) {
	h, w = DefaultInputSize, DefaultInputSize
	switch len(opt) {
	case 0:
	case 1:
		h, w = opt[0], opt[0]
	default:
		h, w = opt[0], opt[1]
	}
	if h <= 0 || w <= 0 || h%8 != 0 || w%8 != 0 {
		panic(fmt.Errorf("unet: input size %dx%d must be positive and divisible by 8", h, w))
	}
	return h, w
}

// UNetExtraTask is a 2D UNet with a gestational age head on the bottleneck:
// DoubleConv(512 -> 32), flatten, Linear(32*H/8*W/8 -> 64), ReLU, Linear(64 -> 1).
type UNetExtraTask struct {
	UNet
	ageHead *base.RegressionHead
}

// NewUNetExtraTask creates UNetExtraTask. The age head is sized for inputs
// of inputSizeOpt (H[, W]), 256x256 by default.
//
// The head reads the H/8 x W/8 bottleneck, so ga.linear1.weight has shape
// [64, 32*H/8*W/8] ([64, 32768] at 256x256). Checkpoints whose age head read
// an upsampled bottleneck (a [64, 32*64*64] weight at 256x256) do not load.
func NewUNetExtraTask(p *nn.Path, cIn, cOut int64, inputSizeOpt ...int64) *UNetExtraTask {
	h, w := inputSize(inputSizeOpt)
	return &UNetExtraTask{
		UNet:    *newUNet(p, base.Dims2D, cIn, cOut),
		ageHead: base.NewRegressionHead(p.Sub("ga"), 512, 32, []int64{h / 8, w / 8}, AgeHidden),
	}
}

// ForwardT returns segmentation logits [B cOut H W] and age [B 1].
func (n *UNetExtraTask) ForwardT(x *ts.Tensor, train bool) (seg, age *ts.Tensor) {
	features := n.encoder.ForwardAll(x, train)
	out := n.decoder.ForwardFeatures(features, train)
	seg = n.segHead.ForwardT(out, train)
	out.MustDrop()

	age = n.ageHead.ForwardT(features[3], train)

	for _, f := range features {
		f.MustDrop()
	}

	return seg, age
}

// UNetExtraOutput is a 2D UNet whose gestational age head reads the
// [B 128+64 H W] map feeding the last decoder block:
// DoubleConv(192 -> 16), flatten, Linear(16*H*W -> 64), ReLU, Linear(64 -> 1).
type UNetExtraOutput struct {
	UNet
	ageHead *base.RegressionHead
}

// NewUNetExtraOutput creates UNetExtraOutput. The age head is sized for
// inputs of inputSizeOpt (H[, W]), 256x256 by default.
func NewUNetExtraOutput(p *nn.Path, cIn, cOut int64, inputSizeOpt ...int64) *UNetExtraOutput {
	h, w := inputSize(inputSizeOpt)
	return &UNetExtraOutput{
		UNet:    *newUNet(p, base.Dims2D, cIn, cOut),
		ageHead: base.NewRegressionHead(p.Sub("ga"), 128+64, 16, []int64{h, w}, AgeHidden),
	}
}

// ForwardT returns segmentation logits [B cOut H W] and age [B 1].
func (n *UNetExtraOutput) ForwardT(x *ts.Tensor, train bool) (seg, age *ts.Tensor) {
	features := n.encoder.ForwardAll(x, train)
	out, tap := n.decoder.ForwardFeaturesTap(features, train)
	for _, f := range features {
		f.MustDrop()
	}

	seg = n.segHead.ForwardT(out, train)
	out.MustDrop()

	age = n.ageHead.ForwardT(tap, train)
	tap.MustDrop()

	return seg, age
}
