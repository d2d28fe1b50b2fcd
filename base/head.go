package base

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// NewSegmentationHead creates the final 1x1 convolution mapping features to
// unactivated class logits.
func NewSegmentationHead(p *nn.Path, dims Dims, cIn, cOut int64) *nn.SequentialT {
	seq := nn.SeqT()
	if dims == Dims3D {
		seq.Add(Conv3d(p, cIn, cOut, 1, 0, 1))
	} else {
		seq.Add(Conv2d(p, cIn, cOut, 1, 0, 1))
	}

	return seq
}

// RegressionHead predicts one scalar per batch item from a feature map:
// DoubleConv => flatten => Linear => ReLU => Linear.
type RegressionHead struct {
	Conv    *nn.SequentialT
	Linear1 *nn.Linear
	Linear2 *nn.Linear
}

// NewRegressionHead creates a RegressionHead for inputs of cIn channels and
// spatial size spatial (H, W). The DoubleConv reduces to cMid channels; the
// flattened cMid*H*W features go through a hidden layer of size hidden.
func NewRegressionHead(p *nn.Path, cIn, cMid int64, spatial []int64, hidden int64) *RegressionHead {
	flat := cMid
	for _, s := range spatial {
		flat *= s
	}

	return &RegressionHead{
		Conv:    DoubleConv(p.Sub("conv"), cIn, cMid),
		Linear1: nn.NewLinear(p.Sub("linear1"), flat, hidden, nn.DefaultLinearConfig()),
		Linear2: nn.NewLinear(p.Sub("linear2"), hidden, 1, nn.DefaultLinearConfig()),
	}
}

// ForwardT implements ts.ModuleT. Output shape is [B 1].
func (h *RegressionHead) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	conv := h.Conv.ForwardT(x, train)
	batch := conv.MustSize()[0]
	flat := conv.MustReshape([]int64{batch, -1}, true)
	l1 := h.Linear1.Forward(flat)
	flat.MustDrop()
	act := l1.MustRelu(true)
	out := h.Linear2.Forward(act)
	act.MustDrop()

	return out
}
