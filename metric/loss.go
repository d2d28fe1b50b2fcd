package metric

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// Reduction modes of libtorch losses.
const (
	ReductionNone int64 = 0
	ReductionMean int64 = 1
	ReductionSum  int64 = 2
)

// BCEWithLogitsLoss is mean binary cross entropy on logits.
// ref. https://pytorch.org/docs/master/nn.functional.html#torch.nn.functional.binary_cross_entropy_with_logits
func BCEWithLogitsLoss(logit, target *ts.Tensor) *ts.Tensor {
	logitR := logit.MustReshape([]int64{-1}, false)
	targetR := target.MustReshape([]int64{-1}, false).MustTotype(logit.DType(), true)

	loss := logitR.MustBinaryCrossEntropyWithLogits(targetR, ts.NewTensor(), ts.NewTensor(), ReductionMean, true)
	targetR.MustDrop()

	return loss
}

// CrossEntropyLoss is the mean multi-class cross entropy of logits [B C ...]
// against int64 class ids [B ...].
func CrossEntropyLoss(logits, target *ts.Tensor) *ts.Tensor {
	logp := logits.MustLogSoftmax(1, gotch.Float, false)
	idx := target.MustUnsqueeze(1, false)
	picked := logp.MustGather(1, idx, false, true)
	idx.MustDrop()

	return picked.MustMean(gotch.Float, true).MustNeg(true)
}

// MSELoss is the mean squared error between pred and target. target is
// reshaped to pred's shape.
func MSELoss(pred, target *ts.Tensor) *ts.Tensor {
	t := target.MustView(pred.MustSize(), false).MustTotype(pred.DType(), true)
	loss := pred.MustMseLoss(t, ReductionMean, false)
	t.MustDrop()

	return loss
}

// MultiTaskLoss combines segmentation cross entropy and a weighted
// regression MSE: CE(seg, label) + weight * MSE(pred, target).
func MultiTaskLoss(seg, label, pred, target *ts.Tensor, weight float64) *ts.Tensor {
	ce := CrossEntropyLoss(seg, label)
	mse := MSELoss(pred, target)
	weighted := mse.MustMulScalar(ts.FloatScalar(weight), true)
	loss := ce.MustAdd(weighted, true)
	weighted.MustDrop()

	return loss
}
