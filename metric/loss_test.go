package metric_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fetaseg/metric"
)

var (
	pslice = []int64{1, 0, 0, 1, 0, 0, 1, 0, 0}
	tslice = []int64{1, 0, 0, 1, 1, 0, 1, 0, 0}
)

func predTarget() (pred, target *ts.Tensor) {
	pred = ts.MustOfSlice(pslice).MustView([]int64{1, 3, 3}, true)
	target = ts.MustOfSlice(tslice).MustView([]int64{1, 3, 3}, true)
	return pred, target
}

func TestDiceCoeff(t *testing.T) {
	pred, target := predTarget()
	assert.InDelta(t, 0.8571, metric.DiceCoeff(pred, target), 1e-4)
	assert.InDelta(t, 0.8571, metric.DiceCoeffBatch(pred, target), 1e-4)

	empty := ts.MustZeros([]int64{1, 3, 3}, gotch.Float, gotch.CPU)
	assert.Equal(t, 1.0, metric.DiceCoeff(empty, empty))
}

func TestIoU(t *testing.T) {
	pred, target := predTarget()
	assert.InDelta(t, 0.75, metric.IoU(pred, target), 1e-9)
}

func TestJaccardIndex(t *testing.T) {
	pred, target := predTarget()
	// class 0: 5/6, class 1: 3/4
	assert.InDelta(t, (5.0/6+0.75)/2, metric.JaccardIndex(pred, target, 2), 1e-9)
}

func TestMultiClassDice(t *testing.T) {
	pred := ts.MustOfSlice([]int64{0, 1, 1, 2, 2, 2})
	target := ts.MustOfSlice([]int64{0, 1, 2, 2, 2, 0})

	scores := metric.MultiClassDice(pred, target, 4)
	assert.InDelta(t, 2.0/3, scores[0], 1e-9)
	assert.InDelta(t, 2.0/3, scores[1], 1e-9)
	assert.InDelta(t, 2.0/3, scores[2], 1e-9)
	assert.True(t, math.IsNaN(scores[3]))

	assert.InDelta(t, 2.0/3, metric.MeanDice(scores, true), 1e-9)
	assert.True(t, math.IsNaN(metric.MeanDice([]float64{0.5, math.NaN()}, true)))
}

func TestBatchDice(t *testing.T) {
	pred := ts.MustOfSlice([]float32{1, 1, 0, 0}).MustView([]int64{2, 2}, true)
	target := ts.MustOfSlice([]float32{1, 1, 1, 0}).MustView([]int64{2, 2}, true)
	// item 0: 1.0, item 1: 0
	assert.InDelta(t, 0.5, metric.DiceCoeffBatch(pred, target), 1e-9)
}

func TestCrossEntropyLoss(t *testing.T) {
	logits := ts.MustZeros([]int64{2, 8, 4, 4}, gotch.Float, gotch.CPU)
	target := ts.MustZeros([]int64{2, 4, 4}, gotch.Int64, gotch.CPU)

	loss := metric.CrossEntropyLoss(logits, target)
	assert.InDelta(t, math.Log(8), loss.Float64Values()[0], 1e-5)
}

func TestPredictions(t *testing.T) {
	logits := ts.MustOfSlice([]float32{0, 5, 1, 3, 0, 2}).MustView([]int64{1, 3, 2}, true)
	pred := metric.Predictions(logits)
	assert.Equal(t, []int64{1, 2}, pred.MustSize())
	assert.Equal(t, []int64{1, 0}, pred.Int64Values())
}

func TestMultiTaskLoss(t *testing.T) {
	logits := ts.MustZeros([]int64{1, 2, 2, 2}, gotch.Float, gotch.CPU)
	label := ts.MustZeros([]int64{1, 2, 2}, gotch.Int64, gotch.CPU)
	pred := ts.MustOfSlice([]float32{30, 32}).MustView([]int64{2, 1}, true)
	age := ts.MustOfSlice([]float64{29, 34})

	mse := metric.MSELoss(pred, age)
	assert.InDelta(t, 2.5, mse.Float64Values()[0], 1e-5)

	loss := metric.MultiTaskLoss(logits, label, pred, age, 0.1)
	assert.InDelta(t, math.Log(2)+0.25, loss.Float64Values()[0], 1e-5)
}

func TestBCEWithLogitsLoss(t *testing.T) {
	logit := ts.MustZeros([]int64{4}, gotch.Float, gotch.CPU)
	target := ts.MustOfSlice([]float32{1, 0, 1, 0})

	loss := metric.BCEWithLogitsLoss(logit, target)
	assert.InDelta(t, math.Log(2), loss.Float64Values()[0], 1e-5)
}
