// Package metric provides segmentation metrics and training losses.
package metric

import (
	"math"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

func values(x *ts.Tensor) []float64 {
	d := x.MustTotype(gotch.Double, false)
	vals := d.Float64Values()
	d.MustDrop()
	return vals
}

func binaryCounts(pred, target []float64) (inter, p, t float64) {
	for i := range pred {
		pi := pred[i] > 0.5
		ti := target[i] > 0.5
		if pi {
			p++
		}
		if ti {
			t++
		}
		if pi && ti {
			inter++
		}
	}
	return inter, p, t
}

// DiceCoeff computes 2|P∩T| / (|P|+|T|) of binary maps (values > 0.5 are
// foreground). Two empty maps score 1.
func DiceCoeff(pred, target *ts.Tensor) float64 {
	inter, p, t := binaryCounts(values(pred), values(target))
	if p+t == 0 {
		return 1
	}
	return 2 * inter / (p + t)
}

// DiceCoeffBatch averages DiceCoeff over the first (batch) dim.
func DiceCoeffBatch(pred, target *ts.Tensor) float64 {
	batch := pred.MustSize()[0]
	pv, tv := values(pred), values(target)
	n := len(pv) / int(batch)

	var sum float64
	for b := 0; b < int(batch); b++ {
		inter, p, t := binaryCounts(pv[b*n:(b+1)*n], tv[b*n:(b+1)*n])
		if p+t == 0 {
			sum += 1
			continue
		}
		sum += 2 * inter / (p + t)
	}
	return sum / float64(batch)
}

// IoU computes |P∩T| / |P∪T| of binary maps. Two empty maps score 1.
func IoU(pred, target *ts.Tensor) float64 {
	inter, p, t := binaryCounts(values(pred), values(target))
	union := p + t - inter
	if union == 0 {
		return 1
	}
	return inter / union
}

// classCounts returns per-class intersection and sizes of two label maps.
func classCounts(pred, target []float64, numClasses int) (inter, p, t []float64) {
	inter = make([]float64, numClasses)
	p = make([]float64, numClasses)
	t = make([]float64, numClasses)
	for i := range pred {
		pc, tc := int(pred[i]), int(target[i])
		if pc >= 0 && pc < numClasses {
			p[pc]++
		}
		if tc >= 0 && tc < numClasses {
			t[tc]++
		}
		if pc == tc && pc >= 0 && pc < numClasses {
			inter[pc]++
		}
	}
	return inter, p, t
}

// JaccardIndex is the mean IoU over classes [0, numClasses) of two label
// maps, skipping classes absent from both.
func JaccardIndex(pred, target *ts.Tensor, numClasses int) float64 {
	inter, p, t := classCounts(values(pred), values(target), numClasses)

	var sum float64
	var n int
	for c := 0; c < numClasses; c++ {
		union := p[c] + t[c] - inter[c]
		if union == 0 {
			continue
		}
		sum += inter[c] / union
		n++
	}
	if n == 0 {
		return 1
	}
	return sum / float64(n)
}

// MultiClassDice returns the Dice score of every class of two label maps.
// Classes absent from both maps score NaN.
func MultiClassDice(pred, target *ts.Tensor, numClasses int) []float64 {
	inter, p, t := classCounts(values(pred), values(target), numClasses)

	scores := make([]float64, numClasses)
	for c := range scores {
		if p[c]+t[c] == 0 {
			scores[c] = math.NaN()
			continue
		}
		scores[c] = 2 * inter[c] / (p[c] + t[c])
	}
	return scores
}

// MeanDice averages scores ignoring NaN entries, optionally skipping class 0
// (background).
func MeanDice(scores []float64, skipBackground bool) float64 {
	var sum float64
	var n int
	for c, s := range scores {
		if (skipBackground && c == 0) || math.IsNaN(s) {
			continue
		}
		sum += s
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Predictions converts [B C ...] logits into [B ...] class ids.
func Predictions(logits *ts.Tensor) *ts.Tensor {
	return logits.MustArgmax([]int64{1}, false, false)
}
