package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/fetaseg/dutil"
	"github.com/sugarme/fetaseg/feta"
	"github.com/sugarme/fetaseg/metric"
	"github.com/sugarme/fetaseg/viz"
)

func buildOptimizer(vs *nn.VarStore, cfg Config) (*nn.Optimizer, error) {
	switch cfg.Opt {
	case "SGD":
		return nn.DefaultSGDConfig().Build(vs, cfg.LR)
	case "Adam":
		return nn.DefaultAdamConfig().Build(vs, cfg.LR)
	default:
		return nil, errors.Errorf("unspecified/invalid optimizer option %q", cfg.Opt)
	}
}

// newSliceDataset builds the normalized, resized slice dataset of subjects.
func newSliceDataset(ds *feta.Dataset, subjects []int, cfg Config) (*feta.SliceDataset, error) {
	return feta.NewSliceDataset(ds, subjects, cfg.Axis,
		feta.SkipEmptySlices(),
		feta.WithSliceTransforms(feta.ResizeImage(cfg.Size, cfg.Size), feta.ResizeLabel(cfg.Size, cfg.Size)),
	)
}

// stackBatch stacks slices into image [B 1 H W], label [B H W] and age [B]
// on device. The samples are dropped.
func stackBatch(batch []feta.SliceSample, device gotch.Device) (image, label, age *ts.Tensor) {
	images := make([]*ts.Tensor, len(batch))
	labels := make([]*ts.Tensor, len(batch))
	ages := make([]float32, len(batch))
	for i, s := range batch {
		images[i] = s.Image
		labels[i] = s.Label
		ages[i] = float32(s.Age)
	}

	image = ts.MustStack(images, 0).MustTo(device, true)
	label = ts.MustStack(labels, 0).MustTo(device, true)
	age = ts.MustOfSlice(ages).MustTo(device, true)
	for _, s := range batch {
		s.Drop()
	}
	return image, label, age
}

// step runs a forward pass and returns the loss, segmentation logits and
// predicted age (nil for single task nets).
func step(net *network, image, label, age *ts.Tensor, ageWeight float64, train bool) (loss, seg, agePred *ts.Tensor) {
	seg, agePred = net.ForwardT(image, train)
	if agePred != nil {
		loss = metric.MultiTaskLoss(seg, label, agePred, age, ageWeight)
	} else {
		loss = metric.CrossEntropyLoss(seg, label)
	}
	return loss, seg, agePred
}

func runTrain(cfg Config) error {
	ds, err := feta.NewDataset(cfg.DataPath, feta.WithSize(cfg.Subjects), feta.WithTransform(feta.NormalizeIntensity))
	if err != nil {
		return err
	}
	trainIdx, validIdx, err := feta.Split(ds.Len(), cfg.ValidFrac, cfg.Seed)
	if err != nil {
		return err
	}
	klog.Infof("subjects: %d train, %d validation", len(trainIdx), len(validIdx))

	trainDS, err := newSliceDataset(ds, trainIdx, cfg)
	if err != nil {
		return err
	}
	defer trainDS.Close()

	var validDS *feta.SliceDataset
	if len(validIdx) > 0 {
		validDS, err = newSliceDataset(ds, validIdx, cfg)
		if err != nil {
			return err
		}
		defer validDS.Close()
	}

	// one subject at a time, slices shuffled within it
	s, err := dutil.NewGroupedBatchSampler(trainDS.Groups(), cfg.BatchSize, true, true, cfg.Seed)
	if err != nil {
		return err
	}
	trainDL, err := dutil.NewDataLoader(trainDS, s)
	if err != nil {
		return err
	}

	vs := nn.NewVarStore(cfg.Device)
	net, err := newNetwork(vs.Root(), cfg.Arch, int64(cfg.Size))
	if err != nil {
		return err
	}
	opt, err := buildOptimizer(vs, cfg)
	if err != nil {
		return err
	}
	klog.Infof("%v: %v parameters, %v training slices in %d batches", cfg.Arch,
		humanize.Comma(numParams(vs)), humanize.Comma(int64(trainDS.Len())), trainDL.Len())

	if err := os.MkdirAll(filepath.Dir(cfg.ModelPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create model directory")
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", cfg.OutDir)
	}

	var (
		trainLosses, validLosses []float64
		best                     = newCheckpointTracker()
	)
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		trainDL.Reset()
		bar := progressbar.Default(int64(trainDL.Len()), fmt.Sprintf("epoch %d/%d", epoch, cfg.Epochs))

		var sum float64
		count := 0
		for trainDL.HasNext() {
			items, err := trainDL.Next()
			if err != nil {
				return err
			}
			image, label, age := stackBatch(items.([]feta.SliceSample), cfg.Device)

			l, err := trainStep(net, opt, image, label, age, cfg.AgeWeight)
			image.MustDrop()
			label.MustDrop()
			age.MustDrop()
			if err != nil {
				return errors.Wrapf(err, "epoch %d, batch %d", epoch, count+1)
			}
			sum += l
			count++

			if cfg.Device == gotch.CPU && klog.V(2).Enabled() {
				klog.Infof("batch %d loss %.5f, used RAM %v", count, l, humanize.Bytes(usedRAM()))
			}
			_ = bar.Add(1)
		}
		_ = bar.Finish()

		trainLoss := sum / float64(count)
		trainLosses = append(trainLosses, trainLoss)

		if validDS == nil {
			klog.Infof("epoch %d: train loss %.5f", epoch, trainLoss)
			if err := vs.Save(cfg.ModelPath); err != nil {
				return errors.Wrapf(err, "failed to save %q", cfg.ModelPath)
			}
			continue
		}

		res, err := validate(net, validDS, cfg)
		if err != nil {
			return err
		}
		validLosses = append(validLosses, res.Loss)
		msg := fmt.Sprintf("epoch %d: train loss %.5f, valid loss %.5f, mean dice %.4f", epoch, trainLoss, res.Loss, res.MeanDice)
		if net.HasAge() {
			msg += fmt.Sprintf(", age MAE %.2f weeks", res.AgeMAE)
		}
		klog.Info(msg)
		klog.V(1).Infof("per-class dice %.4f", res.Dice)

		if best.Improved(res) {
			if err := vs.Save(cfg.ModelPath); err != nil {
				return errors.Wrapf(err, "failed to save %q", cfg.ModelPath)
			}
			klog.Infof("saved checkpoint %v", cfg.ModelPath)
		}
	}

	return viz.LossCurve(trainLosses, validLosses, filepath.Join(cfg.OutDir, "loss.png"))
}

// trainStep runs one optimizer step on a batch and returns its loss.
func trainStep(net *network, opt *nn.Optimizer, image, label, age *ts.Tensor, ageWeight float64) (float64, error) {
	loss, seg, agePred := step(net, image, label, age, ageWeight, true)
	defer func() {
		seg.MustDrop()
		if agePred != nil {
			agePred.MustDrop()
		}
		loss.MustDrop()
	}()

	if err := opt.BackwardStep(loss); err != nil {
		return 0, errors.Wrap(err, "optimizer step failed")
	}
	return loss.Float64Values()[0], nil
}

// checkpointTracker decides whether a validation result is the best so far.
// Mean foreground Dice ranks results; until some epoch has a defined Dice
// (no foreground predicted or labelled yet) the lowest loss does.
type checkpointTracker struct {
	dice float64
	loss float64
}

func newCheckpointTracker() *checkpointTracker {
	return &checkpointTracker{dice: math.Inf(-1), loss: math.Inf(1)}
}

// Improved reports whether res beats the best result seen, recording it if so.
func (c *checkpointTracker) Improved(res *validation) bool {
	if !math.IsNaN(res.MeanDice) {
		if res.MeanDice > c.dice {
			c.dice = res.MeanDice
			return true
		}
		return false
	}
	if math.IsInf(c.dice, -1) && res.Loss < c.loss {
		c.loss = res.Loss
		return true
	}
	return false
}

// validation holds averaged validation results.
type validation struct {
	Loss     float64
	Dice     []float64 // per class, NaN when a class never occurs
	MeanDice float64   // foreground classes only
	AgeMAE   float64
}

func validate(net *network, ds *feta.SliceDataset, cfg Config) (*validation, error) {
	s, err := dutil.NewBatchSampler(ds.Len(), cfg.BatchSize, false, false) // no shuffle
	if err != nil {
		return nil, err
	}
	dl, err := dutil.NewDataLoader(ds, s)
	if err != nil {
		return nil, err
	}

	var (
		lossSum, ageErr float64
		nBatches, nAges int
		diceSum         = make([]float64, feta.NumClasses)
		diceCount       = make([]int, feta.NumClasses)
	)
	for dl.HasNext() {
		items, err := dl.Next()
		if err != nil {
			return nil, err
		}
		image, label, age := stackBatch(items.([]feta.SliceSample), cfg.Device)

		ts.NoGrad(func() {
			loss, seg, agePred := step(net, image, label, age, cfg.AgeWeight, false)
			lossSum += loss.Float64Values()[0]
			nBatches++

			pred := metric.Predictions(seg)
			for c, d := range metric.MultiClassDice(pred, label, feta.NumClasses) {
				if !math.IsNaN(d) {
					diceSum[c] += d
					diceCount[c]++
				}
			}
			pred.MustDrop()

			if agePred != nil {
				p := agePred.MustTotype(gotch.Double, true)
				a := age.MustTotype(gotch.Double, false)
				targets := a.Float64Values()
				for i, v := range p.Float64Values() {
					ageErr += math.Abs(v - targets[i])
					nAges++
				}
				p.MustDrop()
				a.MustDrop()
			}
			seg.MustDrop()
			loss.MustDrop()
		})
		image.MustDrop()
		label.MustDrop()
		age.MustDrop()
	}

	res := &validation{Dice: make([]float64, feta.NumClasses)}
	if nBatches > 0 {
		res.Loss = lossSum / float64(nBatches)
	}
	for c := range diceSum {
		if diceCount[c] == 0 {
			res.Dice[c] = math.NaN()
			continue
		}
		res.Dice[c] = diceSum[c] / float64(diceCount[c])
	}
	res.MeanDice = metric.MeanDice(res.Dice, true)
	if nAges > 0 {
		res.AgeMAE = ageErr / float64(nAges)
	}
	return res, nil
}
