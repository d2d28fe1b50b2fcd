package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/fetaseg/feta"
	"github.com/sugarme/fetaseg/metric"
	"github.com/sugarme/fetaseg/nifti"
)

// runPredict segments one subject and writes the label map as NIfTI next to
// a middle slice overlay. Dice against the reference labels is logged.
func runPredict(cfg Config) error {
	_, net, err := loadNetwork(cfg)
	if err != nil {
		return err
	}

	ds, err := feta.NewDataset(cfg.DataPath, feta.WithSize(cfg.Subjects), feta.WithTransform(feta.NormalizeIntensity))
	if err != nil {
		return err
	}
	layout := ds.Layout()
	ref, err := nifti.Read(layout.ImagePath(cfg.Subject))
	if err != nil {
		return err
	}
	s, err := ds.Get(cfg.Subject)
	if err != nil {
		return err
	}
	defer s.Drop()

	var pred *ts.Tensor
	if cfg.Arch == ArchUNet3D {
		pred, err = predictVolume(net, s.Image, cfg)
	} else {
		pred, err = predictSlices(net, s.Image, cfg)
	}
	if err != nil {
		return err
	}
	defer pred.MustDrop()

	scores := metric.MultiClassDice(pred, s.Label, feta.NumClasses)
	klog.Infof("%v: mean dice %.4f, per class %.4f", layout.SubjectID(cfg.Subject), metric.MeanDice(scores, true), scores)

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", cfg.OutDir)
	}
	prefix := filepath.Join(cfg.OutDir, layout.SubjectID(cfg.Subject)+"_pred")
	vol, err := nifti.VolumeFromTensor(pred, nifti.DTUint8, ref)
	if err != nil {
		return err
	}
	if err := nifti.Write(prefix+"_dseg.nii.gz", vol); err != nil {
		return err
	}
	klog.Infof("saved %v_dseg.nii.gz", prefix)

	axis := int64(cfg.Axis)
	return saveSlice(s.Image, pred, axis, pred.MustSize()[axis]/2, prefix)
}

// predictSlices runs a 2D network on every slice along cfg.Axis of image
// [X Y Z] and returns class ids [X Y Z].
func predictSlices(net *network, image *ts.Tensor, cfg Config) (*ts.Tensor, error) {
	axis := int64(cfg.Axis)
	size := image.MustSize()
	if len(size) != 3 {
		return nil, errors.Errorf("expected a 3D volume, got shape %v", size)
	}
	toNet := feta.ResizeImage(cfg.Size, cfg.Size)
	hw := otherDims(size, axis)
	fromNet := feta.ResizeLabel(int(hw[0]), int(hw[1]))

	var slices []*ts.Tensor
	for i := int64(0); i < size[axis]; i++ {
		x := toNet(image.MustSelect(axis, i, false).MustUnsqueeze(0, true)).MustUnsqueeze(0, true).MustTo(cfg.Device, true)

		var ids *ts.Tensor
		ts.NoGrad(func() {
			seg, age := net.ForwardT(x, false)
			if age != nil {
				age.MustDrop()
			}
			ids = metric.Predictions(seg).MustTo(gotch.CPU, true)
			seg.MustDrop()
		})
		x.MustDrop()

		slices = append(slices, fromNet(ids).MustSelect(0, 0, true))
	}

	pred := ts.MustStack(slices, axis)
	for _, x := range slices {
		x.MustDrop()
	}
	return pred, nil
}

// otherDims returns the two dims of size not on axis.
func otherDims(size []int64, axis int64) []int64 {
	var dims []int64
	for i, d := range size {
		if int64(i) != axis {
			dims = append(dims, d)
		}
	}
	return dims
}

// predictVolume runs UNet3D on the whole image [X Y Z] and returns class
// ids [X Y Z].
func predictVolume(net *network, image *ts.Tensor, cfg Config) (*ts.Tensor, error) {
	size := image.MustSize()
	for _, d := range size {
		if d%8 != 0 {
			return nil, errors.Errorf("volume shape %v must be divisible by 8", size)
		}
	}

	x := image.MustView(append([]int64{1, 1}, size...), false).MustTo(cfg.Device, true)
	var pred *ts.Tensor
	ts.NoGrad(func() {
		seg, _ := net.ForwardT(x, false)
		pred = metric.Predictions(seg).MustSelect(0, 0, true).MustTo(gotch.CPU, true)
		seg.MustDrop()
	})
	x.MustDrop()

	return pred, nil
}
