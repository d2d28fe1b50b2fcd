package main

import (
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/ts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/sugarme/fetaseg/feta"
	"github.com/sugarme/fetaseg/nifti"
	"github.com/sugarme/fetaseg/viz"
)

// runInspect prints a summary of one subject and saves its middle slice as
// image, label map and overlay.
func runInspect(cfg Config) error {
	ds, err := feta.NewDataset(cfg.DataPath, feta.WithSize(cfg.Subjects))
	if err != nil {
		return err
	}
	layout := ds.Layout()

	hdr, dims, err := nifti.ReadHeader(layout.ImagePath(cfg.Subject))
	if err != nil {
		return err
	}
	s, err := ds.Get(cfg.Subject)
	if err != nil {
		return err
	}
	defer s.Drop()

	numel := int64(1)
	for _, d := range dims {
		numel *= d
	}
	klog.Infof("%v: dims %v, pixdim %v, %v voxels (%v as float64)", layout.SubjectID(cfg.Subject),
		dims, hdr.Pixdim[1:len(dims)+1], humanize.Comma(numel), humanize.Bytes(uint64(numel)*8))
	klog.Infof("image %v %v, label %v %v, gestational age %.1f weeks",
		s.Image.MustSize(), s.Image.DType(), s.Label.MustSize(), s.Label.DType(), s.Age)

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", cfg.OutDir)
	}

	axis := int64(cfg.Axis)
	mid := s.Image.MustSize()[axis] / 2
	return saveSlice(s.Image, s.Label, axis, mid, filepath.Join(cfg.OutDir, layout.SubjectID(cfg.Subject)))
}

// saveSlice writes <prefix>_image.png, <prefix>_label.png and
// <prefix>_overlay.png for slice index along axis.
func saveSlice(image, label *ts.Tensor, axis, index int64, prefix string) error {
	gray, err := viz.SliceImage(image, axis, index)
	if err != nil {
		return err
	}
	lbl, err := viz.LabelImage(label, axis, index)
	if err != nil {
		return err
	}

	if err := viz.SaveImage(viz.Orient(gray, 1), prefix+"_image.png"); err != nil {
		return err
	}
	if err := viz.SaveImage(viz.Orient(lbl, 1), prefix+"_label.png"); err != nil {
		return err
	}
	if err := viz.SaveImage(viz.Orient(viz.Overlay(gray, lbl, 0.5), 1), prefix+"_overlay.png"); err != nil {
		return err
	}
	klog.Infof("saved slice %d along axis %d to %v_*.png", index, axis, prefix)
	return nil
}

// runEDA plots the gestational age distribution of the participants.
func runEDA(cfg Config) error {
	layout := feta.Layout{Root: cfg.DataPath}
	participants, err := feta.ReadParticipants(layout.ParticipantsPath())
	if err != nil {
		return err
	}
	ages := feta.GestationalAges(participants)
	if len(ages) == 0 {
		return errors.Errorf("no participants in %v", layout.ParticipantsPath())
	}

	lo, hi := floats.Min(ages), floats.Max(ages)
	mean, std := stat.MeanStdDev(ages, nil)
	klog.Infof("%d participants, gestational age %.1f-%.1f weeks (mean %.2f, sd %.2f)", len(ages), lo, hi, mean, std)

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", cfg.OutDir)
	}
	path := filepath.Join(cfg.OutDir, "age-histo.png")
	if err := viz.AgeHistogram(ages, cfg.Bins, path); err != nil {
		return err
	}
	klog.Infof("saved %v", path)
	return nil
}
