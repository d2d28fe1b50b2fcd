// Package feta loads the FeTA (Fetal Tissue Annotation) fetal brain MRI dataset.
package feta

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/fetaseg/nifti"
)

const (
	// DefaultSize is the number of subjects in FeTA 2.0.
	DefaultSize = 80
	// NumClasses is 7 tissue classes plus background.
	NumClasses = 8
)

// ErrIndexOutOfRange is returned for an index outside [0, Len()).
var ErrIndexOutOfRange = errors.New("index out of range")

// Transform is applied to a tensor returned by the dataset. It takes
// ownership of its input.
type Transform func(x *ts.Tensor) *ts.Tensor

// Sample is one subject: T2w image [X Y Z] (float), label map [X Y Z]
// (int64 class ids) and gestational age in weeks.
type Sample struct {
	Image *ts.Tensor
	Label *ts.Tensor
	Age   float64
}

// Drop frees the sample tensors.
func (s Sample) Drop() {
	if s.Image != nil {
		s.Image.MustDrop()
	}
	if s.Label != nil {
		s.Label.MustDrop()
	}
}

// Dataset implements dutil.Dataset over FeTA subjects.
type Dataset struct {
	layout          Layout
	size            int
	numClasses      int
	ages            []float64
	transform       Transform
	targetTransform Transform
}

// Option configures a Dataset.
type Option func(*Dataset)

// WithTransform sets the transform applied to every image.
func WithTransform(t Transform) Option {
	return func(ds *Dataset) { ds.transform = t }
}

// WithTargetTransform sets the transform applied to every label map.
func WithTargetTransform(t Transform) Option {
	return func(ds *Dataset) { ds.targetTransform = t }
}

// WithSize overrides the number of subjects (80 by default).
func WithSize(n int) Option {
	return func(ds *Dataset) { ds.size = n }
}

// NewDataset indexes the FeTA dataset under dataPath. Gestational ages are
// read once from participants.tsv; volumes are read lazily by Get.
func NewDataset(dataPath string, opts ...Option) (*Dataset, error) {
	ds := &Dataset{
		layout:     Layout{Root: dataPath},
		size:       DefaultSize,
		numClasses: NumClasses,
	}
	for _, opt := range opts {
		opt(ds)
	}
	if ds.size <= 0 {
		return nil, errors.Errorf("invalid dataset size %d", ds.size)
	}

	participants, err := ReadParticipants(ds.layout.ParticipantsPath())
	if err != nil {
		return nil, err
	}
	if len(participants) < ds.size {
		return nil, errors.Errorf("%q lists %d participants, dataset needs %d",
			ds.layout.ParticipantsPath(), len(participants), ds.size)
	}
	ds.ages = GestationalAges(participants)

	klog.V(1).Infof("FeTA dataset at %q: %d subjects, %d classes", dataPath, ds.size, ds.numClasses)
	return ds, nil
}

// Len returns the number of subjects.
func (ds *Dataset) Len() int {
	return ds.size
}

// NumClasses returns the number of label classes, background included.
func (ds *Dataset) NumClasses() int {
	return ds.numClasses
}

// Layout returns the path layout of the dataset.
func (ds *Dataset) Layout() Layout {
	return ds.layout
}

// Age returns the cached gestational age of subject index.
func (ds *Dataset) Age(index int) (float64, error) {
	if err := ds.checkIndex(index); err != nil {
		return 0, err
	}
	return ds.ages[index], nil
}

func (ds *Dataset) checkIndex(index int) error {
	if index < 0 || index >= ds.size {
		return errors.Wrapf(ErrIndexOutOfRange, "index %d, dataset size %d", index, ds.size)
	}
	return nil
}

// Get loads image, label map and gestational age of subject index. Both
// volumes are read from disk on every call.
func (ds *Dataset) Get(index int) (*Sample, error) {
	if err := ds.checkIndex(index); err != nil {
		return nil, err
	}

	imgVol, err := nifti.Read(ds.layout.ImagePath(index))
	if err != nil {
		return nil, err
	}
	lblVol, err := nifti.Read(ds.layout.LabelPath(index))
	if err != nil {
		return nil, err
	}
	if !reflect.DeepEqual(imgVol.Dims, lblVol.Dims) {
		return nil, errors.Errorf("%v: image dims %v do not match label dims %v",
			ds.layout.SubjectID(index), imgVol.Dims, lblVol.Dims)
	}

	image, err := imgVol.Tensor(gotch.Float)
	if err != nil {
		return nil, err
	}
	label, err := lblVol.Tensor(gotch.Int64)
	if err != nil {
		image.MustDrop()
		return nil, err
	}

	image, label = ds.applyTransforms(image, label)

	return &Sample{Image: image, Label: label, Age: ds.ages[index]}, nil
}

func (ds *Dataset) applyTransforms(image, label *ts.Tensor) (*ts.Tensor, *ts.Tensor) {
	if ds.transform != nil {
		image = ds.transform(image)
	}
	if ds.targetTransform != nil {
		label = ds.targetTransform(label)
	}
	return image, label
}

// Item implements dutil.Dataset.
func (ds *Dataset) Item(idx int) (interface{}, error) {
	s, err := ds.Get(idx)
	if err != nil {
		return nil, err
	}
	return *s, nil
}
