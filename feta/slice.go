package feta

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fetaseg/nifti"
)

// sliceRef addresses one 2D slice of one subject.
type sliceRef struct {
	subject int
	slice   int64
}

// SliceDataset exposes every 2D slice along Axis of a set of subjects, for
// training the 2D networks. Items are SliceSample values: image [1 H W],
// label [H W] and the subject's gestational age.
type SliceDataset struct {
	ds        *Dataset
	axis      int64
	refs      []sliceRef
	transform Transform
	target    Transform

	cacheSize int
	cache     map[int]*Sample
	order     []int // least recently used first
	loads     int
}

// SliceSample is one 2D training example.
type SliceSample struct {
	Image   *ts.Tensor
	Label   *ts.Tensor
	Age     float64
	Subject int
	Slice   int64
}

// Drop frees the sample tensors.
func (s SliceSample) Drop() {
	s.Image.MustDrop()
	s.Label.MustDrop()
}

// SliceOption configures a SliceDataset.
type SliceOption func(*sliceConfig)

type sliceConfig struct {
	skipEmpty bool
	transform Transform
	target    Transform
	cacheSize int
}

// SkipEmptySlices drops slices whose label map is all background.
func SkipEmptySlices() SliceOption {
	return func(c *sliceConfig) { c.skipEmpty = true }
}

// WithSliceTransforms sets transforms applied to each image and label slice.
func WithSliceTransforms(image, label Transform) SliceOption {
	return func(c *sliceConfig) {
		c.transform = image
		c.target = label
	}
}

// WithCacheSize sets how many decoded subjects are kept in memory (default 2).
func WithCacheSize(n int) SliceOption {
	return func(c *sliceConfig) { c.cacheSize = n }
}

// NewSliceDataset indexes the slices along axis (0, 1 or 2) of subjects.
// Volume headers are read to count slices; label volumes are read in full
// only when SkipEmptySlices is set.
func NewSliceDataset(ds *Dataset, subjects []int, axis int, opts ...SliceOption) (*SliceDataset, error) {
	if axis < 0 || axis > 2 {
		return nil, errors.Errorf("invalid slice axis %d", axis)
	}
	cfg := sliceConfig{cacheSize: 2}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cacheSize < 1 {
		cfg.cacheSize = 1
	}

	sd := &SliceDataset{
		ds:        ds,
		axis:      int64(axis),
		transform: cfg.transform,
		target:    cfg.target,
		cacheSize: cfg.cacheSize,
		cache:     make(map[int]*Sample),
	}

	for _, subject := range subjects {
		if err := ds.checkIndex(subject); err != nil {
			return nil, err
		}
		_, dims, err := nifti.ReadHeader(ds.layout.ImagePath(subject))
		if err != nil {
			return nil, err
		}
		if len(dims) < 3 {
			return nil, errors.Errorf("%v: expected a 3D volume, got dims %v", ds.layout.SubjectID(subject), dims)
		}
		if !cfg.skipEmpty {
			for k := int64(0); k < dims[axis]; k++ {
				sd.refs = append(sd.refs, sliceRef{subject, k})
			}
			continue
		}

		lbl, err := nifti.Read(ds.layout.LabelPath(subject))
		if err != nil {
			return nil, err
		}
		if len(lbl.Dims) < 3 {
			return nil, errors.Errorf("%v: expected a 3D label map, got dims %v", ds.layout.SubjectID(subject), lbl.Dims)
		}
		for _, k := range nonEmptySlices(lbl, axis) {
			sd.refs = append(sd.refs, sliceRef{subject, k})
		}
	}

	return sd, nil
}

// nonEmptySlices returns the indices along axis holding any foreground voxel.
func nonEmptySlices(vol *nifti.Volume, axis int) []int64 {
	dims := vol.Dims
	found := make([]bool, dims[axis])
	for z := int64(0); z < dims[2]; z++ {
		for y := int64(0); y < dims[1]; y++ {
			for x := int64(0); x < dims[0]; x++ {
				if vol.At(x, y, z) == 0 {
					continue
				}
				found[[3]int64{x, y, z}[axis]] = true
			}
		}
	}
	var idx []int64
	for k, ok := range found {
		if ok {
			idx = append(idx, int64(k))
		}
	}
	return idx
}

// Len returns the number of slices.
func (sd *SliceDataset) Len() int {
	return len(sd.refs)
}

// Groups returns the slice indices of every subject, in subject order.
func (sd *SliceDataset) Groups() [][]int {
	var groups [][]int
	for i, ref := range sd.refs {
		if i == 0 || ref.subject != sd.refs[i-1].subject {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], i)
	}
	return groups
}

// Loads returns how many subject volumes have been decoded so far.
func (sd *SliceDataset) Loads() int {
	return sd.loads
}

// Get returns slice idx.
func (sd *SliceDataset) Get(idx int) (*SliceSample, error) {
	if idx < 0 || idx >= len(sd.refs) {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "index %d, slice dataset size %d", idx, len(sd.refs))
	}
	ref := sd.refs[idx]

	vol, err := sd.subject(ref.subject)
	if err != nil {
		return nil, err
	}

	image := vol.Image.MustSelect(sd.axis, ref.slice, false).MustUnsqueeze(0, true)
	label := vol.Label.MustSelect(sd.axis, ref.slice, false)
	if sd.transform != nil {
		image = sd.transform(image)
	}
	if sd.target != nil {
		label = sd.target(label)
	}

	return &SliceSample{
		Image:   image,
		Label:   label,
		Age:     vol.Age,
		Subject: ref.subject,
		Slice:   ref.slice,
	}, nil
}

// Item implements dutil.Dataset.
func (sd *SliceDataset) Item(idx int) (interface{}, error) {
	s, err := sd.Get(idx)
	if err != nil {
		return nil, err
	}
	return *s, nil
}

// subject returns a decoded subject from the LRU cache, loading it on a miss.
func (sd *SliceDataset) subject(index int) (*Sample, error) {
	if s, ok := sd.cache[index]; ok {
		sd.touch(index)
		return s, nil
	}

	s, err := sd.ds.Get(index)
	if err != nil {
		return nil, err
	}
	sd.loads++
	if len(sd.order) >= sd.cacheSize {
		oldest := sd.order[0]
		sd.order = sd.order[1:]
		sd.cache[oldest].Drop()
		delete(sd.cache, oldest)
	}
	sd.cache[index] = s
	sd.order = append(sd.order, index)
	return s, nil
}

func (sd *SliceDataset) touch(index int) {
	for i, v := range sd.order {
		if v == index {
			sd.order = append(sd.order[:i], sd.order[i+1:]...)
			break
		}
	}
	sd.order = append(sd.order, index)
}

// Close frees cached subjects.
func (sd *SliceDataset) Close() {
	for k, s := range sd.cache {
		s.Drop()
		delete(sd.cache, k)
	}
	sd.order = nil
}
