package feta_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fetaseg/dutil"
	"github.com/sugarme/fetaseg/feta"
	"github.com/sugarme/fetaseg/nifti"
)

func TestSliceDataset(t *testing.T) {
	ds, err := feta.NewDataset(newFixture(t, 3))
	require.NoError(t, err)

	for axis := 0; axis < 3; axis++ {
		sd, err := feta.NewSliceDataset(ds, []int{0, 2}, axis)
		require.NoError(t, err)
		assert.Equal(t, 2*int(fixtureDims[axis]), sd.Len())

		last, err := sd.Get(sd.Len() - 1)
		require.NoError(t, err)
		assert.Equal(t, 2, last.Subject)
		assert.Equal(t, fixtureDims[axis]-1, last.Slice)
		assert.InDelta(t, fixtureAge(2), last.Age, 1e-9)

		var want []int64
		for i, d := range fixtureDims {
			if i != axis {
				want = append(want, d)
			}
		}
		assert.Equal(t, append([]int64{1}, want...), last.Image.MustSize())
		assert.Equal(t, want, last.Label.MustSize())
		last.Drop()
		sd.Close()
	}
}

func TestSliceDatasetSkipEmpty(t *testing.T) {
	ds, err := feta.NewDataset(newFixture(t, 2))
	require.NoError(t, err)

	sd, err := feta.NewSliceDataset(ds, []int{0, 1}, 2, feta.SkipEmptySlices())
	require.NoError(t, err)
	defer sd.Close()
	// Only z == 1 carries foreground.
	assert.Equal(t, 2, sd.Len())

	s, err := sd.Get(1)
	require.NoError(t, err)
	defer s.Drop()
	assert.Equal(t, 1, s.Subject)
	assert.Equal(t, int64(1), s.Slice)
	// Pixel (x=3, y=2) of slice z=1.
	assert.InDelta(t, 1321.0, s.Image.MustFloat64Value([]int64{0, 3, 2}), 1e-3)
}

func TestSliceDatasetTransformsAndErrors(t *testing.T) {
	ds, err := feta.NewDataset(newFixture(t, 1))
	require.NoError(t, err)

	_, err = feta.NewSliceDataset(ds, []int{0}, 3)
	assert.Error(t, err)
	_, err = feta.NewSliceDataset(ds, []int{80}, 0)
	assert.Error(t, err)
	_, err = feta.NewSliceDataset(ds, []int{1}, 0)
	assert.Error(t, err, "subject without files")

	sd, err := feta.NewSliceDataset(ds, []int{0}, 2,
		feta.WithSliceTransforms(feta.ResizeImage(8, 10), feta.ResizeLabel(8, 10)),
		feta.WithCacheSize(1),
	)
	require.NoError(t, err)
	defer sd.Close()

	s, err := sd.Get(1)
	require.NoError(t, err)
	defer s.Drop()
	assert.Equal(t, []int64{1, 8, 10}, s.Image.MustSize())
	assert.Equal(t, []int64{8, 10}, s.Label.MustSize())

	for _, v := range s.Label.Int64Values() {
		assert.True(t, v >= 1 && v <= 7, "unexpected class %d", v)
	}

	_, err = sd.Get(sd.Len())
	assert.Error(t, err)
}

func TestNormalizeIntensity(t *testing.T) {
	x := ts.MustOfSlice([]float32{1, 2, 3, 4})
	y := feta.NormalizeIntensity(x)
	defer y.MustDrop()

	vals := y.Float64Values()
	var mean float64
	for _, v := range vals {
		mean += v
	}
	assert.InDelta(t, 0, mean/4, 1e-6)
	assert.InDelta(t, -1.3416, vals[0], 1e-3)
}

func TestResizeImageKeepsRange(t *testing.T) {
	x := ts.MustOfSlice([]float32{0, 10, 20, 30}).MustView([]int64{1, 2, 2}, true)
	y := feta.ResizeImage(4, 4)(x)
	defer y.MustDrop()

	assert.Equal(t, []int64{1, 4, 4}, y.MustSize())
	for _, v := range y.Float64Values() {
		assert.True(t, v >= -1e-3 && v <= 30+1e-3, "value %v out of range", v)
	}
}

func TestSliceDatasetCacheEviction(t *testing.T) {
	ds, err := feta.NewDataset(newFixture(t, 2))
	require.NoError(t, err)

	sd, err := feta.NewSliceDataset(ds, []int{0, 1}, 2, feta.WithCacheSize(1))
	require.NoError(t, err)
	defer sd.Close()
	require.Equal(t, 8, sd.Len())

	// Slices 0..3 belong to subject 0, 4..7 to subject 1.
	for _, idx := range []int{1, 5, 2, 6, 3, 7, 0} {
		s, err := sd.Get(idx)
		require.NoError(t, err)
		subject, z := idx/4, int64(idx%4)
		assert.Equal(t, subject, s.Subject)
		assert.InDelta(t, float64(1000*subject+320)+float64(z), s.Image.MustFloat64Value([]int64{0, 3, 2}), 1e-3, "slice %d", idx)
		s.Drop()
	}
	assert.Equal(t, 7, sd.Loads())

	// Subject 0 is the cached one now.
	s, err := sd.Get(1)
	require.NoError(t, err)
	s.Drop()
	assert.Equal(t, 7, sd.Loads())
}

func TestSliceDatasetGroupedEpoch(t *testing.T) {
	ds, err := feta.NewDataset(newFixture(t, 3))
	require.NoError(t, err)

	sd, err := feta.NewSliceDataset(ds, []int{0, 1, 2}, 0)
	require.NoError(t, err)
	defer sd.Close()

	groups := sd.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, groups[0])
	assert.Len(t, groups[2], int(fixtureDims[0]))

	s, err := dutil.NewGroupedBatchSampler(groups, 4, false, true, 3)
	require.NoError(t, err)
	dl, err := dutil.NewDataLoader(sd, s)
	require.NoError(t, err)

	for epoch := 0; epoch < 2; epoch++ {
		dl.Reset()
		seen := 0
		for dl.HasNext() {
			items, err := dl.Next()
			require.NoError(t, err)
			for _, item := range items.([]feta.SliceSample) {
				item.Drop()
				seen++
			}
		}
		assert.Equal(t, sd.Len(), seen)
	}
	// Each subject is decoded at most once per epoch.
	assert.LessOrEqual(t, sd.Loads(), 2*3)
}

func TestSliceDatasetRejects2D(t *testing.T) {
	root := newFixture(t, 0)
	layout := feta.Layout{Root: root}
	require.NoError(t, os.MkdirAll(filepath.Dir(layout.ImagePath(0)), 0755))
	for _, path := range []string{layout.ImagePath(0), layout.LabelPath(0)} {
		hdr, err := nifti.NewHeader([]int64{6, 5}, nifti.DTUint8)
		require.NoError(t, err)
		vol := &nifti.Volume{Header: hdr, Dims: []int64{6, 5}, Data: make([]float64, 30)}
		vol.Data[7] = 1
		require.NoError(t, nifti.Write(path, vol))
	}

	ds, err := feta.NewDataset(root)
	require.NoError(t, err)
	for _, opts := range [][]feta.SliceOption{nil, {feta.SkipEmptySlices()}} {
		_, err := feta.NewSliceDataset(ds, []int{0}, 2, opts...)
		assert.Error(t, err)
	}
}
