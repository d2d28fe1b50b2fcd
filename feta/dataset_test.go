package feta_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fetaseg/feta"
	"github.com/sugarme/fetaseg/nifti"
)

var fixtureDims = []int64{6, 5, 4}

func fixtureAge(i int) float64 {
	return 20 + float64(i)/10
}

// writeParticipants writes a participants table with n rows.
func writeParticipants(t *testing.T, root string, n int) {
	var sb strings.Builder
	sb.WriteString("participant_id\tPathology\tGestational age\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "sub-%03d\tNeurotypical\t%.1f\n", i+1, fixtureAge(i))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, feta.ParticipantsFile), []byte(sb.String()), 0644))
}

// writeSubject writes image and label volumes of subject index. Image voxel
// values encode their position and the subject; labels are 1 on z == 1 and
// background elsewhere.
func writeSubject(t *testing.T, root string, index int) {
	layout := feta.Layout{Root: root}
	require.NoError(t, os.MkdirAll(filepath.Dir(layout.ImagePath(index)), 0755))

	imgHdr, err := nifti.NewHeader(fixtureDims, nifti.DTFloat32)
	require.NoError(t, err)
	lblHdr, err := nifti.NewHeader(fixtureDims, nifti.DTUint8)
	require.NoError(t, err)

	img := &nifti.Volume{Header: imgHdr, Dims: fixtureDims}
	lbl := &nifti.Volume{Header: lblHdr, Dims: fixtureDims}
	img.Data = make([]float64, img.NumVoxels())
	lbl.Data = make([]float64, lbl.NumVoxels())
	for z := int64(0); z < fixtureDims[2]; z++ {
		for y := int64(0); y < fixtureDims[1]; y++ {
			for x := int64(0); x < fixtureDims[0]; x++ {
				i := x + fixtureDims[0]*(y+fixtureDims[1]*z)
				img.Data[i] = float64(1000*index) + float64(100*x+10*y+z)
				if z == 1 {
					lbl.Data[i] = float64(1 + x%7)
				}
			}
		}
	}
	require.NoError(t, nifti.Write(layout.ImagePath(index), img))
	require.NoError(t, nifti.Write(layout.LabelPath(index), lbl))
}

// newFixture builds a FeTA directory with 80 participants and volumes for
// the first nSubjects subjects.
func newFixture(t *testing.T, nSubjects int) string {
	root := t.TempDir()
	writeParticipants(t, root, feta.DefaultSize)
	for i := 0; i < nSubjects; i++ {
		writeSubject(t, root, i)
	}
	return root
}

func TestLayout(t *testing.T) {
	l := feta.Layout{Root: "/data/feta"}
	assert.Equal(t, "sub-001", l.SubjectID(0))
	assert.Equal(t, "sub-080", l.SubjectID(79))
	assert.Equal(t, "/data/feta/sub-012/anat/sub-012_rec-mial_T2w.nii.gz", l.ImagePath(11))
	assert.Equal(t, "/data/feta/sub-012/anat/sub-012_rec-mial_dseg.nii.gz", l.LabelPath(11))
	assert.Equal(t, "/data/feta/participants.tsv", l.ParticipantsPath())
}

func TestReadParticipants(t *testing.T) {
	root := t.TempDir()
	writeParticipants(t, root, 5)

	ps, err := feta.ReadParticipants(filepath.Join(root, feta.ParticipantsFile))
	require.NoError(t, err)
	require.Len(t, ps, 5)
	assert.Equal(t, "sub-003", ps[2].ID)
	assert.InDelta(t, 20.2, ps[2].GestationalAge, 1e-9)
}

func TestNewDatasetErrors(t *testing.T) {
	t.Run("missing table", func(t *testing.T) {
		_, err := feta.NewDataset(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("malformed age", func(t *testing.T) {
		root := t.TempDir()
		content := "participant_id\tPathology\tGestational age\nsub-001\tNeurotypical\tunknown\n"
		require.NoError(t, os.WriteFile(filepath.Join(root, feta.ParticipantsFile), []byte(content), 0644))
		_, err := feta.NewDataset(root, feta.WithSize(1))
		assert.Error(t, err)
	})

	t.Run("too few rows", func(t *testing.T) {
		root := t.TempDir()
		writeParticipants(t, root, 10)
		_, err := feta.NewDataset(root)
		assert.Error(t, err)

		ds, err := feta.NewDataset(root, feta.WithSize(10))
		require.NoError(t, err)
		assert.Equal(t, 10, ds.Len())
	})
}

func TestDatasetGet(t *testing.T) {
	root := newFixture(t, 2)
	ds, err := feta.NewDataset(root)
	require.NoError(t, err)
	assert.Equal(t, 80, ds.Len())
	assert.Equal(t, 8, ds.NumClasses())

	for i := 0; i < 2; i++ {
		s, err := ds.Get(i)
		require.NoError(t, err)
		assert.Equal(t, fixtureDims, s.Image.MustSize())
		assert.Equal(t, s.Image.MustSize(), s.Label.MustSize())
		assert.Equal(t, gotch.Float, s.Image.DType())
		assert.Equal(t, gotch.Int64, s.Label.DType())
		assert.InDelta(t, fixtureAge(i), s.Age, 1e-9)
		assert.InDelta(t, float64(1000*i+321), s.Image.MustFloat64Value([]int64{3, 2, 1}), 1e-3)
		assert.Equal(t, int64(4), s.Label.MustInt64Value([]int64{3, 2, 1}))
		s.Drop()
	}

	age, err := ds.Age(79)
	require.NoError(t, err)
	assert.InDelta(t, fixtureAge(79), age, 1e-9)
}

func TestDatasetIndexOutOfRange(t *testing.T) {
	ds, err := feta.NewDataset(newFixture(t, 0))
	require.NoError(t, err)

	for _, idx := range []int{-1, 80} {
		_, err := ds.Get(idx)
		assert.True(t, errors.Is(err, feta.ErrIndexOutOfRange), "index %d", idx)
		_, err = ds.Item(idx)
		assert.True(t, errors.Is(err, feta.ErrIndexOutOfRange), "index %d", idx)
	}
}

func TestDatasetMissingFiles(t *testing.T) {
	ds, err := feta.NewDataset(newFixture(t, 1))
	require.NoError(t, err)

	_, err = ds.Get(5)
	require.Error(t, err)
	assert.False(t, errors.Is(err, feta.ErrIndexOutOfRange))
	assert.True(t, os.IsNotExist(errors.Cause(err)))
}

func TestDatasetTransforms(t *testing.T) {
	root := newFixture(t, 1)
	raw, err := feta.NewDataset(root)
	require.NoError(t, err)

	double := func(x *ts.Tensor) *ts.Tensor {
		return x.MustMulScalar(ts.FloatScalar(2), true)
	}
	shift := func(x *ts.Tensor) *ts.Tensor {
		return x.MustAddScalar(ts.IntScalar(10), true)
	}
	ds, err := feta.NewDataset(root, feta.WithTransform(double), feta.WithTargetTransform(shift))
	require.NoError(t, err)

	want, err := raw.Get(0)
	require.NoError(t, err)
	defer want.Drop()
	got, err := ds.Get(0)
	require.NoError(t, err)
	defer got.Drop()

	wantImg := double(want.Image.MustShallowClone()).Float64Values()
	assert.Equal(t, wantImg, got.Image.Float64Values())
	wantLbl := shift(want.Label.MustShallowClone()).Int64Values()
	assert.Equal(t, wantLbl, got.Label.Int64Values())
	assert.Equal(t, want.Age, got.Age)
}

func TestSplit(t *testing.T) {
	train, valid, err := feta.Split(80, 0.2, 42)
	require.NoError(t, err)
	assert.Len(t, valid, 16)
	assert.Len(t, train, 64)

	seen := make(map[int]bool)
	for _, i := range append(append([]int{}, train...), valid...) {
		assert.False(t, seen[i], "subject %d in both sets", i)
		seen[i] = true
	}
	assert.Len(t, seen, 80)

	train2, valid2, err := feta.Split(80, 0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, train, train2)
	assert.Equal(t, valid, valid2)

	_, _, err = feta.Split(80, 1, 42)
	assert.Error(t, err)
}
