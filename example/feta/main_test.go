package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/fetaseg/feta"
)

func validConfig() Config {
	return Config{
		Task:      "train",
		Arch:      ArchUNetExtraTask,
		Opt:       "Adam",
		LR:        0.001,
		BatchSize: 4,
		Epochs:    1,
		Size:      64,
		Axis:      2,
		ValidFrac: 0.2,
		Subjects:  feta.DefaultSize,
		Device:    gotch.CPU,
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	for name, mutate := range map[string]func(c *Config){
		"task":      func(c *Config) { c.Task = "image" },
		"arch":      func(c *Config) { c.Arch = "resnet34" },
		"optimizer": func(c *Config) { c.Opt = "RMSProp" },
		"size":      func(c *Config) { c.Size = 100 },
		"axis":      func(c *Config) { c.Axis = 3 },
		"subject":   func(c *Config) { c.Subject = feta.DefaultSize },
		"train 3D":  func(c *Config) { c.Arch = ArchUNet3D },
		"lr":        func(c *Config) { c.LR = 0 },
		"valid":     func(c *Config) { c.ValidFrac = 1 },
	} {
		c := validConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}

	// 3D is fine outside training.
	c := validConfig()
	c.Task, c.Arch = "predict", ArchUNet3D
	assert.NoError(t, c.Validate())
}

func TestNetwork(t *testing.T) {
	for _, arch := range []string{ArchUNet, ArchUNetExtraTask, ArchUNetExtraOutput} {
		vs := nn.NewVarStore(gotch.CPU)
		net, err := newNetwork(vs.Root(), arch, 16)
		require.NoError(t, err, arch)
		assert.Equal(t, arch != ArchUNet, net.HasAge(), arch)
		assert.True(t, numParams(vs) > 0)

		x := ts.MustRand([]int64{2, 1, 16, 16}, gotch.Float, gotch.CPU)
		seg, age := net.ForwardT(x, false)
		assert.Equal(t, []int64{2, feta.NumClasses, 16, 16}, seg.MustSize(), arch)
		if net.HasAge() {
			assert.Equal(t, []int64{2, 1}, age.MustSize(), arch)
			age.MustDrop()
		} else {
			assert.Nil(t, age)
		}
		seg.MustDrop()
		x.MustDrop()
	}

	_, err := newNetwork(nn.NewVarStore(gotch.CPU).Root(), "resnet34", 16)
	assert.Error(t, err)
}

func TestStackBatch(t *testing.T) {
	batch := make([]feta.SliceSample, 3)
	for i := range batch {
		batch[i] = feta.SliceSample{
			Image: ts.MustOnes([]int64{1, 8, 8}, gotch.Float, gotch.CPU),
			Label: ts.MustZeros([]int64{8, 8}, gotch.Int64, gotch.CPU),
			Age:   float64(25 + i),
		}
	}

	image, label, age := stackBatch(batch, gotch.CPU)
	assert.Equal(t, []int64{3, 1, 8, 8}, image.MustSize())
	assert.Equal(t, []int64{3, 8, 8}, label.MustSize())
	assert.Equal(t, []float64{25, 26, 27}, age.MustTotype(gotch.Double, false).Float64Values())
}

func TestOtherDims(t *testing.T) {
	assert.Equal(t, []int64{5, 4}, otherDims([]int64{6, 5, 4}, 0))
	assert.Equal(t, []int64{6, 4}, otherDims([]int64{6, 5, 4}, 1))
	assert.Equal(t, []int64{6, 5}, otherDims([]int64{6, 5, 4}, 2))
}

func TestDummyShape(t *testing.T) {
	assert.Equal(t, []int64{1, 1, 64, 64}, dummyShape(ArchUNet, 64))
	assert.Equal(t, []int64{1, 1, 64, 64, 64}, dummyShape(ArchUNet3D, 256))
	for _, size := range []int64{8, 16, 24, 40, 64, 72} {
		shape := dummyShape(ArchUNet3D, size)
		assert.Equal(t, int64(0), shape[2]%8, "size %d", size)
		assert.True(t, shape[2] >= 8, "size %d", size)
	}
}

func TestCheckModel3D(t *testing.T) {
	cfg := validConfig()
	cfg.Task, cfg.Arch, cfg.Size = "model", ArchUNet3D, 16
	require.NoError(t, cfg.Validate())
	assert.NoError(t, runCheckModel(cfg))
}

func TestTrainStep(t *testing.T) {
	cfg := validConfig()
	vs := nn.NewVarStore(gotch.CPU)
	net, err := newNetwork(vs.Root(), ArchUNet, 16)
	require.NoError(t, err)
	opt, err := buildOptimizer(vs, cfg)
	require.NoError(t, err)

	w := vs.Variables()["conv_last.weight"]
	before := w.MustTotype(gotch.Double, false).Float64Values()

	image := ts.MustRand([]int64{2, 1, 16, 16}, gotch.Float, gotch.CPU)
	label := ts.MustZeros([]int64{2, 16, 16}, gotch.Int64, gotch.CPU)
	age := ts.MustZeros([]int64{2}, gotch.Float, gotch.CPU)
	defer func() {
		image.MustDrop()
		label.MustDrop()
		age.MustDrop()
	}()

	loss, err := trainStep(net, opt, image, label, age, cfg.AgeWeight)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.True(t, loss > 0)

	w = vs.Variables()["conv_last.weight"]
	after := w.MustTotype(gotch.Double, false).Float64Values()
	assert.NotEqual(t, before, after)
}

func TestCheckpointTracker(t *testing.T) {
	nan := math.NaN()
	best := newCheckpointTracker()
	for i, c := range []struct {
		dice, loss float64
		want       bool
	}{
		// no foreground Dice yet: the lowest loss wins
		{nan, 1.0, true},
		{nan, 2.0, false},
		{nan, 0.5, true},
		// the first defined Dice always wins, then only higher Dice
		{0.3, 3.0, true},
		{0.2, 0.1, false},
		{nan, 0.05, false},
		{0.4, 1.0, true},
	} {
		res := &validation{MeanDice: c.dice, Loss: c.loss}
		assert.Equal(t, c.want, best.Improved(res), "result %d", i)
	}
}
