package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/fetaseg/feta"
	"github.com/sugarme/fetaseg/unet"
)

// network wraps the single and multi-task architectures behind one forward.
type network struct {
	arch      string
	seg       ts.ModuleT
	multiTask unet.MultiTaskModule
}

// newNetwork builds arch on p. size is the 2D slice size the age heads are
// sized for.
func newNetwork(p *nn.Path, arch string, size int64) (*network, error) {
	n := &network{arch: arch}
	switch arch {
	case ArchUNet:
		n.seg = unet.NewUNet(p, 1, feta.NumClasses)
	case ArchUNet3D:
		n.seg = unet.NewUNet3D(p, 1, feta.NumClasses)
	case ArchUNetExtraTask:
		n.multiTask = unet.NewUNetExtraTask(p, 1, feta.NumClasses, size)
	case ArchUNetExtraOutput:
		n.multiTask = unet.NewUNetExtraOutput(p, 1, feta.NumClasses, size)
	default:
		return nil, errors.Errorf("unknown arch %q", arch)
	}
	return n, nil
}

// HasAge reports whether the network predicts gestational age.
func (n *network) HasAge() bool {
	return n.multiTask != nil
}

// ForwardT returns segmentation logits and, for multi-task nets, age [B 1].
func (n *network) ForwardT(x *ts.Tensor, train bool) (seg, age *ts.Tensor) {
	if n.multiTask != nil {
		return n.multiTask.ForwardT(x, train)
	}
	return n.seg.ForwardT(x, train), nil
}

// numParams counts trainable values in vs.
func numParams(vs *nn.VarStore) int64 {
	var n int64
	for _, v := range vs.Variables() {
		numel := int64(1)
		for _, d := range v.MustSize() {
			numel *= d
		}
		n += numel
	}
	return n
}

// printVars print variables sorted by name
func printVars(vs *nn.VarStore) {
	vars := vs.Variables()
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		v := vars[n]
		fmt.Printf("%-40v %v\n", n, v.MustSize())
	}
}

// loadNetwork builds arch and loads weights from cfg.ModelPath.
func loadNetwork(cfg Config) (*nn.VarStore, *network, error) {
	vs := nn.NewVarStore(cfg.Device)
	net, err := newNetwork(vs.Root(), cfg.Arch, int64(cfg.Size))
	if err != nil {
		return nil, nil, err
	}
	if err := vs.Load(cfg.ModelPath); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to load weights %q", cfg.ModelPath)
	}
	klog.Infof("loaded %v weights from %v", cfg.Arch, cfg.ModelPath)
	return vs, net, nil
}

// runCheckModel builds the selected arch, prints its variables and runs a
// dummy forward pass.
func runCheckModel(cfg Config) error {
	vs := nn.NewVarStore(cfg.Device)
	net, err := newNetwork(vs.Root(), cfg.Arch, int64(cfg.Size))
	if err != nil {
		return err
	}

	if klog.V(1).Enabled() {
		printVars(vs)
	}
	klog.Infof("%v: %v parameters", cfg.Arch, humanize.Comma(numParams(vs)))

	shape := dummyShape(cfg.Arch, int64(cfg.Size))
	x := ts.MustRand(shape, gotch.Float, cfg.Device)
	ts.NoGrad(func() {
		seg, age := net.ForwardT(x, false)
		klog.Infof("input %v -> segmentation %v", shape, seg.MustSize())
		seg.MustDrop()
		if age != nil {
			klog.Infof("gestational age %v", age.MustSize())
			age.MustDrop()
		}
	})
	x.MustDrop()

	return nil
}

// dummyShape returns the input shape of a check forward pass. 3D nets get a
// cube of about size/4, rounded up to a multiple of 8.
func dummyShape(arch string, size int64) []int64 {
	if arch != ArchUNet3D {
		return []int64{1, 1, size, size}
	}
	// a full 256^3 volume does not fit a default CPU run
	d := (size/4 + 7) / 8 * 8
	if d < 8 {
		d = 8
	}
	return []int64{1, 1, d, d, d}
}
