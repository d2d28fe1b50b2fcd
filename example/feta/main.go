package main

import (
	"flag"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"k8s.io/klog/v2"

	"github.com/sugarme/fetaseg/feta"
)

// Arch names.
const (
	ArchUNet            = "unet"
	ArchUNet3D          = "unet3d"
	ArchUNetExtraTask   = "unet-extratask"
	ArchUNetExtraOutput = "unet-extraoutput"
)

// Config holds flag values for all tasks.
type Config struct {
	Task      string
	DataPath  string
	ModelPath string
	OutDir    string
	Arch      string
	Cuda      bool
	Device    gotch.Device

	// hyperparameters
	Opt       string  // optimizer: SGD or Adam
	LR        float64 // learning rate
	BatchSize int
	Epochs    int
	Size      int     // slice size fed to 2D networks
	Axis      int     // slicing axis
	AgeWeight float64 // weight of the age MSE in the multi-task loss
	ValidFrac float64 // fraction of subjects held out for validation
	Subjects  int     // number of subjects in the dataset
	Subject   int     // subject index for inspect and predict
	Seed      int64
	Bins      int // histogram bins
}

var cfg Config

func init() {
	flag.StringVar(&cfg.Task, "task", "inspect", "specify task to run: inspect, eda, model, train or predict")
	flag.StringVar(&cfg.DataPath, "input", "./feta_2.1", "specify FeTA data directory")
	flag.StringVar(&cfg.ModelPath, "model", "./model/feta-unet.gt", "specify full path to model weight file.")
	flag.StringVar(&cfg.OutDir, "output", "./output", "specify output directory for images and predictions")
	flag.StringVar(&cfg.Arch, "arch", ArchUNet, "specify network: unet, unet3d, unet-extratask or unet-extraoutput")
	flag.BoolVar(&cfg.Cuda, "cuda", false, "specify whether using CUDA or not.")
	flag.StringVar(&cfg.Opt, "opt", "Adam", "specify optimizer type")
	flag.Float64Var(&cfg.LR, "lr", 0.001, "specify learning rate")
	flag.IntVar(&cfg.BatchSize, "batch", 8, "specify batch size")
	flag.IntVar(&cfg.Epochs, "epochs", 10, "specify number of epochs")
	flag.IntVar(&cfg.Size, "size", 256, "specify slice size (must be divisible by 8)")
	flag.IntVar(&cfg.Axis, "axis", 2, "specify slicing axis (0, 1 or 2)")
	flag.Float64Var(&cfg.AgeWeight, "age-weight", 0.01, "specify weight of the gestational age loss")
	flag.Float64Var(&cfg.ValidFrac, "valid", 0.2, "specify fraction of subjects used for validation")
	flag.IntVar(&cfg.Subjects, "subjects", feta.DefaultSize, "specify number of subjects")
	flag.IntVar(&cfg.Subject, "subject", 0, "specify subject index for inspect and predict")
	flag.Int64Var(&cfg.Seed, "seed", 42, "specify random seed")
	flag.IntVar(&cfg.Bins, "bins", 10, "specify number of histogram bins")
}

// Validate checks flag values against the selected task.
func (c *Config) Validate() error {
	switch c.Task {
	case "inspect", "eda", "model", "train", "predict":
	default:
		return errors.Errorf("unknown task %q", c.Task)
	}
	switch c.Arch {
	case ArchUNet, ArchUNet3D, ArchUNetExtraTask, ArchUNetExtraOutput:
	default:
		return errors.Errorf("unknown arch %q", c.Arch)
	}
	switch c.Opt {
	case "SGD", "Adam":
	default:
		return errors.Errorf("unspecified/invalid optimizer option %q", c.Opt)
	}
	if c.Size <= 0 || c.Size%8 != 0 {
		return errors.Errorf("size %d must be positive and divisible by 8", c.Size)
	}
	if c.Axis < 0 || c.Axis > 2 {
		return errors.Errorf("invalid axis %d", c.Axis)
	}
	if c.Subjects <= 0 {
		return errors.Errorf("invalid number of subjects %d", c.Subjects)
	}
	if c.Subject < 0 || c.Subject >= c.Subjects {
		return errors.Errorf("subject %d out of range [0, %d)", c.Subject, c.Subjects)
	}
	if c.Task == "train" {
		if c.Arch == ArchUNet3D {
			return errors.New("training is slice based; choose a 2D arch")
		}
		if c.LR <= 0 || c.BatchSize <= 0 || c.Epochs <= 0 {
			return errors.Errorf("lr, batch and epochs must be positive (got %v, %d, %d)", c.LR, c.BatchSize, c.Epochs)
		}
		if c.ValidFrac < 0 || c.ValidFrac >= 1 {
			return errors.Errorf("valid fraction %v must be in [0, 1)", c.ValidFrac)
		}
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid flags: %v", err)
	}

	cfg.DataPath = absPath(cfg.DataPath)
	cfg.ModelPath = absPath(cfg.ModelPath)
	cfg.OutDir = absPath(cfg.OutDir)

	cfg.Device = gotch.CPU
	if cfg.Cuda {
		cfg.Device = gotch.CudaIfAvailable()
	}

	var err error
	switch cfg.Task {
	case "inspect":
		err = runInspect(cfg)
	case "eda":
		err = runEDA(cfg)
	case "model":
		err = runCheckModel(cfg)
	case "train":
		err = runTrain(cfg)
	case "predict":
		err = runPredict(cfg)
	}
	if err != nil {
		klog.Errorf("task %v failed: %+v", cfg.Task, err)
		klog.Flush()
		klog.Exit(err)
	}
}

// helper to get absolute file path
func absPath(p string) string {
	fullpath, err := filepath.Abs(p)
	if err != nil {
		klog.Fatal(err)
	}
	return fullpath
}
