package viz

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// AgeHistogram saves a histogram of gestational ages (weeks) to path.
func AgeHistogram(ages []float64, bins int, path string) error {
	if len(ages) == 0 {
		return errors.New("no ages to plot")
	}

	p := plot.New()
	p.Title.Text = "Gestational age"
	p.X.Label.Text = "weeks"
	p.Y.Label.Text = "subjects"

	v := make(plotter.Values, len(ages))
	copy(v, ages)
	h, err := plotter.NewHist(v, bins)
	if err != nil {
		return errors.Wrap(err, "failed to build histogram")
	}
	p.Add(h)

	if err := p.Save(4*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save %q", path)
	}
	return nil
}

// LossCurve saves per-epoch training and validation losses to path. valid
// may be empty.
func LossCurve(train, valid []float64, path string) error {
	if len(train) == 0 {
		return errors.New("no losses to plot")
	}

	p := plot.New()
	p.Title.Text = "Loss"
	p.X.Label.Text = "epoch"
	p.Legend.Top = true

	for _, c := range []struct {
		name   string
		losses []float64
	}{{"train", train}, {"valid", valid}} {
		if len(c.losses) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(c.losses))
		for i, l := range c.losses {
			xys[i].X = float64(i + 1)
			xys[i].Y = l
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "failed to build %v curve", c.name)
		}
		if c.name == "valid" {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		p.Legend.Add(c.name, line)
	}

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save %q", path)
	}
	return nil
}
