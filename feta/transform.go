package feta

import (
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"
)

// Compose chains transforms left to right.
func Compose(transforms ...Transform) Transform {
	return func(x *ts.Tensor) *ts.Tensor {
		for _, t := range transforms {
			x = t(x)
		}
		return x
	}
}

// NormalizeIntensity rescales x to zero mean and unit standard deviation.
// A constant input is only shifted to zero.
func NormalizeIntensity(x *ts.Tensor) *ts.Tensor {
	d := x.MustTotype(gotch.Double, false)
	vals := d.Float64Values()
	d.MustDrop()

	mean, std := stat.PopMeanStdDev(vals, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}

	return x.MustSubScalar(ts.FloatScalar(mean), true).MustDivScalar(ts.FloatScalar(std), true)
}

// splitHW returns leading dims and (H, W) of a tensor with shape [..., H, W]
// whose leading dims multiply to 1.
func splitHW(size []int64) (lead []int64, h, w int) {
	n := len(size)
	if n < 2 {
		panic("feta: expected a tensor with at least 2 dims")
	}
	lead = append([]int64{}, size[:n-2]...)
	for _, d := range lead {
		if d != 1 {
			panic("feta: resize expects a single 2D slice")
		}
	}
	return lead, int(size[n-2]), int(size[n-1])
}

// ResizeImage returns a transform that bilinearly resizes a float slice
// [..., H, W] to [..., h, w]. Intensities keep 16-bit precision over their
// min/max range.
func ResizeImage(h, w int) Transform {
	return func(x *ts.Tensor) *ts.Tensor {
		lead, srcH, srcW := splitHW(x.MustSize())
		if srcH == h && srcW == w {
			return x
		}
		d := x.MustTotype(gotch.Double, true)
		vals := d.Float64Values()
		d.MustDrop()

		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range vals {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		scale := hi - lo
		if scale == 0 {
			scale = 1
		}

		src := image.NewGray16(image.Rect(0, 0, srcW, srcH))
		for i := 0; i < srcH; i++ {
			for j := 0; j < srcW; j++ {
				y := uint16(math.Round((vals[i*srcW+j] - lo) / scale * math.MaxUint16))
				src.SetGray16(j, i, color.Gray16{Y: y})
			}
		}

		dst := resize.Resize(uint(w), uint(h), src, resize.Bilinear)

		out := make([]float32, h*w)
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				g := color.Gray16Model.Convert(dst.At(j, i)).(color.Gray16)
				out[i*w+j] = float32(float64(g.Y)/math.MaxUint16*scale + lo)
			}
		}

		return ts.MustOfSlice(out).MustView(append(lead, int64(h), int64(w)), true)
	}
}

// ResizeLabel returns a transform that resizes an int64 label slice
// [..., H, W] to [..., h, w] with nearest-neighbour sampling, so no new
// class ids appear.
func ResizeLabel(h, w int) Transform {
	return func(x *ts.Tensor) *ts.Tensor {
		lead, srcH, srcW := splitHW(x.MustSize())
		if srcH == h && srcW == w {
			return x
		}
		l := x.MustTotype(gotch.Int64, true)
		vals := l.Int64Values()
		l.MustDrop()

		src := image.NewGray(image.Rect(0, 0, srcW, srcH))
		for i := 0; i < srcH; i++ {
			for j := 0; j < srcW; j++ {
				src.SetGray(j, i, color.Gray{Y: uint8(vals[i*srcW+j])})
			}
		}
		dst := image.NewGray(image.Rect(0, 0, w, h))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

		out := make([]int64, h*w)
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				out[i*w+j] = int64(dst.GrayAt(j, i).Y)
			}
		}

		return ts.MustOfSlice(out).MustView(append(lead, int64(h), int64(w)), true)
	}
}
