// Package viz renders FeTA volumes and training statistics to images.
package viz

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// Palette colours FeTA classes: background, external CSF, grey matter,
// white matter, ventricles, cerebellum, deep grey matter, brainstem.
var Palette = color.Palette{
	color.NRGBA{0, 0, 0, 0},
	color.NRGBA{230, 25, 75, 255},
	color.NRGBA{60, 180, 75, 255},
	color.NRGBA{255, 225, 25, 255},
	color.NRGBA{0, 130, 200, 255},
	color.NRGBA{245, 130, 48, 255},
	color.NRGBA{145, 30, 180, 255},
	color.NRGBA{70, 240, 240, 255},
}

// slice2D selects slice index along axis of a 3D tensor and returns its
// values row-major with the slice height and width.
func slice2D(vol *ts.Tensor, axis, index int64) (vals []float64, h, w int, err error) {
	size := vol.MustSize()
	if len(size) != 3 {
		return nil, 0, 0, errors.Errorf("expected a 3D volume, got shape %v", size)
	}
	if axis < 0 || axis > 2 {
		return nil, 0, 0, errors.Errorf("invalid axis %d", axis)
	}
	if index < 0 || index >= size[axis] {
		return nil, 0, 0, errors.Errorf("slice %d out of range [0, %d)", index, size[axis])
	}

	s := vol.MustSelect(axis, index, false).MustTotype(gotch.Double, true)
	dims := s.MustSize()
	vals = s.Float64Values()
	s.MustDrop()

	return vals, int(dims[0]), int(dims[1]), nil
}

// SliceImage renders slice index along axis of an intensity volume as an
// 8-bit grayscale image, windowed to the slice min/max. Rows follow the
// first remaining axis.
func SliceImage(vol *ts.Tensor, axis, index int64) (*image.Gray, error) {
	vals, h, w, err := slice2D(vol, axis, index)
	if err != nil {
		return nil, err
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	scale := hi - lo
	if scale == 0 {
		scale = 1
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			img.SetGray(j, i, color.Gray{Y: uint8(math.Round((vals[i*w+j] - lo) / scale * 255))})
		}
	}
	return img, nil
}

// LabelImage renders slice index along axis of a label volume with Palette.
// Background is transparent.
func LabelImage(label *ts.Tensor, axis, index int64) (*image.Paletted, error) {
	vals, h, w, err := slice2D(label, axis, index)
	if err != nil {
		return nil, err
	}

	img := image.NewPaletted(image.Rect(0, 0, w, h), Palette)
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			c := int(vals[i*w+j])
			if c < 0 || c >= len(Palette) {
				c = 0
			}
			img.SetColorIndex(j, i, uint8(c))
		}
	}
	return img, nil
}

// Overlay blends a label image over a grayscale slice.
func Overlay(gray image.Image, labels image.Image, opacity float64) *image.NRGBA {
	return imaging.Overlay(gray, labels, image.Pt(0, 0), opacity)
}

// Orient rotates a slice by 90 degrees so that anatomy appears upright and
// scales it by factor with nearest-neighbour sampling.
func Orient(img image.Image, factor int) *image.NRGBA {
	out := imaging.Rotate90(img)
	if factor > 1 {
		b := out.Bounds()
		out = imaging.Resize(out, b.Dx()*factor, b.Dy()*factor, imaging.NearestNeighbor)
	}
	return out
}

// SaveImage writes img to path. The format follows the extension: .tif and
// .tiff are TIFF, everything else is handled by imaging (png, jpg, gif, bmp).
func SaveImage(img image.Image, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q", path)
		}
		if err := tiff.Encode(f, img, nil); err != nil {
			f.Close()
			return errors.Wrapf(err, "failed to encode %q", path)
		}
		return f.Close()
	default:
		if err := imaging.Save(img, path); err != nil {
			return errors.Wrapf(err, "failed to save %q", path)
		}
		return nil
	}
}
