// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nyudepth

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// NormalizeDepth converts a raw depth pixel value to meters: (v / DepthScale) * MaxDepth.
func (c Config) NormalizeDepth(v float64) float32 {
	return float32(v / c.DepthScale * c.MaxDepth)
}

// NormalizeMask converts a raw mask pixel value to 1 if v/MaskScale > MaskThreshold, or 0 otherwise.
func (c Config) NormalizeMask(v float64) float32 {
	if v/c.MaskScale > c.MaskThreshold {
		return 1
	}
	return 0
}

// rawGrayValues returns the raw values of a single channel image, without rescaling 8 bits
// images to 16 bits.
func rawGrayValues(img image.Image) []float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	values := make([]float64, 0, width*height)
	switch typed := img.(type) {
	case *image.Gray16:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				values = append(values, float64(typed.Gray16At(x, y).Y))
			}
		}
	case *image.Gray:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				values = append(values, float64(typed.GrayAt(x, y).Y))
			}
		}
	case *image.RGBA64, *image.NRGBA64:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				values = append(values, float64(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y))
			}
		}
	default:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				values = append(values, float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y))
			}
		}
	}
	return values
}

// StackSample normalizes and stacks the rgb, depth and mask images into a float32 tensor shaped
// `[5, height, width]`. All images must have the same size.
func (c Config) StackSample(rgb, depth, mask image.Image) (*tensors.Tensor, error) {
	size := rgb.Bounds().Size()
	if !depth.Bounds().Size().Eq(size) || !mask.Bounds().Size().Eq(size) {
		return nil, errors.Errorf("image sizes differ: rgb %s, depth %s, mask %s",
			size, depth.Bounds().Size(), mask.Bounds().Size())
	}
	height, width := size.Y, size.X
	numPixels := height * width

	// Shaped [height, width, 3], with raw 0-255 values.
	rgbTensor := timage.ToTensor(dtypes.Float32).MaxValue(255).Single(rgb)
	depthValues := rawGrayValues(depth)
	maskValues := rawGrayValues(mask)

	flat := make([]float32, NumChannels*numPixels)
	tensors.MustConstFlatData(rgbTensor, func(rgbFlat []float32) {
		for pixel := range numPixels {
			for channel := range 3 {
				flat[channel*numPixels+pixel] = rgbFlat[pixel*3+channel]
			}
		}
	})
	rgbTensor.MustFinalizeAll()
	depthFlat := flat[DepthChannel*numPixels : (DepthChannel+1)*numPixels]
	maskFlat := flat[MaskChannel*numPixels : (MaskChannel+1)*numPixels]
	for pixel := range numPixels {
		depthFlat[pixel] = c.NormalizeDepth(depthValues[pixel])
		maskFlat[pixel] = c.NormalizeMask(maskValues[pixel])
	}
	return tensors.FromFlatDataAndDimensions(flat, NumChannels, height, width), nil
}

// LoadAndStack loads the images of the triplet and calls StackSample.
func (c Config) LoadAndStack(triplet Triplet) (*tensors.Tensor, error) {
	var imgs [3]image.Image
	for ii, imgPath := range []string{triplet.RGB, triplet.Depth, triplet.Mask} {
		img, err := imaging.Open(imgPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read image %q", imgPath)
		}
		imgs[ii] = img
	}
	sample, err := c.StackSample(imgs[0], imgs[1], imgs[2])
	if err != nil {
		return nil, errors.WithMessagef(err, "triplet (%q, %q, %q)", triplet.RGB, triplet.Depth, triplet.Mask)
	}
	return sample, nil
}
