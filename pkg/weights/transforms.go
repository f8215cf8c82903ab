// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ImageNet normalization constants, per RGB channel.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Transforms describes the preprocessing expected by a set of weights for image classification:
// the shorter side of the image is resized to ResizeSize (bilinear), the center CropSize x CropSize
// is cropped, values are scaled to [0, 1] and normalized with Mean and Std.
type Transforms struct {
	CropSize   int
	ResizeSize int
	Mean, Std  [3]float32
}

// ImageClassification returns the standard ImageNet preprocessing with the given crop and resize sizes.
func ImageClassification(cropSize, resizeSize int) Transforms {
	return Transforms{CropSize: cropSize, ResizeSize: resizeSize, Mean: ImageNetMean, Std: ImageNetStd}
}

// Apply preprocesses img and returns a float32 tensor shaped [3, CropSize, CropSize].
func (t Transforms) Apply(img image.Image) (*tensors.Tensor, error) {
	if t.CropSize <= 0 || t.ResizeSize < t.CropSize {
		return nil, errors.Errorf("invalid transforms crop=%d, resize=%d", t.CropSize, t.ResizeSize)
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	if width < height {
		height = height * t.ResizeSize / width
		width = t.ResizeSize
	} else {
		width = width * t.ResizeSize / height
		height = t.ResizeSize
	}
	resized := imaging.Resize(img, width, height, imaging.Linear)
	cropped := imaging.CropCenter(resized, t.CropSize, t.CropSize)

	size := t.CropSize
	values := make([]float32, 3*size*size)
	for y := range size {
		for x := range size {
			offset := cropped.PixOffset(x, y)
			for c := range 3 {
				v := float32(cropped.Pix[offset+c]) / 255
				values[c*size*size+y*size+x] = (v - t.Mean[c]) / t.Std[c]
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(values, 3, size, size), nil
}
