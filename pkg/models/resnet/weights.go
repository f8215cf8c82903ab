// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"strings"

	"github.com/gomlx/quantvision/pkg/weights"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

const (
	floatURLBase     = "https://download.pytorch.org/models/"
	quantizedURLBase = "https://download.pytorch.org/models/quantized/"

	recipeResNet            = "https://github.com/pytorch/vision/tree/main/references/classification#resnet"
	recipeResNeXt           = "https://github.com/pytorch/vision/tree/main/references/classification#resnext"
	recipeNewTraining       = "https://github.com/pytorch/vision/issues/3995#issuecomment-1013906621"
	recipeNewTrainingFixRes = "https://github.com/pytorch/vision/issues/3995#new-recipe-with-fixres"
	recipeResNeXt64x4d      = "https://github.com/pytorch/vision/pull/5935"
	recipeQuantized         = "https://github.com/pytorch/vision/tree/main/references/classification#post-training-quantized-models"

	// QuantizationBackend of all the pretrained quantized weights.
	QuantizationBackend = "fbgemm"
)

// Number of trainable parameters of each architecture with 1000 classes.
const (
	numParamsResNet18         = 11689512
	numParamsResNet50         = 25557032
	numParamsResNeXt101_32X8D = 88791336
	numParamsResNeXt101_64X4D = 83455272
)

func floatWeights(name, file string, numParams int, resizeSize int, recipe string, acc1, acc5 float64) *weights.Weights {
	return &weights.Weights{
		Name:       name,
		URL:        floatURLBase + file,
		Transforms: weights.ImageClassification(224, resizeSize),
		Meta: weights.Meta{
			Categories: weights.ImageNetCategories(),
			NumParams:  numParams,
			MinSize:    [2]int{1, 1},
			Recipe:     recipe,
			Metrics:    weights.Metrics{Acc1: acc1, Acc5: acc5},
		},
	}
}

func quantizedWeights(name, file string, unquantized *weights.Weights, acc1, acc5 float64) *weights.Weights {
	w := &weights.Weights{
		Name:       name,
		URL:        quantizedURLBase + file,
		Transforms: unquantized.Transforms,
		Meta: weights.Meta{
			Categories:  weights.ImageNetCategories(),
			NumParams:   unquantized.Meta.NumParams,
			MinSize:     [2]int{1, 1},
			Backend:     QuantizationBackend,
			Recipe:      recipeQuantized,
			Metrics:     weights.Metrics{Acc1: acc1, Acc5: acc5},
			Unquantized: unquantized,
		},
	}
	if unquantized.Meta.Recipe == recipeResNeXt64x4d {
		w.Meta.Recipe = recipeResNeXt64x4d
	}
	return w
}

// Float weights registries.
var (
	ResNet18Weights = weights.NewRegistry("ResNet18_Weights", "IMAGENET1K_V1",
		floatWeights("IMAGENET1K_V1", "resnet18-f37072fd.pth", numParamsResNet18, 256, recipeResNet, 69.758, 89.078),
	)

	ResNet50Weights = weights.NewRegistry("ResNet50_Weights", "IMAGENET1K_V2",
		floatWeights("IMAGENET1K_V1", "resnet50-0676ba61.pth", numParamsResNet50, 256, recipeResNet, 76.130, 92.862),
		floatWeights("IMAGENET1K_V2", "resnet50-11ad3fa6.pth", numParamsResNet50, 232, recipeNewTraining, 80.858, 95.434),
	)

	ResNeXt101_32X8DWeights = weights.NewRegistry("ResNeXt101_32X8D_Weights", "IMAGENET1K_V2",
		floatWeights("IMAGENET1K_V1", "resnext101_32x8d-8ba56ff5.pth", numParamsResNeXt101_32X8D, 256, recipeResNeXt, 79.312, 94.526),
		floatWeights("IMAGENET1K_V2", "resnext101_32x8d-110c445d.pth", numParamsResNeXt101_32X8D, 232, recipeNewTrainingFixRes, 82.834, 96.228),
	)

	ResNeXt101_64X4DWeights = weights.NewRegistry("ResNeXt101_64X4D_Weights", "IMAGENET1K_V1",
		floatWeights("IMAGENET1K_V1", "resnext101_64x4d-173b62eb.pth", numParamsResNeXt101_64X4D, 232, recipeResNeXt64x4d, 83.246, 96.454),
	)
)

// Quantized weights registries. Each entry points to the float weights it was quantized from.
var (
	ResNet18QuantizedWeights = weights.NewRegistry("ResNet18_QuantizedWeights", "IMAGENET1K_FBGEMM_V1",
		quantizedWeights("IMAGENET1K_FBGEMM_V1", "resnet18_fbgemm_16fa66dd.pth",
			must.M1(ResNet18Weights.Get("IMAGENET1K_V1")), 69.494, 88.882),
	)

	ResNet50QuantizedWeights = weights.NewRegistry("ResNet50_QuantizedWeights", "IMAGENET1K_FBGEMM_V2",
		quantizedWeights("IMAGENET1K_FBGEMM_V1", "resnet50_fbgemm_bf931d71.pth",
			must.M1(ResNet50Weights.Get("IMAGENET1K_V1")), 75.920, 92.814),
		quantizedWeights("IMAGENET1K_FBGEMM_V2", "resnet50_fbgemm-23753f79.pth",
			must.M1(ResNet50Weights.Get("IMAGENET1K_V2")), 80.282, 94.976),
	)

	ResNeXt101_32X8DQuantizedWeights = weights.NewRegistry("ResNeXt101_32X8D_QuantizedWeights", "IMAGENET1K_FBGEMM_V2",
		quantizedWeights("IMAGENET1K_FBGEMM_V1", "resnext101_32x8_fbgemm_09835ccf.pth",
			must.M1(ResNeXt101_32X8DWeights.Get("IMAGENET1K_V1")), 78.986, 94.480),
		quantizedWeights("IMAGENET1K_FBGEMM_V2", "resnext101_32x8_fbgemm-ee16d00c.pth",
			must.M1(ResNeXt101_32X8DWeights.Get("IMAGENET1K_V2")), 82.574, 96.132),
	)

	ResNeXt101_64X4DQuantizedWeights = weights.NewRegistry("ResNeXt101_64X4D_QuantizedWeights", "IMAGENET1K_FBGEMM_V1",
		quantizedWeights("IMAGENET1K_FBGEMM_V1", "resnext101_64x4d_fbgemm-605a1cb3.pth",
			must.M1(ResNeXt101_64X4DWeights.Get("IMAGENET1K_V1")), 82.898, 96.326),
	)
)

// Registries returns all the weights registries of the package, float registries first.
func Registries() []*weights.Registry {
	return []*weights.Registry{
		ResNet18Weights, ResNet50Weights, ResNeXt101_32X8DWeights, ResNeXt101_64X4DWeights,
		ResNet18QuantizedWeights, ResNet50QuantizedWeights, ResNeXt101_32X8DQuantizedWeights, ResNeXt101_64X4DQuantizedWeights,
	}
}

// FindWeights returns the weights with the qualified name "<registry>.<key>",
// e.g. "ResNet50_QuantizedWeights.IMAGENET1K_FBGEMM_V1". The key can be weights.DefaultKey.
func FindWeights(fullName string) (*weights.Weights, error) {
	registryName, _, _ := strings.Cut(fullName, ".")
	for _, registry := range Registries() {
		if registry.Name() == registryName {
			return registry.Get(fullName)
		}
	}
	return nil, errors.Wrapf(weights.ErrNotFound, "no weights registry named %q", registryName)
}
