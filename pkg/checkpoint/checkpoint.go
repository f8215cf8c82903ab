// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint decodes checkpoint files into nn.StateDict.
//
// Supported formats are PyTorch pickles (".pth", ".pt", ".bin"), in the zip and legacy layouts, and
// safetensors (".safetensors").
//
// Quantized tensors of PyTorch checkpoints are expanded into three entries: "<key>" with the integer
// values, "<key>.q_scale" and "<key>.q_zero_point" with one value per output channel.
package checkpoint

import (
	"path/filepath"
	"strings"

	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnknownFormat is returned for files whose extension is not a known checkpoint format.
var ErrUnknownFormat = errors.New("unknown checkpoint format")

// Format of a checkpoint file.
type Format int

const (
	FormatUnknown Format = iota
	FormatPyTorch
	FormatSafetensors
)

// FormatOf returns the format of a checkpoint file, based on its extension.
func FormatOf(filePath string) Format {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".pth", ".pt", ".bin":
		return FormatPyTorch
	case ".safetensors":
		return FormatSafetensors
	}
	return FormatUnknown
}

// Load decodes the checkpoint at filePath.
func Load(filePath string) (nn.StateDict, error) {
	var sd nn.StateDict
	var err error
	switch FormatOf(filePath) {
	case FormatPyTorch:
		sd, err = LoadPyTorch(filePath)
	case FormatSafetensors:
		sd, err = LoadSafetensors(filePath)
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", filePath)
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded %d tensors from %q", len(sd), filePath)
	return sd, nil
}
