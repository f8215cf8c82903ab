// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quantization implements eager-mode post-training static quantization for nn module trees:
//
//  1. Fusion of Conv2d/BatchNorm2d/ReLU sequences (FuseModules).
//  2. Preparation: observers are attached to the outputs of the quantizable modules (Prepare).
//  3. Calibration: a few batches are run through the model to record activation ranges (Calibrator.Run).
//  4. Conversion: modules are swapped by quantized versions with int8 weights and fixed
//     activation quantization parameters (Convert).
//
// QuantizeModel runs all the steps. Quantized modules hold int8 weights and compute the
// affine quantize/dequantize steps explicitly in the graph, so they run on any CPU backend.
package quantization

import (
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedFusion is returned when a group of modules doesn't match a known fusion pattern.
	ErrUnsupportedFusion = errors.New("unsupported fusion pattern")

	// ErrUnknownBackend is returned for a quantization backend identifier without a QConfig.
	ErrUnknownBackend = errors.New("unknown quantization backend")

	// ErrUnsupportedTarget is returned when quantizing for a compute backend that is not a CPU.
	ErrUnsupportedTarget = errors.New("quantized models only run on CPU backends")
)

// Activations are quantized to quint8.
const (
	activationQMin = 0
	activationQMax = 255
)

// Weights are quantized to symmetric qint8.
const (
	weightQMin = -128
	weightQMax = 127
)

// QConfig describes how a backend quantizes activations and weights.
type QConfig struct {
	// Backend is the quantization backend identifier, e.g. "fbgemm".
	Backend string

	// ReduceRange limits activations to 7 bits ([0, 127]), to avoid overflows in the backend's
	// 16-bit accumulation of products.
	ReduceRange bool

	// PerChannelWeights quantizes weights with one scale per output channel, instead of one per tensor.
	PerChannelWeights bool
}

// DefaultBackend is the quantization backend used when none is given.
const DefaultBackend = "fbgemm"

// QConfigFor returns the default QConfig of a quantization backend: "fbgemm" and "x86" (server CPUs)
// or "qnnpack" (mobile CPUs).
func QConfigFor(backend string) (QConfig, error) {
	switch backend {
	case "fbgemm", "x86":
		return QConfig{Backend: backend, ReduceRange: true, PerChannelWeights: true}, nil
	case "qnnpack":
		return QConfig{Backend: backend}, nil
	}
	return QConfig{}, errors.Wrapf(ErrUnknownBackend, "%q (known: fbgemm, x86, qnnpack)", backend)
}

// activationRange returns the quantized range used by activation observers.
func (c QConfig) activationRange() (qMin, qMax int) {
	if c.ReduceRange {
		return activationQMin, activationQMax / 2
	}
	return activationQMin, activationQMax
}

// CheckTarget returns ErrUnsupportedTarget if backend doesn't execute on a CPU.
// The pure Go backend and XLA's CPU plugin are accepted.
func CheckTarget(backend backends.Backend) error {
	name := strings.ToLower(backend.Name())
	if name == "go" || strings.Contains(name, "simplego") {
		return nil
	}
	if strings.Contains(strings.ToLower(backend.Description()), "cpu") {
		return nil
	}
	return errors.Wrapf(ErrUnsupportedTarget, "backend %q (%s)", backend.Name(), backend.Description())
}
