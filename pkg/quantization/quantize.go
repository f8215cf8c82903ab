// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantization

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a network that can be quantized by QuantizeModel.
type Model interface {
	nn.Module

	// FuseModel fuses the Conv2d/BatchNorm2d/ReLU sequences of the network. It must be idempotent.
	FuseModel(qat bool) error

	// Context holds the variables of the network.
	Context() *context.Context
}

// DefaultCalibrationSize is the height and width of the random image used to calibrate.
const DefaultCalibrationSize = 299

type options struct {
	calibrationSize int
	seed            uint64
	inputs          []*tensors.Tensor
}

// Option configures QuantizeModel.
type Option func(*options)

// WithCalibrationSize sets the height and width of the random image used for calibration.
// Smaller sizes calibrate faster. It is ignored if WithCalibrationInputs is used.
func WithCalibrationSize(size int) Option {
	return func(o *options) { o.calibrationSize = size }
}

// WithSeed sets the seed of the random calibration image.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// WithCalibrationInputs calibrates with the given batches of NCHW images instead of a random image.
func WithCalibrationInputs(inputs ...*tensors.Tensor) Option {
	return func(o *options) { o.inputs = inputs }
}

// QuantizeModel converts model in place to its quantized form for the given quantization backend
// ("fbgemm", "x86" or "qnnpack"): it fuses the model, attaches observers, calibrates and converts.
//
// By default it calibrates with a single random image, which gives usable (if meaningless)
// quantization parameters, good enough to load a quantized checkpoint over them afterwards.
//
// The compute backend must execute on CPU, otherwise an error wrapping ErrUnsupportedTarget is returned.
func QuantizeModel(backend backends.Backend, model Model, quantBackend string, opts ...Option) error {
	qconfig, err := QConfigFor(quantBackend)
	if err != nil {
		return err
	}
	if err := CheckTarget(backend); err != nil {
		return err
	}
	o := options{calibrationSize: DefaultCalibrationSize}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.inputs) == 0 {
		if o.calibrationSize <= 0 {
			return errors.Errorf("invalid calibration size %d", o.calibrationSize)
		}
		o.inputs = []*tensors.Tensor{RandomImage(o.seed, o.calibrationSize)}
	}

	ctx := model.Context()
	if err := ctx.InitializeVariables(backend, nil); err != nil {
		return errors.WithMessage(err, "initializing variables before quantization")
	}
	if err := model.FuseModel(false); err != nil {
		return err
	}
	calibrator, err := Prepare(model, qconfig)
	if err != nil {
		return err
	}
	if err := calibrator.Run(backend, ctx, model, o.inputs...); err != nil {
		return err
	}
	numConverted, err := Convert(model, ctx, calibrator)
	if err != nil {
		return err
	}
	klog.V(1).Infof("quantized %d modules for backend %q", numConverted, quantBackend)
	return nil
}

// RandomImage returns a [1, 3, size, size] float32 tensor with values uniformly distributed in [0, 1).
func RandomImage(seed uint64, size int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	values := make([]float32, 3*size*size)
	for i := range values {
		values[i] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(values, 1, 3, size, size)
}
