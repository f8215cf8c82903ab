// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// DefaultBatchNormEpsilon is added to the variance for numerical stability.
const DefaultBatchNormEpsilon = 1e-5

// BatchNorm2d normalizes the channels axis (axis 1) of NCHW inputs with its running statistics.
//
// Only inference is supported: the running statistics are never updated.
type BatchNorm2d struct {
	NumFeatures int
	Epsilon     float64

	Weight, Bias            *context.Variable
	RunningMean, RunningVar *context.Variable
	NumBatchesTracked       *context.Variable

	ctx *context.Context
}

var (
	_ Module      = (*BatchNorm2d)(nil)
	_ ParamHolder = (*BatchNorm2d)(nil)
)

// NewBatchNorm2d creates the variables of a batch normalization in the current scope of ctx:
// weight=1, bias=0, running_mean=0, running_var=1.
func NewBatchNorm2d(ctx *context.Context, numFeatures int) *BatchNorm2d {
	filled := func(value float32) *tensors.Tensor {
		return tensors.FromScalarAndDimensions(value, numFeatures)
	}
	bn := &BatchNorm2d{
		NumFeatures:       numFeatures,
		Epsilon:           DefaultBatchNormEpsilon,
		Weight:            ctx.VariableWithValue("weight", filled(1)),
		Bias:              ctx.VariableWithValue("bias", filled(0)),
		RunningMean:       ctx.VariableWithValue("running_mean", filled(0)).SetTrainable(false),
		RunningVar:        ctx.VariableWithValue("running_var", filled(1)).SetTrainable(false),
		NumBatchesTracked: ctx.VariableWithValue("num_batches_tracked", int64(0)).SetTrainable(false),
		ctx:               ctx,
	}
	return bn
}

// Params implements ParamHolder.
func (bn *BatchNorm2d) Params() []Param {
	return []Param{
		{Name: "weight", Variable: bn.Weight},
		{Name: "bias", Variable: bn.Bias},
		{Name: "running_mean", Variable: bn.RunningMean},
		{Name: "running_var", Variable: bn.RunningVar},
		{Name: "num_batches_tracked", Variable: bn.NumBatchesTracked},
	}
}

// SetGamma sets all the scale values (the "weight" variable) to value.
// ResNets set it to zero in the last batch-norm of each residual branch when "zero_init_residual" is enabled.
func (bn *BatchNorm2d) SetGamma(value float32) error {
	return bn.Weight.SetValue(tensors.FromScalarAndDimensions(value, bn.NumFeatures))
}

// Forward implements Module.
func (bn *BatchNorm2d) Forward(x *Node) *Node {
	g := x.Graph()
	perChannel := func(v *context.Variable) *Node {
		return Reshape(ConvertDType(v.ValueGraph(g), x.DType()), 1, bn.NumFeatures, 1, 1)
	}
	invStd := Rsqrt(AddScalar(perChannel(bn.RunningVar), bn.Epsilon))
	y := Mul(Sub(x, perChannel(bn.RunningMean)), invStd)
	return Add(Mul(y, perChannel(bn.Weight)), perChannel(bn.Bias))
}

// FoldInto folds the normalization into the preceding convolution: after the call, conv alone computes
// bn(conv(x)). The kernel is rescaled per output channel and the bias is created if needed.
//
// Both modules must have their variables initialized.
func (bn *BatchNorm2d) FoldInto(conv *Conv2d) error {
	if conv.OutChannels != bn.NumFeatures {
		return errors.Errorf("cannot fold batch-norm with %d features into convolution with %d output channels",
			bn.NumFeatures, conv.OutChannels)
	}
	read := func(v *context.Variable) ([]float64, error) {
		t, err := v.Value()
		if err != nil {
			return nil, err
		}
		return ToFloat64(t)
	}
	gamma, err := read(bn.Weight)
	if err != nil {
		return errors.WithMessage(err, "folding batch-norm")
	}
	beta, err := read(bn.Bias)
	if err != nil {
		return errors.WithMessage(err, "folding batch-norm")
	}
	mean, err := read(bn.RunningMean)
	if err != nil {
		return errors.WithMessage(err, "folding batch-norm")
	}
	variance, err := read(bn.RunningVar)
	if err != nil {
		return errors.WithMessage(err, "folding batch-norm")
	}
	kernel, err := read(conv.Weight)
	if err != nil {
		return errors.WithMessage(err, "folding batch-norm")
	}
	bias := make([]float64, conv.OutChannels)
	if conv.Bias != nil {
		if bias, err = read(conv.Bias); err != nil {
			return errors.WithMessage(err, "folding batch-norm")
		}
	}

	perChannel := len(kernel) / conv.OutChannels
	for o := range conv.OutChannels {
		scale := gamma[o] / math.Sqrt(variance[o]+bn.Epsilon)
		for i := o * perChannel; i < (o+1)*perChannel; i++ {
			kernel[i] *= scale
		}
		bias[o] = (bias[o]-mean[o])*scale + beta[o]
	}

	kernelT, err := FromFloat64(kernel, dtypes.Float32, conv.Weight.Shape().Dimensions...)
	if err != nil {
		return err
	}
	biasT, err := FromFloat64(bias, dtypes.Float32, conv.OutChannels)
	if err != nil {
		return err
	}
	if err := conv.Weight.SetValue(kernelT); err != nil {
		return errors.WithMessage(err, "folding batch-norm")
	}
	if conv.Bias == nil {
		conv.Bias = conv.ctx.VariableWithValue("bias", biasT)
		return nil
	}
	return errors.WithMessage(conv.Bias.SetValue(biasT), "folding batch-norm")
}

// Release deletes the variables of the batch-norm from its context. It is called once the batch-norm
// was folded into a convolution and is no longer part of the model.
func (bn *BatchNorm2d) Release() error {
	if bn.ctx == nil {
		return nil
	}
	for _, p := range bn.Params() {
		if err := bn.ctx.DeleteVariable(p.Variable.Scope(), p.Variable.Name()); err != nil {
			return errors.WithMessagef(err, "releasing batch-norm variable %q", p.Name)
		}
	}
	return nil
}
