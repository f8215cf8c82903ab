// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantization

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/pkg/errors"
)

// fakeQuantize quantizes x to quint8 with the given scale and zero point (scalars or shaped [1]),
// and returns the dequantized values.
func fakeQuantize(x, scale, zeroPoint *Node) *Node {
	dtype := x.DType()
	s := Reshape(ConvertDType(scale, dtype))
	zp := Reshape(ConvertDType(zeroPoint, dtype))
	q := ClipScalar(Add(Round(Div(x, s)), zp), activationQMin, activationQMax)
	return Mul(Sub(q, zp), s)
}

// dequantizeWeights returns the float values of per-channel quantized weights, whose first axis is
// the output channel.
func dequantizeWeights(g *Graph, weight, scales, zeroPoints *context.Variable) *Node {
	w := ConvertDType(weight.ValueGraph(g), dtypes.Float32)
	perChannel := make([]int, w.Rank())
	for i := range perChannel {
		perChannel[i] = 1
	}
	perChannel[0] = w.Shape().Dimensions[0]
	s := Reshape(ConvertDType(scales.ValueGraph(g), dtypes.Float32), perChannel...)
	zp := Reshape(ConvertDType(zeroPoints.ValueGraph(g), dtypes.Float32), perChannel...)
	return Mul(Sub(w, zp), s)
}

// Quantize quantizes float inputs with a fixed scale and zero point.
type Quantize struct {
	// Scale and ZeroPoint are shaped [1].
	Scale, ZeroPoint *context.Variable
}

var _ nn.ParamHolder = (*Quantize)(nil)

// NewQuantize creates the variables of a Quantize in the current scope of ctx.
func NewQuantize(ctx *context.Context, scale float64, zeroPoint int64) *Quantize {
	return &Quantize{
		Scale:     ctx.VariableWithValue("scale", []float32{float32(scale)}).SetTrainable(false),
		ZeroPoint: ctx.VariableWithValue("zero_point", []int64{zeroPoint}).SetTrainable(false),
	}
}

// Forward implements nn.Module.
func (q *Quantize) Forward(x *Node) *Node {
	g := x.Graph()
	return fakeQuantize(x, q.Scale.ValueGraph(g), q.ZeroPoint.ValueGraph(g))
}

// Params implements nn.ParamHolder.
func (q *Quantize) Params() []nn.Param {
	return []nn.Param{{Name: "scale", Variable: q.Scale}, {Name: "zero_point", Variable: q.ZeroPoint}}
}

// DeQuantize converts quantized values back to float.
type DeQuantize struct{}

// Forward implements nn.Module. Values are already carried dequantized, so it is the identity.
func (*DeQuantize) Forward(x *Node) *Node { return x }

// activationQParams are the variables with the quantization parameters of the output of a module.
type activationQParams struct {
	// Scale and ZeroPoint are scalars.
	Scale, ZeroPoint *context.Variable
}

func newActivationQParams(ctx *context.Context, scale float64, zeroPoint int64) activationQParams {
	return activationQParams{
		Scale:     ctx.VariableWithValue("scale", float32(scale)).SetTrainable(false),
		ZeroPoint: ctx.VariableWithValue("zero_point", zeroPoint).SetTrainable(false),
	}
}

func (p activationQParams) apply(y *Node) *Node {
	g := y.Graph()
	return fakeQuantize(y, p.Scale.ValueGraph(g), p.ZeroPoint.ValueGraph(g))
}

func (p activationQParams) params() []nn.Param {
	return []nn.Param{{Name: "scale", Variable: p.Scale}, {Name: "zero_point", Variable: p.ZeroPoint}}
}

// quantizedWeightVariables creates the variables of weights quantized from the float variable w.
// The scales are stored as float32 and the zero points as int64.
func quantizedWeightVariables(ctx *context.Context, w *context.Variable, perChannel bool) (
	weight, scales, zeroPoints *context.Variable, err error) {
	value, err := w.Value()
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "quantizing weights")
	}
	floats, err := nn.ToFloat64(value)
	if err != nil {
		return nil, nil, nil, err
	}
	dims := w.Shape().Dimensions
	q := QuantizeWeights(floats, dims[0], perChannel)
	scalesT, err := nn.FromFloat64(q.Scales, dtypes.Float32, dims[0])
	if err != nil {
		return nil, nil, nil, err
	}
	weight = ctx.VariableWithValue("weight", tensors.FromFlatDataAndDimensions(q.Values, dims...))
	scales = ctx.VariableWithValue("weight"+nn.QScaleSuffix, scalesT)
	zeroPoints = ctx.VariableWithValue("weight"+nn.QZeroPointSuffix, tensors.FromFlatDataAndDimensions(q.ZeroPoints, dims[0]))
	for _, v := range []*context.Variable{weight, scales, zeroPoints} {
		v.SetTrainable(false)
	}
	return weight, scales, zeroPoints, nil
}

// floatBias returns a copy of the bias of a float layer, or zeros if it has none.
func floatBias(bias *context.Variable, size int) (*tensors.Tensor, error) {
	if bias == nil {
		return tensors.FromShape(shapes.Make(dtypes.Float32, size)), nil
	}
	value, err := bias.Value()
	if err != nil {
		return nil, err
	}
	values, err := nn.ToFloat64(value)
	if err != nil {
		return nil, err
	}
	return nn.FromFloat64(values, dtypes.Float32, size)
}

// QuantizedConv2d is a convolution with int8 weights (quantized per output channel or per tensor)
// and quint8 outputs, optionally fused with a ReLU.
type QuantizedConv2d struct {
	// Geometry holds the configuration of the convolution. Its variables are not used.
	Geometry nn.Conv2d
	ReLU     bool

	Weight, WeightScale, WeightZeroPoint *context.Variable
	Bias                                 *context.Variable
	Output                               activationQParams
}

var _ nn.ParamHolder = (*QuantizedConv2d)(nil)

// NewQuantizedConv2d quantizes the weights of conv and creates the variables of the quantized
// convolution in the current scope of ctx. The output is quantized with the given scale and zero point.
func NewQuantizedConv2d(ctx *context.Context, conv *nn.Conv2d, relu bool, qconfig QConfig,
	scale float64, zeroPoint int64) (*QuantizedConv2d, error) {
	qc := &QuantizedConv2d{Geometry: *conv, ReLU: relu}
	qc.Geometry.Weight, qc.Geometry.Bias = nil, nil
	var err error
	qc.Weight, qc.WeightScale, qc.WeightZeroPoint, err = quantizedWeightVariables(ctx, conv.Weight, qconfig.PerChannelWeights)
	if err != nil {
		return nil, err
	}
	bias, err := floatBias(conv.Bias, conv.OutChannels)
	if err != nil {
		return nil, err
	}
	qc.Bias = ctx.VariableWithValue("bias", bias).SetTrainable(false)
	qc.Output = newActivationQParams(ctx, scale, zeroPoint)
	return qc, nil
}

// Forward implements nn.Module.
func (qc *QuantizedConv2d) Forward(x *Node) *Node {
	g := x.Graph()
	kernel := dequantizeWeights(g, qc.Weight, qc.WeightScale, qc.WeightZeroPoint)
	y := qc.Geometry.Apply(x, kernel, qc.Bias.ValueGraph(g))
	if qc.ReLU {
		y = activations.Relu(y)
	}
	return qc.Output.apply(y)
}

// Params implements nn.ParamHolder.
func (qc *QuantizedConv2d) Params() []nn.Param {
	params := []nn.Param{
		{Name: "weight", Variable: qc.Weight},
		{Name: "weight" + nn.QScaleSuffix, Variable: qc.WeightScale},
		{Name: "weight" + nn.QZeroPointSuffix, Variable: qc.WeightZeroPoint},
		{Name: "bias", Variable: qc.Bias},
	}
	return append(params, qc.Output.params()...)
}

// QuantizedLinear is a fully connected layer with int8 weights and quint8 outputs.
type QuantizedLinear struct {
	// Geometry holds the configuration of the layer. Its variables are not used.
	Geometry nn.Linear

	Weight, WeightScale, WeightZeroPoint *context.Variable
	Bias                                 *context.Variable
	Output                               activationQParams
}

var _ nn.ParamHolder = (*QuantizedLinear)(nil)

// NewQuantizedLinear quantizes the weights of linear and creates the variables of the quantized layer
// in the current scope of ctx.
func NewQuantizedLinear(ctx *context.Context, linear *nn.Linear, qconfig QConfig,
	scale float64, zeroPoint int64) (*QuantizedLinear, error) {
	ql := &QuantizedLinear{Geometry: *linear}
	ql.Geometry.Weight, ql.Geometry.Bias = nil, nil
	var err error
	ql.Weight, ql.WeightScale, ql.WeightZeroPoint, err = quantizedWeightVariables(ctx, linear.Weight, qconfig.PerChannelWeights)
	if err != nil {
		return nil, err
	}
	bias, err := floatBias(linear.Bias, linear.OutFeatures)
	if err != nil {
		return nil, err
	}
	ql.Bias = ctx.VariableWithValue("bias", bias).SetTrainable(false)
	ql.Output = newActivationQParams(ctx, scale, zeroPoint)
	return ql, nil
}

// Forward implements nn.Module.
func (ql *QuantizedLinear) Forward(x *Node) *Node {
	g := x.Graph()
	weight := dequantizeWeights(g, ql.Weight, ql.WeightScale, ql.WeightZeroPoint)
	return ql.Output.apply(ql.Geometry.Apply(x, weight, ql.Bias.ValueGraph(g)))
}

// Params implements nn.ParamHolder.
func (ql *QuantizedLinear) Params() []nn.Param {
	params := []nn.Param{
		{Name: "weight", Variable: ql.Weight},
		{Name: "weight" + nn.QScaleSuffix, Variable: ql.WeightScale},
		{Name: "weight" + nn.QZeroPointSuffix, Variable: ql.WeightZeroPoint},
		{Name: "bias", Variable: ql.Bias},
	}
	return append(params, ql.Output.params()...)
}

// QFunctional is the quantized form of AddReLU: its output is requantized with a fixed scale and zero point.
type QFunctional struct {
	Output activationQParams
}

var (
	_ Functional     = (*QFunctional)(nil)
	_ nn.ParamHolder = (*QFunctional)(nil)
)

// NewQFunctional creates the variables of a QFunctional in the current scope of ctx.
func NewQFunctional(ctx *context.Context, scale float64, zeroPoint int64) *QFunctional {
	return &QFunctional{Output: newActivationQParams(ctx, scale, zeroPoint)}
}

// Forward is not supported: QFunctional takes two inputs.
func (*QFunctional) Forward(*Node) *Node {
	exceptions.Panicf("QFunctional takes two inputs, use its AddReLU method")
	return nil
}

// AddReLU implements Functional.
func (qf *QFunctional) AddReLU(a, b *Node) *Node {
	return qf.Output.apply(activations.Relu(Add(a, b)))
}

// Params implements nn.ParamHolder.
func (qf *QFunctional) Params() []nn.Param {
	return qf.Output.params()
}
