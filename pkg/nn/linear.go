// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// Linear is a fully connected layer: y = x @ weight^T + bias, with weight shaped [out, in].
type Linear struct {
	InFeatures, OutFeatures int
	Weight, Bias            *context.Variable
}

var (
	_ Module      = (*Linear)(nil)
	_ ParamHolder = (*Linear)(nil)
)

// NewLinear creates the variables of a fully connected layer in the current scope of ctx.
// Weight and bias are lazily initialized with U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(ctx *context.Context, inFeatures, outFeatures int) *Linear {
	bound := 1 / math.Sqrt(float64(inFeatures))
	return &Linear{
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		Weight: ctx.WithInitializer(initializers.RandomUniformFn(ctx, -bound, bound)).
			VariableWithShape("weight", shapes.Make(dtypes.Float32, outFeatures, inFeatures)),
		Bias: ctx.WithInitializer(initializers.RandomUniformFn(ctx, -bound, bound)).
			VariableWithShape("bias", shapes.Make(dtypes.Float32, outFeatures)),
	}
}

// Params implements ParamHolder.
func (l *Linear) Params() []Param {
	return []Param{{Name: "weight", Variable: l.Weight}, {Name: "bias", Variable: l.Bias}}
}

// Forward implements Module.
func (l *Linear) Forward(x *Node) *Node {
	g := x.Graph()
	return l.Apply(x, l.Weight.ValueGraph(g), l.Bias.ValueGraph(g))
}

// Apply computes the layer on x with the given weight and bias nodes.
func (l *Linear) Apply(x, weight, bias *Node) *Node {
	y := Einsum("bi,oi->bo", x, weight)
	return Add(y, InsertAxes(bias, 0))
}
