// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Conv2d is a 2D convolution over NCHW inputs, with kernels shaped [out, in/groups, k, k].
type Conv2d struct {
	InChannels, OutChannels int
	KernelSize, Stride      int
	Padding, Dilation       int
	Groups                  int

	Weight *context.Variable
	// Bias is nil if the convolution has no bias.
	Bias *context.Variable

	ctx *context.Context
}

var (
	_ Module      = (*Conv2d)(nil)
	_ ParamHolder = (*Conv2d)(nil)
)

// Conv2dBuilder configures a Conv2d. Create it with NewConv2d and finish with Done.
type Conv2dBuilder struct {
	ctx     *context.Context
	conv    Conv2d
	useBias bool
}

// NewConv2d starts the configuration of a convolution whose variables are created in the current scope of ctx.
//
// Defaults: kernel size 1, stride 1, no padding, dilation 1, 1 group and no bias.
func NewConv2d(ctx *context.Context, inChannels, outChannels int) *Conv2dBuilder {
	return &Conv2dBuilder{
		ctx: ctx,
		conv: Conv2d{
			InChannels:  inChannels,
			OutChannels: outChannels,
			KernelSize:  1,
			Stride:      1,
			Dilation:    1,
			Groups:      1,
		},
	}
}

// KernelSize sets the size of the square kernel.
func (b *Conv2dBuilder) KernelSize(size int) *Conv2dBuilder {
	b.conv.KernelSize = size
	return b
}

// Stride sets the stride in both spatial axes.
func (b *Conv2dBuilder) Stride(stride int) *Conv2dBuilder {
	b.conv.Stride = stride
	return b
}

// Padding sets the zero padding added to both sides of both spatial axes.
func (b *Conv2dBuilder) Padding(padding int) *Conv2dBuilder {
	b.conv.Padding = padding
	return b
}

// Dilation sets the kernel dilation.
func (b *Conv2dBuilder) Dilation(dilation int) *Conv2dBuilder {
	b.conv.Dilation = dilation
	return b
}

// Groups sets the number of channel groups. Both input and output channels must be divisible by it.
func (b *Conv2dBuilder) Groups(groups int) *Conv2dBuilder {
	b.conv.Groups = groups
	return b
}

// UseBias adds a bias variable, initialized to zero.
func (b *Conv2dBuilder) UseBias(useBias bool) *Conv2dBuilder {
	b.useBias = useBias
	return b
}

// Done validates the configuration and creates the variables.
// The kernel is lazily initialized (Kaiming normal, fan-out mode) when the context variables are initialized.
//
// It panics (with exceptions.Panicf) for invalid configurations.
func (b *Conv2dBuilder) Done() *Conv2d {
	c := b.conv
	if c.InChannels <= 0 || c.OutChannels <= 0 || c.KernelSize <= 0 || c.Stride <= 0 || c.Dilation <= 0 {
		exceptions.Panicf("invalid Conv2d configuration in scope %q: %+v", b.ctx.Scope(), c)
	}
	if c.Groups <= 0 || c.InChannels%c.Groups != 0 || c.OutChannels%c.Groups != 0 {
		exceptions.Panicf("Conv2d in scope %q: in_channels=%d and out_channels=%d must be divisible by groups=%d",
			b.ctx.Scope(), c.InChannels, c.OutChannels, c.Groups)
	}
	c.ctx = b.ctx
	kernelShape := shapes.Make(dtypes.Float32, c.OutChannels, c.InChannels/c.Groups, c.KernelSize, c.KernelSize)
	c.Weight = b.ctx.WithInitializer(kaimingNormalFanOut(b.ctx)).
		VariableWithShape("weight", kernelShape)
	if b.useBias {
		c.Bias = b.ctx.VariableWithValue("bias", tensors.FromShape(shapes.Make(dtypes.Float32, c.OutChannels)))
	}
	return &c
}

// Params implements ParamHolder.
func (c *Conv2d) Params() []Param {
	params := []Param{{Name: "weight", Variable: c.Weight}}
	if c.Bias != nil {
		params = append(params, Param{Name: "bias", Variable: c.Bias})
	}
	return params
}

// Forward implements Module.
func (c *Conv2d) Forward(x *Node) *Node {
	g := x.Graph()
	return c.Apply(x, c.Weight.ValueGraph(g), c.BiasNode(g))
}

// BiasNode returns the bias in the graph, or nil if there is no bias.
func (c *Conv2d) BiasNode(g *Graph) *Node {
	if c.Bias == nil {
		return nil
	}
	return c.Bias.ValueGraph(g)
}

// Apply convolves x with the given kernel (and optional bias) using the geometry of c.
// Quantized variants use it with dequantized kernels.
func (c *Conv2d) Apply(x, kernel, bias *Node) *Node {
	p := c.Padding
	y := Convolve(x, kernel).
		ChannelsAxis(images.ChannelsFirst).
		Strides(c.Stride).
		PaddingPerDim([][2]int{{p, p}, {p, p}}).
		Dilations(c.Dilation).
		ChannelGroupCount(c.Groups).
		Done()
	if bias != nil {
		y = Add(y, Reshape(bias, 1, c.OutChannels, 1, 1))
	}
	return y
}

// Context returns the context (and scope) where the variables of the convolution live.
func (c *Conv2d) Context() *context.Context {
	return c.ctx
}
