// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"strconv"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// IdentityModule returns its input. Fusion leaves it in the slots of the modules merged into a fused one.
type IdentityModule struct{}

// Forward implements Module.
func (*IdentityModule) Forward(x *Node) *Node { return x }

// ReLU activation.
//
// Inplace only records how the module was declared (in-place activations can't be fused); the computation
// graph is always functional.
type ReLU struct {
	Inplace bool
}

// Forward implements Module.
func (*ReLU) Forward(x *Node) *Node { return activations.Relu(x) }

// ReLU6 is min(max(x, 0), 6).
type ReLU6 struct{}

// Forward implements Module.
func (*ReLU6) Forward(x *Node) *Node { return ClipScalar(x, 0, 6) }

// MaxPool2d is a max pooling over the spatial axes of NCHW inputs.
type MaxPool2d struct {
	KernelSize, Stride, Padding int
}

// Forward implements Module.
func (p *MaxPool2d) Forward(x *Node) *Node {
	pad := p.Padding
	return MaxPool(x).
		ChannelsAxis(images.ChannelsFirst).
		Window(p.KernelSize).
		Strides(p.Stride).
		PaddingPerDim([][2]int{{pad, pad}, {pad, pad}}).
		Done()
}

// AdaptiveAvgPool2d averages the spatial axes of NCHW inputs down to 1x1.
type AdaptiveAvgPool2d struct{}

// Forward implements Module.
func (*AdaptiveAvgPool2d) Forward(x *Node) *Node {
	dims := x.Shape().Dimensions
	return Reshape(ReduceMean(x, 2, 3), dims[0], dims[1], 1, 1)
}

// Flatten collapses all axes but the batch axis.
type Flatten struct{}

// Forward implements Module.
func (*Flatten) Forward(x *Node) *Node {
	dims := x.Shape().Dimensions
	return Reshape(x, dims[0], x.Shape().Size()/dims[0])
}

// Sequential applies its children in order. Children are named "0", "1", ...
type Sequential struct {
	Modules []Module
}

var _ Parent = (*Sequential)(nil)

// NewSequential creates a Sequential with the given modules.
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{Modules: modules}
}

// Forward implements Module.
func (s *Sequential) Forward(x *Node) *Node {
	for _, m := range s.Modules {
		x = m.Forward(x)
	}
	return x
}

// Children implements Parent.
func (s *Sequential) Children() []Child {
	children := make([]Child, len(s.Modules))
	for i, m := range s.Modules {
		children[i] = Child{Name: strconv.Itoa(i), Module: m}
	}
	return children
}

// SetChild implements Parent.
func (s *Sequential) SetChild(name string, m Module) error {
	idx, err := strconv.Atoi(name)
	if err != nil || idx < 0 || idx >= len(s.Modules) {
		return errors.Wrapf(ErrNoSuchModule, "Sequential with %d modules has no child %q", len(s.Modules), name)
	}
	s.Modules[idx] = m
	return nil
}
