// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantization

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/quantvision/pkg/nn"
)

// QuantStub marks where float inputs enter the quantized part of a model.
// It is the identity until the model is converted, when it becomes a Quantize.
type QuantStub struct{}

// Forward implements nn.Module.
func (*QuantStub) Forward(x *Node) *Node { return x }

// DeQuantStub marks where quantized values leave the model back to float.
// It is the identity until the model is converted, when it becomes a DeQuantize.
type DeQuantStub struct{}

// Forward implements nn.Module.
func (*DeQuantStub) Forward(x *Node) *Node { return x }

// Functional is a module that combines two inputs, used for the residual connections.
// Giving the operation its own module allows it to be observed and quantized with its own scale.
type Functional interface {
	nn.Module

	// AddReLU returns relu(a + b).
	AddReLU(a, b *Node) *Node
}

// AddReLU is the float form of the fusable "add then ReLU" of residual blocks.
type AddReLU struct{}

var _ Functional = (*AddReLU)(nil)

// Forward is not supported: AddReLU takes two inputs.
func (*AddReLU) Forward(*Node) *Node {
	exceptions.Panicf("AddReLU takes two inputs, use its AddReLU method")
	return nil
}

// AddReLU implements Functional.
func (*AddReLU) AddReLU(a, b *Node) *Node {
	return activations.Relu(Add(a, b))
}
