// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// FusedConv2d is a convolution fused with the batch-norm and/or ReLU that followed it.
//
// In the inference form the batch-norm is already folded into the convolution and BN is nil.
// In the quantization-aware training (QAT) form the batch-norm is kept as a separate child, so
// its statistics can still be used while training.
//
// Children are named like PyTorch's intrinsic modules: "0" is the convolution, followed by the
// batch-norm (QAT form only) and the ReLU, if present.
type FusedConv2d struct {
	Conv *Conv2d
	BN   *BatchNorm2d
	ReLU *ReLU
}

var _ Parent = (*FusedConv2d)(nil)

// HasBatchNorm returns whether the batch-norm is kept as a separate module (QAT form).
func (f *FusedConv2d) HasBatchNorm() bool { return f.BN != nil }

// HasReLU returns whether the ReLU is part of the fused module.
func (f *FusedConv2d) HasReLU() bool { return f.ReLU != nil }

// Forward implements Module.
func (f *FusedConv2d) Forward(x *Node) *Node {
	x = f.Conv.Forward(x)
	if f.BN != nil {
		x = f.BN.Forward(x)
	}
	if f.ReLU != nil {
		x = f.ReLU.Forward(x)
	}
	return x
}

// Children implements Parent.
func (f *FusedConv2d) Children() []Child {
	children := []Child{{Name: "0", Module: f.Conv}}
	if f.BN != nil {
		children = append(children, Child{Name: "1", Module: f.BN})
	}
	if f.ReLU != nil {
		children = append(children, Child{Name: f.reluName(), Module: f.ReLU})
	}
	return children
}

func (f *FusedConv2d) reluName() string {
	if f.BN != nil {
		return "2"
	}
	return "1"
}

// SetChild implements Parent. Only modules of the same kind can be set.
func (f *FusedConv2d) SetChild(name string, m Module) error {
	switch {
	case name == "0":
		conv, ok := m.(*Conv2d)
		if !ok {
			return errors.Errorf("FusedConv2d child %q must be a *Conv2d, got %T", name, m)
		}
		f.Conv = conv
	case name == "1" && f.BN != nil:
		bn, ok := m.(*BatchNorm2d)
		if !ok {
			return errors.Errorf("FusedConv2d child %q must be a *BatchNorm2d, got %T", name, m)
		}
		f.BN = bn
	case f.ReLU != nil && name == f.reluName():
		relu, ok := m.(*ReLU)
		if !ok {
			return errors.Errorf("FusedConv2d child %q must be a *ReLU, got %T", name, m)
		}
		f.ReLU = relu
	default:
		return errors.Wrapf(ErrNoSuchModule, "FusedConv2d has no child %q", name)
	}
	return nil
}
