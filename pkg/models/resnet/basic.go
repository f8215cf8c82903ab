// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/gomlx/quantvision/pkg/quantization"
	"github.com/pkg/errors"
)

// BasicBlock is the narrow residual block: conv3x3-bn-relu, conv3x3-bn, then relu(x + shortcut).
//
// The layers are held as nn.Module because fusion and quantization replace them in place.
type BasicBlock struct {
	Conv1, BN1, ReLU nn.Module
	Conv2, BN2       nn.Module

	// Downsample is nil if the shortcut is the identity.
	Downsample *nn.Sequential
	AddReLU    quantization.Functional
}

var _ ResidualBlock = (*BasicBlock)(nil)

func newBasicBlock(ctx *context.Context, cfg blockConfig) (*BasicBlock, error) {
	if cfg.groups != 1 || cfg.baseWidth != 64 {
		return nil, errors.Errorf("BasicBlock only supports groups=1 and base_width=64, got groups=%d and base_width=%d",
			cfg.groups, cfg.baseWidth)
	}
	if cfg.dilation > 1 {
		return nil, errors.Errorf("dilation > 1 not supported in BasicBlock (got %d)", cfg.dilation)
	}
	bn2 := nn.NewBatchNorm2d(ctx.In("bn2"), cfg.planes)
	if cfg.zeroInitLastBatchNorm {
		if err := bn2.SetGamma(0); err != nil {
			return nil, err
		}
	}
	b := &BasicBlock{
		Conv1:   conv3x3(ctx.In("conv1"), cfg.inPlanes, cfg.planes, cfg.stride, 1, 1),
		BN1:     nn.NewBatchNorm2d(ctx.In("bn1"), cfg.planes),
		ReLU:    &nn.ReLU{Inplace: true},
		Conv2:   conv3x3(ctx.In("conv2"), cfg.planes, cfg.planes, 1, 1, 1),
		BN2:     bn2,
		AddReLU: &quantization.AddReLU{},
	}
	if cfg.withDownsample {
		b.Downsample = newDownsample(ctx, cfg.inPlanes, cfg.planes*BlockBasic.Expansion(), cfg.stride)
	}
	return b, nil
}

// Kind implements ResidualBlock.
func (b *BasicBlock) Kind() BlockKind { return BlockBasic }

// Forward implements nn.Module.
func (b *BasicBlock) Forward(x *Node) *Node {
	out := b.Conv1.Forward(x)
	out = b.BN1.Forward(out)
	out = b.ReLU.Forward(out)
	out = b.Conv2.Forward(out)
	out = b.BN2.Forward(out)
	shortcut := x
	if b.Downsample != nil {
		shortcut = b.Downsample.Forward(x)
	}
	return b.AddReLU.AddReLU(out, shortcut)
}

// FuseModel implements ResidualBlock: [conv1, bn1, relu], [conv2, bn2] and the downsample pair.
func (b *BasicBlock) FuseModel(qat bool) error {
	groups := [][]string{{"conv1", "bn1", "relu"}, {"conv2", "bn2"}}
	return quantization.FuseModules(b, append(groups, downsampleGroup(b.Downsample)...), qat)
}

// Children implements nn.Parent.
func (b *BasicBlock) Children() []nn.Child {
	children := []nn.Child{
		{Name: "conv1", Module: b.Conv1},
		{Name: "bn1", Module: b.BN1},
		{Name: "relu", Module: b.ReLU},
		{Name: "conv2", Module: b.Conv2},
		{Name: "bn2", Module: b.BN2},
	}
	if b.Downsample != nil {
		children = append(children, nn.Child{Name: "downsample", Module: b.Downsample})
	}
	return append(children, nn.Child{Name: "add_relu", Module: b.AddReLU})
}

// SetChild implements nn.Parent.
func (b *BasicBlock) SetChild(name string, m nn.Module) error {
	switch name {
	case "conv1":
		b.Conv1 = m
	case "bn1":
		b.BN1 = m
	case "relu":
		b.ReLU = m
	case "conv2":
		b.Conv2 = m
	case "bn2":
		b.BN2 = m
	case "downsample":
		return setDownsample(&b.Downsample, m)
	case "add_relu":
		return setFunctional(&b.AddReLU, name, m)
	default:
		return errors.Wrapf(nn.ErrNoSuchModule, "BasicBlock has no child %q", name)
	}
	return nil
}

func setDownsample(slot **nn.Sequential, m nn.Module) error {
	seq, ok := m.(*nn.Sequential)
	if !ok || *slot == nil {
		return errors.Errorf("downsample can only be replaced by a *nn.Sequential, got %T", m)
	}
	*slot = seq
	return nil
}

func setFunctional(slot *quantization.Functional, name string, m nn.Module) error {
	f, ok := m.(quantization.Functional)
	if !ok {
		return errors.Errorf("%q must be a quantization.Functional, got %T", name, m)
	}
	*slot = f
	return nil
}
