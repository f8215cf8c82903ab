// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/gomlx/quantvision/pkg/quantization"
	"github.com/pkg/errors"
)

// Bottleneck is the residual block conv1x1-bn-relu1, conv3x3-bn-relu2 (grouped for ResNeXt),
// conv1x1-bn, then relu(x + shortcut). The stride is in the 3x3 convolution.
//
// Each activation is its own module, so each can be fused with its convolution.
type Bottleneck struct {
	Conv1, BN1, ReLU1 nn.Module
	Conv2, BN2, ReLU2 nn.Module
	Conv3, BN3        nn.Module

	// Downsample is nil if the shortcut is the identity.
	Downsample  *nn.Sequential
	SkipAddReLU quantization.Functional

	// Width is the number of channels of the 3x3 convolution, and Groups its number of groups.
	Width, Groups int
}

var _ ResidualBlock = (*Bottleneck)(nil)

func newBottleneck(ctx *context.Context, cfg blockConfig) (*Bottleneck, error) {
	width := cfg.planes * cfg.baseWidth / 64 * cfg.groups
	if width <= 0 {
		return nil, errors.Errorf("invalid Bottleneck width %d (planes=%d, base_width=%d, groups=%d)",
			width, cfg.planes, cfg.baseWidth, cfg.groups)
	}
	outPlanes := cfg.planes * BlockBottleneck.Expansion()
	bn3 := nn.NewBatchNorm2d(ctx.In("bn3"), outPlanes)
	if cfg.zeroInitLastBatchNorm {
		if err := bn3.SetGamma(0); err != nil {
			return nil, err
		}
	}
	b := &Bottleneck{
		Conv1:       conv1x1(ctx.In("conv1"), cfg.inPlanes, width, 1),
		BN1:         nn.NewBatchNorm2d(ctx.In("bn1"), width),
		ReLU1:       &nn.ReLU{},
		Conv2:       conv3x3(ctx.In("conv2"), width, width, cfg.stride, cfg.groups, cfg.dilation),
		BN2:         nn.NewBatchNorm2d(ctx.In("bn2"), width),
		ReLU2:       &nn.ReLU{},
		Conv3:       conv1x1(ctx.In("conv3"), width, outPlanes, 1),
		BN3:         bn3,
		SkipAddReLU: &quantization.AddReLU{},
		Width:       width,
		Groups:      cfg.groups,
	}
	if cfg.withDownsample {
		b.Downsample = newDownsample(ctx, cfg.inPlanes, outPlanes, cfg.stride)
	}
	return b, nil
}

// Kind implements ResidualBlock.
func (b *Bottleneck) Kind() BlockKind { return BlockBottleneck }

// Forward implements nn.Module.
func (b *Bottleneck) Forward(x *Node) *Node {
	out := b.ReLU1.Forward(b.BN1.Forward(b.Conv1.Forward(x)))
	out = b.ReLU2.Forward(b.BN2.Forward(b.Conv2.Forward(out)))
	out = b.BN3.Forward(b.Conv3.Forward(out))
	shortcut := x
	if b.Downsample != nil {
		shortcut = b.Downsample.Forward(x)
	}
	return b.SkipAddReLU.AddReLU(out, shortcut)
}

// FuseModel implements ResidualBlock: [conv1, bn1, relu1], [conv2, bn2, relu2], [conv3, bn3] and
// the downsample pair.
func (b *Bottleneck) FuseModel(qat bool) error {
	groups := [][]string{
		{"conv1", "bn1", "relu1"},
		{"conv2", "bn2", "relu2"},
		{"conv3", "bn3"},
	}
	return quantization.FuseModules(b, append(groups, downsampleGroup(b.Downsample)...), qat)
}

// Children implements nn.Parent.
func (b *Bottleneck) Children() []nn.Child {
	children := []nn.Child{
		{Name: "conv1", Module: b.Conv1},
		{Name: "bn1", Module: b.BN1},
		{Name: "conv2", Module: b.Conv2},
		{Name: "bn2", Module: b.BN2},
		{Name: "conv3", Module: b.Conv3},
		{Name: "bn3", Module: b.BN3},
	}
	if b.Downsample != nil {
		children = append(children, nn.Child{Name: "downsample", Module: b.Downsample})
	}
	return append(children,
		nn.Child{Name: "skip_add_relu", Module: b.SkipAddReLU},
		nn.Child{Name: "relu1", Module: b.ReLU1},
		nn.Child{Name: "relu2", Module: b.ReLU2},
	)
}

// SetChild implements nn.Parent.
func (b *Bottleneck) SetChild(name string, m nn.Module) error {
	switch name {
	case "conv1":
		b.Conv1 = m
	case "bn1":
		b.BN1 = m
	case "relu1":
		b.ReLU1 = m
	case "conv2":
		b.Conv2 = m
	case "bn2":
		b.BN2 = m
	case "relu2":
		b.ReLU2 = m
	case "conv3":
		b.Conv3 = m
	case "bn3":
		b.BN3 = m
	case "downsample":
		return setDownsample(&b.Downsample, m)
	case "skip_add_relu":
		return setFunctional(&b.SkipAddReLU, name, m)
	default:
		return errors.Wrapf(nn.ErrNoSuchModule, "Bottleneck has no child %q", name)
	}
	return nil
}
