// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quantvision/pkg/nn"
)

// BlockKind selects the residual block of a network.
type BlockKind int

const (
	// BlockBasic is the narrow block: two 3x3 convolutions. Used by ResNet-18 and ResNet-34.
	BlockBasic BlockKind = iota

	// BlockBottleneck is the 1x1 reduce, 3x3 (possibly grouped) and 1x1 expand block.
	// Used by ResNet-50 and larger, and by ResNeXt.
	BlockBottleneck
)

//go:generate go tool enumer -type=BlockKind -trimprefix=Block -transform=snake -values -text block.go

// Expansion is the ratio between the output channels of the block and its "planes".
func (k BlockKind) Expansion() int {
	if k == BlockBottleneck {
		return 4
	}
	return 1
}

// ResidualBlock is a residual block whose final addition and activation go through a single
// fusable operation, and that knows which of its layers can be fused.
type ResidualBlock interface {
	nn.Parent

	// Kind of the block.
	Kind() BlockKind

	// FuseModel fuses the convolution, batch-norm and ReLU sequences of the block in place.
	// It is idempotent.
	FuseModel(qat bool) error
}

// blockConfig holds the parameters of one block.
type blockConfig struct {
	inPlanes, planes      int
	stride                int
	groups, baseWidth     int
	dilation              int
	withDownsample        bool
	zeroInitLastBatchNorm bool
}

func conv3x3(ctx *context.Context, in, out, stride, groups, dilation int) *nn.Conv2d {
	return nn.NewConv2d(ctx, in, out).
		KernelSize(3).Stride(stride).Padding(dilation).Dilation(dilation).Groups(groups).
		Done()
}

func conv1x1(ctx *context.Context, in, out, stride int) *nn.Conv2d {
	return nn.NewConv2d(ctx, in, out).Stride(stride).Done()
}

// newDownsample creates the projection of the shortcut, used when the block changes the
// number of channels or the resolution.
func newDownsample(ctx *context.Context, in, out, stride int) *nn.Sequential {
	ctx = ctx.In("downsample")
	return nn.NewSequential(
		conv1x1(ctx.In("0"), in, out, stride),
		nn.NewBatchNorm2d(ctx.In("1"), out),
	)
}

// downsampleGroup returns the fusion group of the downsample path, if present.
func downsampleGroup(downsample *nn.Sequential) [][]string {
	if downsample == nil {
		return nil
	}
	return [][]string{{"downsample.0", "downsample.1"}}
}
