// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet provides quantization-ready ResNet and ResNeXt image classifiers
// (ResNet-18, ResNet-50, ResNeXt-101 32x8d and ResNeXt-101 64x4d), with their pretrained weights.
//
// The networks mirror torchvision's layout and parameter names, so PyTorch checkpoints load directly.
// They are wrapped by quantization stubs, can be fused (Network.FuseModel) and converted to
// 8-bit quantized models (see package quantization).
//
// Example: build a pretrained quantized ResNet-50 and classify a batch of preprocessed images:
//
//	net, err := resnet.ResNet50(resnet.WithWeightsName("DEFAULT"), resnet.WithQuantize(true))
//	if err != nil { ... }
//	logits, err := net.Predict(images) // images: [batch, 3, 224, 224] float32.
package resnet

import (
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/gomlx/quantvision/pkg/quantization"
	"github.com/gomlx/quantvision/pkg/weights"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a network.
type Config struct {
	Block BlockKind

	// Layers is the number of blocks in each of the 4 stages.
	Layers [4]int

	NumClasses int

	// Groups and WidthPerGroup configure the 3x3 convolutions of Bottleneck blocks (ResNeXt).
	Groups, WidthPerGroup int

	// ReplaceStrideWithDilation replaces the stride 2 of stages 2 to 4 by a dilation.
	ReplaceStrideWithDilation [3]bool

	// ZeroInitResidual initializes the scale of the last batch-norm of each block to zero,
	// so each residual branch starts as the identity.
	ZeroInitResidual bool
}

// DefaultConfig returns the configuration of a ResNet with the given block and stage sizes,
// classifying the 1000 ImageNet categories.
func DefaultConfig(block BlockKind, layers [4]int) Config {
	return Config{Block: block, Layers: layers, NumClasses: 1000, Groups: 1, WidthPerGroup: 64}
}

// Network is a ResNet wrapped by quantization stubs:
// quant, conv1, bn1, relu, maxpool, layer1 to layer4, avgpool, fc and dequant.
//
// Its layers are replaced in place by fusion and quantization.
type Network struct {
	Config Config

	Quant                     nn.Module
	Conv1, BN1, ReLU, MaxPool nn.Module
	Layers                    [4]*nn.Sequential
	AvgPool, FC               nn.Module
	DeQuant                   nn.Module

	ctx     *context.Context
	backend backends.Backend
	exec    *context.Exec
	weights *weights.Weights
}

var _ quantization.Model = (*Network)(nil)

// NewNetwork creates a network with the given configuration, with its variables in ctx.
// Variables are lazily initialized, either by loading a checkpoint or by Network.InitializeVariables.
func NewNetwork(backend backends.Backend, ctx *context.Context, cfg Config) (net *Network, err error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	var buildErr error
	err = exceptions.TryCatch[error](func() {
		net, buildErr = buildNetwork(backend, ctx, cfg)
	})
	if err == nil {
		err = buildErr
	}
	if err != nil {
		return nil, errors.WithMessage(err, "building ResNet")
	}
	return net, nil
}

func validateConfig(cfg Config) error {
	if !cfg.Block.IsABlockKind() {
		return errors.Errorf("invalid block kind %s", cfg.Block)
	}
	for i, n := range cfg.Layers {
		if n <= 0 {
			return errors.Errorf("stage %d must have at least one block, got %d", i+1, n)
		}
	}
	if cfg.NumClasses <= 0 {
		return errors.Errorf("invalid number of classes %d", cfg.NumClasses)
	}
	if cfg.Groups <= 0 || cfg.WidthPerGroup <= 0 {
		return errors.Errorf("invalid groups=%d and width_per_group=%d", cfg.Groups, cfg.WidthPerGroup)
	}
	return nil
}

func buildNetwork(backend backends.Backend, ctx *context.Context, cfg Config) (*Network, error) {
	const stemPlanes = 64
	net := &Network{
		Config:  cfg,
		ctx:     ctx,
		backend: backend,
		Quant:   &quantization.QuantStub{},
		Conv1:   nn.NewConv2d(ctx.In("conv1"), 3, stemPlanes).KernelSize(7).Stride(2).Padding(3).Done(),
		BN1:     nn.NewBatchNorm2d(ctx.In("bn1"), stemPlanes),
		ReLU:    &nn.ReLU{Inplace: true},
		MaxPool: &nn.MaxPool2d{KernelSize: 3, Stride: 2, Padding: 1},
		AvgPool: &nn.AdaptiveAvgPool2d{},
		DeQuant: &quantization.DeQuantStub{},
	}

	inPlanes, dilation := stemPlanes, 1
	for stage, planes := range []int{64, 128, 256, 512} {
		stride, dilate := 1, false
		if stage > 0 {
			stride, dilate = 2, cfg.ReplaceStrideWithDilation[stage-1]
		}
		layer, err := net.makeLayer(ctx.In("layer"+strconv.Itoa(stage+1)), &inPlanes, &dilation,
			planes, cfg.Layers[stage], stride, dilate)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer%d", stage+1)
		}
		net.Layers[stage] = layer
	}
	net.FC = nn.NewLinear(ctx.In("fc"), 512*cfg.Block.Expansion(), cfg.NumClasses)
	return net, nil
}

// makeLayer creates a stage of numBlocks blocks. Only the first block changes the resolution and
// the number of channels. If dilate is set, the stride is replaced by a dilation, and the first
// block keeps the dilation of the previous stage.
func (net *Network) makeLayer(ctx *context.Context, inPlanes, dilation *int,
	planes, numBlocks, stride int, dilate bool) (*nn.Sequential, error) {
	cfg := net.Config
	previousDilation := *dilation
	if dilate {
		*dilation *= stride
		stride = 1
	}
	layer := nn.NewSequential()
	for i := range numBlocks {
		bc := blockConfig{
			inPlanes:              *inPlanes,
			planes:                planes,
			stride:                1,
			groups:                cfg.Groups,
			baseWidth:             cfg.WidthPerGroup,
			dilation:              *dilation,
			zeroInitLastBatchNorm: cfg.ZeroInitResidual,
		}
		if i == 0 {
			bc.stride = stride
			bc.dilation = previousDilation
			bc.withDownsample = stride != 1 || *inPlanes != planes*cfg.Block.Expansion()
		}
		block, err := newBlock(ctx.In(strconv.Itoa(i)), cfg.Block, bc)
		if err != nil {
			return nil, err
		}
		layer.Modules = append(layer.Modules, block)
		*inPlanes = planes * cfg.Block.Expansion()
	}
	return layer, nil
}

func newBlock(ctx *context.Context, kind BlockKind, cfg blockConfig) (ResidualBlock, error) {
	if kind == BlockBottleneck {
		return newBottleneck(ctx, cfg)
	}
	return newBasicBlock(ctx, cfg)
}

// Forward implements nn.Module. x is a batch of NCHW float32 images, and it returns the logits
// shaped [batch, NumClasses].
func (net *Network) Forward(x *Node) *Node {
	x = net.Quant.Forward(x)
	x = net.Conv1.Forward(x)
	x = net.BN1.Forward(x)
	x = net.ReLU.Forward(x)
	x = net.MaxPool.Forward(x)
	for _, layer := range net.Layers {
		x = layer.Forward(x)
	}
	x = net.AvgPool.Forward(x)
	x = (&nn.Flatten{}).Forward(x)
	x = net.FC.Forward(x)
	return net.DeQuant.Forward(x)
}

// Children implements nn.Parent. The order matches the checkpoints of torchvision.
func (net *Network) Children() []nn.Child {
	children := []nn.Child{
		{Name: "conv1", Module: net.Conv1},
		{Name: "bn1", Module: net.BN1},
		{Name: "relu", Module: net.ReLU},
		{Name: "maxpool", Module: net.MaxPool},
	}
	for i, layer := range net.Layers {
		children = append(children, nn.Child{Name: "layer" + strconv.Itoa(i+1), Module: layer})
	}
	return append(children,
		nn.Child{Name: "avgpool", Module: net.AvgPool},
		nn.Child{Name: "fc", Module: net.FC},
		nn.Child{Name: "quant", Module: net.Quant},
		nn.Child{Name: "dequant", Module: net.DeQuant},
	)
}

// SetChild implements nn.Parent.
func (net *Network) SetChild(name string, m nn.Module) error {
	defer net.invalidate()
	switch name {
	case "quant":
		net.Quant = m
	case "conv1":
		net.Conv1 = m
	case "bn1":
		net.BN1 = m
	case "relu":
		net.ReLU = m
	case "maxpool":
		net.MaxPool = m
	case "avgpool":
		net.AvgPool = m
	case "fc":
		net.FC = m
	case "dequant":
		net.DeQuant = m
	case "layer1", "layer2", "layer3", "layer4":
		layer, ok := m.(*nn.Sequential)
		if !ok {
			return errors.Errorf("%q must be a *nn.Sequential, got %T", name, m)
		}
		net.Layers[name[len("layer")]-'1'] = layer
	default:
		return errors.Wrapf(nn.ErrNoSuchModule, "Network has no child %q", name)
	}
	return nil
}

// Blocks returns the residual blocks of all stages, in order.
func (net *Network) Blocks() []ResidualBlock {
	var blocks []ResidualBlock
	for _, layer := range net.Layers {
		for _, m := range layer.Modules {
			if block, ok := m.(ResidualBlock); ok {
				blocks = append(blocks, block)
			}
		}
	}
	return blocks
}

// FuseModel fuses the stem [conv1, bn1, relu] and then each BasicBlock and Bottleneck.
// With qat set, batch-norms are kept inside the fused modules instead of folded.
//
// Variables not loaded yet are initialized first, since folding reads them. It is idempotent.
func (net *Network) FuseModel(qat bool) error {
	defer net.invalidate()
	if err := net.InitializeVariables(); err != nil {
		return errors.WithMessage(err, "fusing ResNet")
	}
	if err := quantization.FuseModules(net, [][]string{{"conv1", "bn1", "relu"}}, qat); err != nil {
		return err
	}
	for _, layer := range net.Layers {
		for _, m := range layer.Modules {
			var err error
			switch block := m.(type) {
			case *BasicBlock:
				err = block.FuseModel(qat)
			case *Bottleneck:
				err = block.FuseModel(qat)
			}
			if err != nil {
				return err
			}
		}
	}
	klog.V(1).Infof("fused network: %d fused units", net.FusedUnits())
	return nil
}

// FusedUnits returns the number of fused convolutions in the network, including the ones already
// converted to quantized convolutions.
func (net *Network) FusedUnits() int {
	return nn.CountOf[*nn.FusedConv2d](net) + nn.CountOf[*quantization.QuantizedConv2d](net)
}

// IsQuantized returns whether the network was converted to its quantized form.
func (net *Network) IsQuantized() bool {
	_, ok := net.Quant.(*quantization.Quantize)
	return ok
}

// Context implements quantization.Model.
func (net *Network) Context() *context.Context { return net.ctx }

// Backend used to execute the network.
func (net *Network) Backend() backends.Backend { return net.backend }

// Weights returns the pretrained weights loaded by the factory functions, or nil.
func (net *Network) Weights() *weights.Weights { return net.weights }

// Groups returns the number of groups of the 3x3 convolutions of the blocks.
func (net *Network) Groups() int { return net.Config.Groups }

// InitializeVariables initializes the variables that have no value yet, with their initializers.
func (net *Network) InitializeVariables() error {
	return net.ctx.InitializeVariables(net.backend, nil)
}

// NumParameters returns the number of trainable values of the network.
func (net *Network) NumParameters() int { return nn.NumParameters(net) }

// StateDict returns the current values of all the parameters and buffers, keyed by their dotted names.
func (net *Network) StateDict() (nn.StateDict, error) {
	if err := net.InitializeVariables(); err != nil {
		return nil, err
	}
	return nn.CollectStateDict(net)
}

// LoadStateDict loads the values of all parameters and buffers from sd.
// Keys and shapes must match exactly, otherwise an error wrapping nn.ErrStructuralMismatch is returned.
func (net *Network) LoadStateDict(sd nn.StateDict) error {
	defer net.invalidate()
	return nn.LoadStateDict(net, sd)
}

// Predict executes the network on a batch of NCHW float32 images and returns the logits.
// The computation graph is compiled on the first call (and for each new input shape).
func (net *Network) Predict(images *tensors.Tensor) (*tensors.Tensor, error) {
	if net.exec == nil {
		exec, err := context.NewExec(net.backend, net.ctx, func(_ *context.Context, x *Node) *Node {
			return net.Forward(x)
		})
		if err != nil {
			return nil, errors.WithMessage(err, "creating ResNet executor")
		}
		net.exec = exec
	}
	logits, err := net.exec.Exec1(images)
	if err != nil {
		return nil, errors.WithMessage(err, "executing ResNet")
	}
	return logits, nil
}

// invalidate drops the compiled graph, after the module tree changed.
func (net *Network) invalidate() {
	if net.exec != nil {
		net.exec.Finalize()
		net.exec = nil
	}
}

// Finalize releases the compiled graphs. The network can still be used afterward.
func (net *Network) Finalize() {
	net.invalidate()
}
