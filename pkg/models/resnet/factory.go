// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	gocontext "context"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/quantvision/pkg/hub"
	"github.com/gomlx/quantvision/pkg/quantization"
	"github.com/gomlx/quantvision/pkg/weights"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type options struct {
	weights     *weights.Weights
	weightsName string
	pretrained  *bool
	progress    bool
	quantize    bool
	qBackend    string

	numClasses, groups, widthPerGroup int
	zeroInitResidual                  bool
	replaceStrideWithDilation         [3]bool

	backend         backends.Backend
	hub             *hub.Hub
	downloadCtx     gocontext.Context
	calibrationSize int
	seed            int64
}

// Option configures the factory functions.
type Option func(*options)

// WithWeights selects the pretrained weights to load. They must belong to the registry of the
// architecture: the quantized registry if WithQuantize(true) is used, the float registry otherwise.
func WithWeights(w *weights.Weights) Option {
	return func(o *options) { o.weights = w }
}

// WithWeightsName selects the pretrained weights by key, e.g. "IMAGENET1K_FBGEMM_V1" or "DEFAULT",
// in the registry of the architecture.
func WithWeightsName(name string) Option {
	return func(o *options) { o.weightsName = name }
}

// WithPretrained is the legacy form of selecting weights: if true, it selects the first version of
// the quantized weights if quantizing, or of the float weights otherwise.
// It can't be combined with WithWeights or WithWeightsName.
func WithPretrained(pretrained bool) Option {
	return func(o *options) { o.pretrained = &pretrained }
}

// WithProgress displays a progress bar while downloading weights. Default is true.
func WithProgress(progress bool) Option {
	return func(o *options) { o.progress = progress }
}

// WithQuantize returns the quantized version of the network. Default is false.
func WithQuantize(quantize bool) Option {
	return func(o *options) { o.quantize = quantize }
}

// WithQBackend sets the quantization backend ("fbgemm", "x86" or "qnnpack"). Default is "fbgemm".
// Pretrained quantized weights override it with the backend they were quantized for.
func WithQBackend(qBackend string) Option {
	return func(o *options) { o.qBackend = qBackend }
}

// WithNumClasses sets the number of output classes. Default is 1000.
// Pretrained weights override it with the number of categories they were trained on.
func WithNumClasses(numClasses int) Option {
	return func(o *options) { o.numClasses = numClasses }
}

// WithGroups sets the number of groups of the 3x3 convolutions of Bottleneck blocks.
// ResNeXt architectures ignore it.
func WithGroups(groups int) Option {
	return func(o *options) { o.groups = groups }
}

// WithWidthPerGroup sets the width of each group of the 3x3 convolutions of Bottleneck blocks.
// ResNeXt architectures ignore it.
func WithWidthPerGroup(width int) Option {
	return func(o *options) { o.widthPerGroup = width }
}

// WithZeroInitResidual zero-initializes the last batch-norm scale of each block.
func WithZeroInitResidual(zeroInit bool) Option {
	return func(o *options) { o.zeroInitResidual = zeroInit }
}

// WithReplaceStrideWithDilation replaces the stride of stages 2, 3 and 4 with dilations.
func WithReplaceStrideWithDilation(stage2, stage3, stage4 bool) Option {
	return func(o *options) { o.replaceStrideWithDilation = [3]bool{stage2, stage3, stage4} }
}

// WithBackend sets the compute backend. Default is backends.New(), configured by $GOMLX_BACKEND.
func WithBackend(backend backends.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithHub sets where pretrained weights are downloaded and cached. Default is hub.Default().
func WithHub(h *hub.Hub) Option {
	return func(o *options) { o.hub = h }
}

// WithDownloadContext sets the context used to cancel downloads.
func WithDownloadContext(ctx gocontext.Context) Option {
	return func(o *options) { o.downloadCtx = ctx }
}

// WithCalibrationSize sets the size of the random image used to calibrate the quantization.
// Default is quantization.DefaultCalibrationSize.
func WithCalibrationSize(size int) Option {
	return func(o *options) { o.calibrationSize = size }
}

// WithSeed sets the seed used to initialize variables and to generate the calibration image.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// architecture describes one of the networks built by the factory functions.
type architecture struct {
	name                  string
	block                 BlockKind
	layers                [4]int
	floatWeights          *weights.Registry
	quantizedWeights      *weights.Registry
	legacyPretrained      bool
	groups, widthPerGroup int
}

var (
	archResNet18 = architecture{
		name: "resnet18", block: BlockBasic, layers: [4]int{2, 2, 2, 2},
		floatWeights: ResNet18Weights, quantizedWeights: ResNet18QuantizedWeights, legacyPretrained: true,
	}
	archResNet50 = architecture{
		name: "resnet50", block: BlockBottleneck, layers: [4]int{3, 4, 6, 3},
		floatWeights: ResNet50Weights, quantizedWeights: ResNet50QuantizedWeights, legacyPretrained: true,
	}
	archResNeXt101_32X8D = architecture{
		name: "resnext101_32x8d", block: BlockBottleneck, layers: [4]int{3, 4, 23, 3},
		floatWeights: ResNeXt101_32X8DWeights, quantizedWeights: ResNeXt101_32X8DQuantizedWeights, legacyPretrained: true,
		groups: 32, widthPerGroup: 8,
	}
	archResNeXt101_64X4D = architecture{
		name: "resnext101_64x4d", block: BlockBottleneck, layers: [4]int{3, 4, 23, 3},
		floatWeights: ResNeXt101_64X4DWeights, quantizedWeights: ResNeXt101_64X4DQuantizedWeights,
		groups: 64, widthPerGroup: 4,
	}
)

// Factory builds a network of one of the supported architectures.
type Factory func(opts ...Option) (*Network, error)

// Architectures maps the name of each supported architecture to its factory.
var Architectures = map[string]Factory{
	archResNet18.name:         ResNet18,
	archResNet50.name:         ResNet50,
	archResNeXt101_32X8D.name: ResNeXt101_32X8D,
	archResNeXt101_64X4D.name: ResNeXt101_64X4D,
}

// ResNet18 builds a ResNet-18, from "Deep Residual Learning for Image Recognition"
// (https://arxiv.org/abs/1512.03385).
func ResNet18(opts ...Option) (*Network, error) {
	return build(archResNet18, opts)
}

// ResNet50 builds a ResNet-50, from "Deep Residual Learning for Image Recognition"
// (https://arxiv.org/abs/1512.03385).
func ResNet50(opts ...Option) (*Network, error) {
	return build(archResNet50, opts)
}

// ResNeXt101_32X8D builds a ResNeXt-101 32x8d, from "Aggregated Residual Transformation for Deep Neural Networks"
// (https://arxiv.org/abs/1611.05431). It always uses 32 groups of width 8.
func ResNeXt101_32X8D(opts ...Option) (*Network, error) {
	return build(archResNeXt101_32X8D, opts)
}

// ResNeXt101_64X4D builds a ResNeXt-101 64x4d, from "Aggregated Residual Transformation for Deep Neural Networks"
// (https://arxiv.org/abs/1611.05431). It always uses 64 groups of width 4.
// The legacy WithPretrained option is not supported.
func ResNeXt101_64X4D(opts ...Option) (*Network, error) {
	return build(archResNeXt101_64X4D, opts)
}

// resolveWeights normalizes the legacy selection and verifies the weights against the registry
// of the architecture.
func (a architecture) resolveWeights(o *options) (*weights.Weights, error) {
	if o.pretrained != nil {
		if !a.legacyPretrained {
			return nil, errors.Wrapf(weights.ErrInvalidSelection, "%s doesn't support the legacy pretrained option, select the weights instead", a.name)
		}
		if o.weights != nil || o.weightsName != "" {
			return nil, errors.Wrap(weights.ErrInvalidSelection, "pretrained can't be combined with a weights selection")
		}
		if *o.pretrained {
			registry := a.floatWeights
			name := "IMAGENET1K_V1"
			if o.quantize {
				registry, name = a.quantizedWeights, "IMAGENET1K_FBGEMM_V1"
			}
			o.weights = must.M1(registry.Get(name))
		}
	}

	registry := a.floatWeights
	if o.quantize {
		registry = a.quantizedWeights
	}
	if o.weightsName != "" {
		if o.weights != nil {
			return nil, errors.Wrap(weights.ErrInvalidSelection, "weights selected both by value and by name")
		}
		return registry.VerifyName(o.weightsName)
	}
	return registry.Verify(o.weights)
}

// config returns the network configuration, after the overrides of the weights and of the architecture.
func (a architecture) config(o *options, w *weights.Weights) Config {
	cfg := DefaultConfig(a.block, a.layers)
	if o.numClasses > 0 {
		cfg.NumClasses = o.numClasses
	}
	if o.groups > 0 {
		cfg.Groups = o.groups
	}
	if o.widthPerGroup > 0 {
		cfg.WidthPerGroup = o.widthPerGroup
	}
	cfg.ZeroInitResidual = o.zeroInitResidual
	cfg.ReplaceStrideWithDilation = o.replaceStrideWithDilation

	if w != nil {
		numCategories := len(w.Meta.Categories)
		if o.numClasses > 0 && o.numClasses != numCategories {
			klog.Warningf("%s: weights %s have %d categories, overriding num_classes=%d", a.name, w, numCategories, o.numClasses)
		}
		cfg.NumClasses = numCategories
	}
	if a.groups > 0 {
		if (o.groups > 0 && o.groups != a.groups) || (o.widthPerGroup > 0 && o.widthPerGroup != a.widthPerGroup) {
			klog.Warningf("%s always uses groups=%d and width_per_group=%d, ignoring groups=%d and width_per_group=%d",
				a.name, a.groups, a.widthPerGroup, o.groups, o.widthPerGroup)
		}
		cfg.Groups, cfg.WidthPerGroup = a.groups, a.widthPerGroup
	}
	return cfg
}

// qBackend returns the quantization backend, after the override of the weights.
func (a architecture) qBackend(o *options, w *weights.Weights) string {
	qBackend := o.qBackend
	if w != nil && w.Meta.Backend != "" {
		if qBackend != "" && qBackend != w.Meta.Backend {
			klog.Warningf("%s: weights %s were quantized for %q, overriding backend %q", a.name, w, w.Meta.Backend, qBackend)
		}
		qBackend = w.Meta.Backend
	}
	if qBackend == "" {
		qBackend = quantization.DefaultBackend
	}
	return qBackend
}

func build(a architecture, opts []Option) (*Network, error) {
	o := &options{progress: true, calibrationSize: quantization.DefaultCalibrationSize}
	for _, opt := range opts {
		opt(o)
	}
	w, err := a.resolveWeights(o)
	if err != nil {
		return nil, err
	}
	cfg := a.config(o, w)
	qBackend := a.qBackend(o, w)

	backend := o.backend
	if backend == nil {
		if backend, err = backends.New(); err != nil {
			return nil, errors.WithMessage(err, "creating compute backend")
		}
	}
	ctx := context.New()
	ctx.SetParam(initializers.ParamInitialSeed, o.seed)
	net, err := NewNetwork(backend, ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := quantization.ReplaceReLU(net); err != nil {
		return nil, err
	}

	if o.quantize {
		err := quantization.QuantizeModel(backend, net, qBackend,
			quantization.WithCalibrationSize(o.calibrationSize),
			quantization.WithSeed(uint64(o.seed)))
		net.invalidate()
		if err != nil {
			return nil, errors.WithMessagef(err, "quantizing %s", a.name)
		}
	}

	if w != nil {
		if err := net.loadWeights(o, w); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("built %s: %d blocks, quantized=%v, weights=%v", a.name, len(net.Blocks()), o.quantize, w)
	return net, nil
}

func (net *Network) loadWeights(o *options, w *weights.Weights) error {
	h := hub.Default()
	if o.hub != nil {
		h = o.hub
	}
	h = &hub.Hub{Dir: h.Dir, Client: h.Client, Progress: o.progress}
	downloadCtx := o.downloadCtx
	if downloadCtx == nil {
		downloadCtx = gocontext.Background()
	}
	sd, err := h.LoadStateDict(downloadCtx, w.URL)
	if err != nil {
		return errors.WithMessagef(err, "loading weights %s", w)
	}
	if err := net.LoadStateDict(sd); err != nil {
		return errors.WithMessagef(err, "loading weights %s", w)
	}
	net.weights = w
	return nil
}
