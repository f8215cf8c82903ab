// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	gocontext "context"
	"maps"
	"net/http"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quantvision/pkg/hub"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/gomlx/quantvision/pkg/nn/nntest"
	"github.com/gomlx/quantvision/pkg/quantization"
	"github.com/gomlx/quantvision/pkg/weights"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImageSize keeps the tests fast: the networks accept any input of at least 32x32.
const testImageSize = 32

func testOptions(opts ...Option) []Option {
	return append([]Option{WithBackend(nntest.BuildTestBackend()), WithSeed(42)}, opts...)
}

func predict(t *testing.T, net *Network, batch int) *tensors.Tensor {
	logits, err := net.Predict(nntest.RandomImages(7, batch, 3, testImageSize))
	require.NoError(t, err)
	return logits
}

func TestArchitectures(t *testing.T) {
	testCases := []struct {
		name      string
		factory   Factory
		block     BlockKind
		layers    [4]int
		groups    int
		numParams int
	}{
		{"resnet18", ResNet18, BlockBasic, [4]int{2, 2, 2, 2}, 1, 11689512},
		{"resnet50", ResNet50, BlockBottleneck, [4]int{3, 4, 6, 3}, 1, 25557032},
		{"resnext101_32x8d", ResNeXt101_32X8D, BlockBottleneck, [4]int{3, 4, 23, 3}, 32, 88791336},
		{"resnext101_64x4d", ResNeXt101_64X4D, BlockBottleneck, [4]int{3, 4, 23, 3}, 64, 83455272},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Contains(t, Architectures, tc.name)
			net, err := tc.factory(testOptions()...)
			require.NoError(t, err)
			defer net.Finalize()
			assert.Equal(t, tc.block, net.Config.Block)
			assert.Equal(t, tc.layers, net.Config.Layers)
			assert.Equal(t, tc.groups, net.Groups())
			assert.Equal(t, 1000, net.Config.NumClasses)
			assert.Len(t, net.Blocks(), tc.layers[0]+tc.layers[1]+tc.layers[2]+tc.layers[3])
			assert.Equal(t, tc.numParams, net.NumParameters())
			assert.False(t, net.IsQuantized())
			assert.Nil(t, net.Weights())
			for _, block := range net.Blocks() {
				assert.Equal(t, tc.block, block.Kind())
			}
		})
	}
}

func TestPredict(t *testing.T) {
	net, err := ResNet18(testOptions(WithNumClasses(10))...)
	require.NoError(t, err)
	defer net.Finalize()
	require.NoError(t, net.InitializeVariables())
	logits := predict(t, net, 2)
	assert.Equal(t, []int{2, 10}, logits.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, logits.DType())

	if testing.Short() {
		t.Skip("skipping ResNet-50 in short mode")
	}
	net50, err := ResNet50(testOptions()...)
	require.NoError(t, err)
	defer net50.Finalize()
	require.NoError(t, net50.InitializeVariables())
	assert.Equal(t, []int{1, 1000}, predict(t, net50, 1).Shape().Dimensions)
}

func TestStateDictLayout(t *testing.T) {
	net, err := ResNet18(testOptions()...)
	require.NoError(t, err)
	defer net.Finalize()
	sd, err := net.StateDict()
	require.NoError(t, err)
	for _, key := range []string{
		"conv1.weight", "bn1.weight", "bn1.running_var", "bn1.num_batches_tracked",
		"layer1.0.conv1.weight", "layer1.1.bn2.bias",
		"layer2.0.downsample.0.weight", "layer2.0.downsample.1.running_mean",
		"layer4.1.conv2.weight", "fc.weight", "fc.bias",
	} {
		assert.Contains(t, sd, key)
	}
	assert.NotContains(t, sd, "layer1.0.downsample.0.weight")
	assert.NotContains(t, sd, "conv1.bias")
	assert.Equal(t, []int{64, 3, 7, 7}, sd["conv1.weight"].Shape().Dimensions)
	assert.Equal(t, []int{1000, 512}, sd["fc.weight"].Shape().Dimensions)

	// Loading the state dict of another network reproduces its outputs.
	other, err := ResNet18(testOptions(WithSeed(1))...)
	require.NoError(t, err)
	defer other.Finalize()
	require.NoError(t, other.LoadStateDict(sd))
	want := nntest.Flat(t, predict(t, net, 1))
	got := nntest.Flat(t, predict(t, other, 1))
	assert.InDeltaSlice(t, want, got, 1e-6)

	// A different number of classes doesn't match.
	small, err := ResNet18(testOptions(WithNumClasses(10))...)
	require.NoError(t, err)
	defer small.Finalize()
	err = small.LoadStateDict(sd)
	require.ErrorIs(t, err, nn.ErrStructuralMismatch)
	assert.Contains(t, err.Error(), "fc.weight")
}

func TestBottleneckLayout(t *testing.T) {
	net, err := ResNeXt101_32X8D(testOptions(WithGroups(16))...)
	require.NoError(t, err)
	defer net.Finalize()
	assert.Equal(t, 32, net.Groups())
	block, ok := net.Layers[0].Modules[0].(*Bottleneck)
	require.True(t, ok)
	assert.Equal(t, 256, block.Width)
	assert.Equal(t, 32, block.Groups)
	require.NotNil(t, block.Downsample)
	conv2, ok := block.Conv2.(*nn.Conv2d)
	require.True(t, ok)
	assert.Equal(t, 32, conv2.Groups)
	assert.Equal(t, []int{256, 8, 3, 3}, conv2.Weight.Shape().Dimensions)

	// The stride of a Bottleneck is in its 3x3 convolution.
	block, ok = net.Layers[1].Modules[0].(*Bottleneck)
	require.True(t, ok)
	assert.Equal(t, 2, block.Conv2.(*nn.Conv2d).Stride)
	assert.Equal(t, 1, block.Conv1.(*nn.Conv2d).Stride)
	assert.Equal(t, 2, block.Downsample.Modules[0].(*nn.Conv2d).Stride)
}

func TestResNeXtForcesGroups(t *testing.T) {
	net, err := ResNeXt101_64X4D(testOptions(WithGroups(16), WithWidthPerGroup(2))...)
	require.NoError(t, err)
	defer net.Finalize()
	assert.Equal(t, 64, net.Groups())
	assert.Equal(t, 4, net.Config.WidthPerGroup)

	// ResNet-50 accepts the configuration of a wide network.
	wide, err := ResNet50(testOptions(WithWidthPerGroup(128))...)
	require.NoError(t, err)
	defer wide.Finalize()
	assert.Equal(t, 128, wide.Blocks()[0].(*Bottleneck).Width)
}

func TestInvalidConfigurations(t *testing.T) {
	_, err := ResNet18(testOptions(WithGroups(2))...)
	assert.Error(t, err)
	_, err = ResNet18(testOptions(WithReplaceStrideWithDilation(false, false, true))...)
	assert.Error(t, err)
	_, err = ResNet18(testOptions(WithNumClasses(-3))...)
	assert.Error(t, err)

	// Errors raised while building the layers are returned, never a nil network.
	for name, cfg := range map[string]Config{
		"groups":   {Block: BlockBasic, Layers: [4]int{2, 2, 2, 2}, NumClasses: 10, Groups: 2, WidthPerGroup: 64},
		"width":    {Block: BlockBasic, Layers: [4]int{2, 2, 2, 2}, NumClasses: 10, Groups: 1, WidthPerGroup: 32},
		"dilation": {Block: BlockBasic, Layers: [4]int{2, 2, 2, 2}, NumClasses: 10, Groups: 1, WidthPerGroup: 64, ReplaceStrideWithDilation: [3]bool{false, false, true}},
	} {
		net, err := NewNetwork(nntest.BuildTestBackend(), context.New(), cfg)
		assert.Errorf(t, err, "configuration %q", name)
		assert.Nilf(t, net, "configuration %q", name)
	}
}

func TestDilation(t *testing.T) {
	net, err := ResNet50(testOptions(WithReplaceStrideWithDilation(false, true, true))...)
	require.NoError(t, err)
	defer net.Finalize()
	convAt := func(path string) *nn.Conv2d {
		m, err := nn.Lookup(net, path)
		require.NoError(t, err)
		conv, ok := m.(*nn.Conv2d)
		require.Truef(t, ok, "%s is a %T", path, m)
		return conv
	}
	for _, tc := range []struct {
		path               string
		stride, dilation int
	}{
		{"layer2.0.conv2", 2, 1},
		{"layer3.0.conv2", 1, 1},
		{"layer3.1.conv2", 1, 2},
		{"layer4.0.conv2", 1, 2},
		{"layer4.2.conv2", 1, 4},
	} {
		conv := convAt(tc.path)
		assert.Equalf(t, tc.stride, conv.Stride, "stride of %s", tc.path)
		assert.Equalf(t, tc.dilation, conv.Dilation, "dilation of %s", tc.path)
		assert.Equalf(t, tc.dilation, conv.Padding, "padding of %s", tc.path)
	}
	assert.Equal(t, 1, convAt("layer3.0.downsample.0").Stride)

	if testing.Short() {
		t.Skip("skipping dilated forward in short mode")
	}
	require.NoError(t, net.InitializeVariables())
	assert.Equal(t, []int{1, 1000}, predict(t, net, 1).Shape().Dimensions)
}

func TestZeroInitResidual(t *testing.T) {
	net, err := ResNet18(testOptions(WithZeroInitResidual(true))...)
	require.NoError(t, err)
	defer net.Finalize()
	require.NoError(t, net.InitializeVariables())
	for _, block := range net.Blocks() {
		bn2 := block.(*BasicBlock).BN2.(*nn.BatchNorm2d)
		value, err := bn2.Weight.Value()
		require.NoError(t, err)
		for _, v := range nntest.Flat(t, value) {
			require.Zero(t, v)
		}
	}
	bn1 := net.BN1.(*nn.BatchNorm2d)
	value, err := bn1.Weight.Value()
	require.NoError(t, err)
	assert.Equal(t, 1.0, nntest.Flat(t, value)[0])
}

// perturbBatchNorms sets non-trivial statistics in all batch-norms, so folding them matters.
func perturbBatchNorms(t *testing.T, net *Network) {
	for _, m := range nn.All(net) {
		bn, ok := m.(*nn.BatchNorm2d)
		if !ok {
			continue
		}
		n := bn.NumFeatures
		filled := func(value float32) *tensors.Tensor { return tensors.FromScalarAndDimensions(value, n) }
		require.NoError(t, bn.Weight.SetValue(filled(0.8)))
		require.NoError(t, bn.Bias.SetValue(filled(0.05)))
		require.NoError(t, bn.RunningMean.SetValue(filled(0.01)))
		require.NoError(t, bn.RunningVar.SetValue(filled(1.5)))
	}
}

func TestFuseModel(t *testing.T) {
	net, err := ResNet18(testOptions(WithNumClasses(10))...)
	require.NoError(t, err)
	defer net.Finalize()
	require.NoError(t, net.InitializeVariables())
	perturbBatchNorms(t, net)
	want := nntest.Flat(t, predict(t, net, 2))

	require.NoError(t, net.FuseModel(false))
	// Stem, 2 per block and 3 downsample paths.
	const fusedUnits = 1 + 2*8 + 3
	assert.Equal(t, fusedUnits, net.FusedUnits())
	assert.Zero(t, nn.CountOf[*nn.BatchNorm2d](net))
	assert.IsType(t, &nn.IdentityModule{}, net.BN1)
	got := nntest.Flat(t, predict(t, net, 2))
	assert.InDeltaSlice(t, want, got, 1e-3)

	// Fusing again is a no-op.
	conv1 := net.Conv1
	stateDict, err := net.StateDict()
	require.NoError(t, err)
	keys := stateDict.Keys()
	require.NoError(t, net.FuseModel(false))
	assert.Same(t, conv1, net.Conv1)
	assert.Equal(t, fusedUnits, net.FusedUnits())
	stateDict, err = net.StateDict()
	require.NoError(t, err)
	assert.Equal(t, keys, stateDict.Keys())
	assert.InDeltaSlice(t, want, nntest.Flat(t, predict(t, net, 2)), 1e-3)
}

func TestFuseModelAfterBuild(t *testing.T) {
	net, err := ResNet18(testOptions(WithNumClasses(10))...)
	require.NoError(t, err)
	defer net.Finalize()
	require.NoError(t, net.FuseModel(false))
	require.NoError(t, net.FuseModel(false))
	assert.Equal(t, 1+2*8+3, net.FusedUnits())
	assert.Zero(t, nn.CountOf[*nn.BatchNorm2d](net))

	// The folded batch-norms leave no variables behind.
	net.ctx.EnumerateVariables(func(v *context.Variable) {
		assert.NotContainsf(t, []string{"running_mean", "running_var", "num_batches_tracked"}, v.Name(),
			"variable %s/%s of a folded batch-norm", v.Scope(), v.Name())
	})
	assert.Equal(t, []int{2, 10}, predict(t, net, 2).Shape().Dimensions)
}

func TestFuseModelQAT(t *testing.T) {
	net, err := ResNet50(testOptions()...)
	require.NoError(t, err)
	defer net.Finalize()
	numBatchNorms := nn.CountOf[*nn.BatchNorm2d](net)
	require.NoError(t, net.FuseModel(true))
	// Stem, 3 per block and 4 downsample paths.
	assert.Equal(t, 1+3*16+4, net.FusedUnits())
	assert.Equal(t, numBatchNorms, nn.CountOf[*nn.BatchNorm2d](net))
	for _, m := range nn.All(net) {
		if fused, ok := m.(*nn.FusedConv2d); ok {
			assert.True(t, fused.HasBatchNorm())
		}
	}
	require.NoError(t, net.FuseModel(true))
	assert.Equal(t, numBatchNorms, nn.CountOf[*nn.BatchNorm2d](net))
}

func TestQuantize(t *testing.T) {
	net, err := ResNet18(testOptions(WithQuantize(true), WithCalibrationSize(testImageSize), WithNumClasses(10))...)
	require.NoError(t, err)
	defer net.Finalize()
	assert.True(t, net.IsQuantized())
	assert.Equal(t, 1+2*8+3, net.FusedUnits())
	assert.Zero(t, nn.CountOf[*nn.FusedConv2d](net))
	assert.Equal(t, 1, nn.CountOf[*quantization.QuantizedLinear](net))
	assert.Equal(t, 8, nn.CountOf[*quantization.QFunctional](net))
	assert.Zero(t, net.NumParameters())

	sd, err := net.StateDict()
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int8, sd["conv1.weight"].DType())
	assert.Equal(t, []int{64}, sd["conv1.weight.q_scale"].Shape().Dimensions)
	assert.Equal(t, dtypes.Int8, sd["fc.weight"].DType())
	for _, key := range []string{"quant.scale", "quant.zero_point", "layer1.0.add_relu.scale", "fc.scale", "conv1.bias"} {
		assert.Contains(t, sd, key)
	}
	assert.NotContains(t, sd, "bn1.weight")

	logits := predict(t, net, 1)
	assert.Equal(t, []int{1, 10}, logits.Shape().Dimensions)

	// Fusing a quantized network changes nothing.
	require.NoError(t, net.FuseModel(false))
	assert.True(t, net.IsQuantized())
	assert.InDeltaSlice(t, nntest.Flat(t, logits), nntest.Flat(t, predict(t, net, 1)), 1e-6)
}

func TestQuantizeBottleneck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ResNet-50 quantization in short mode")
	}
	net, err := ResNet50(testOptions(WithQuantize(true), WithQBackend("qnnpack"), WithCalibrationSize(testImageSize))...)
	require.NoError(t, err)
	defer net.Finalize()
	assert.True(t, net.IsQuantized())
	assert.Equal(t, 1+3*16+4, net.FusedUnits())
	assert.Equal(t, 16, nn.CountOf[*quantization.QFunctional](net))

	sd, err := net.StateDict()
	require.NoError(t, err)
	// qnnpack quantizes weights per tensor: the scale is repeated for each channel.
	scales := nntest.Flat(t, sd["layer1.0.conv2.weight.q_scale"])
	require.Len(t, scales, 64)
	for _, scale := range scales {
		assert.Equal(t, scales[0], scale)
	}
	assert.Contains(t, sd, "layer1.0.skip_add_relu.scale")
	assert.Equal(t, []int{1, 1000}, predict(t, net, 1).Shape().Dimensions)
}

func TestAllArchitecturesForward(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full-size networks in short mode")
	}
	for _, name := range slices.Sorted(maps.Keys(Architectures)) {
		t.Run(name, func(t *testing.T) {
			const numClasses = 7
			net, err := Architectures[name](testOptions(WithNumClasses(numClasses))...)
			require.NoError(t, err)
			defer net.Finalize()
			require.NoError(t, net.InitializeVariables())
			assert.Equal(t, []int{2, numClasses}, predict(t, net, 2).Shape().Dimensions)

			quantized, err := Architectures[name](testOptions(WithNumClasses(numClasses),
				WithQuantize(true), WithCalibrationSize(testImageSize))...)
			require.NoError(t, err)
			defer quantized.Finalize()
			assert.Greater(t, quantized.FusedUnits(), 0)
			assert.Equal(t, []int{2, numClasses}, predict(t, quantized, 2).Shape().Dimensions)
		})
	}
}

func TestQuantizeUnknownBackend(t *testing.T) {
	_, err := ResNet18(testOptions(WithQuantize(true), WithQBackend("tpu"))...)
	require.ErrorIs(t, err, quantization.ErrUnknownBackend)
}

func TestRegistries(t *testing.T) {
	for _, registry := range Registries() {
		def, err := registry.Get(weights.DefaultKey)
		require.NoError(t, err)
		assert.Len(t, def.Meta.Categories, 1000, registry.Name())
		for _, w := range registry.All() {
			assert.Contains(t, w.URL, "https://download.pytorch.org/models/")
			if w.Meta.Unquantized != nil {
				assert.Equal(t, QuantizationBackend, w.Meta.Backend)
				assert.Equal(t, w.Meta.Unquantized.Meta.NumParams, w.Meta.NumParams)
			}
		}
	}
	assert.Equal(t, "IMAGENET1K_V2", ResNet50Weights.Default().Name)
	assert.Equal(t, "IMAGENET1K_V1", ResNet18Weights.Default().Name)
	assert.Equal(t, "IMAGENET1K_FBGEMM_V2", ResNeXt101_32X8DQuantizedWeights.Default().Name)
	assert.Same(t, ResNet50Weights.Default(), ResNet50QuantizedWeights.Default().Meta.Unquantized)

	w, err := FindWeights("ResNet50_QuantizedWeights.IMAGENET1K_FBGEMM_V1")
	require.NoError(t, err)
	assert.Equal(t, "https://download.pytorch.org/models/quantized/resnet50_fbgemm_bf931d71.pth", w.URL)
	w, err = FindWeights("ResNeXt101_64X4D_Weights.DEFAULT")
	require.NoError(t, err)
	assert.Equal(t, 83.246, w.Meta.Metrics.Acc1)
	_, err = FindWeights("VGG16_Weights.DEFAULT")
	require.ErrorIs(t, err, weights.ErrNotFound)
	_, err = FindWeights("ResNet18_Weights.IMAGENET1K_V9")
	require.ErrorIs(t, err, weights.ErrNotFound)
}

func TestWeightsSelection(t *testing.T) {
	testCases := []struct {
		name    string
		factory Factory
		opts    []Option
	}{
		{"weights of another architecture", ResNet18, []Option{WithWeights(ResNet50Weights.Default())}},
		{"float weights when quantizing", ResNet18, []Option{WithWeights(ResNet18Weights.Default()), WithQuantize(true)}},
		{"quantized weights without quantizing", ResNet50, []Option{WithWeightsName("IMAGENET1K_FBGEMM_V1")}},
		{"unknown name", ResNet50, []Option{WithWeightsName("IMAGENET1K_V7")}},
		{"both value and name", ResNet18, []Option{WithWeights(ResNet18Weights.Default()), WithWeightsName("DEFAULT")}},
		{"pretrained and weights", ResNet18, []Option{WithPretrained(true), WithWeightsName("DEFAULT")}},
		{"legacy pretrained on 64x4d", ResNeXt101_64X4D, []Option{WithPretrained(true)}},
		{"legacy pretrained=false on 64x4d", ResNeXt101_64X4D, []Option{WithPretrained(false)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			net, err := tc.factory(testOptions(tc.opts...)...)
			require.ErrorIs(t, err, weights.ErrInvalidSelection)
			assert.Nil(t, net)
		})
	}
}

func TestLegacyPretrained(t *testing.T) {
	resolve := func(a architecture, opts ...Option) *weights.Weights {
		o := &options{}
		for _, opt := range opts {
			opt(o)
		}
		w, err := a.resolveWeights(o)
		require.NoError(t, err)
		return w
	}
	assert.Nil(t, resolve(archResNet50, WithPretrained(false)))
	assert.Same(t, must.M1(ResNet50Weights.Get("IMAGENET1K_V1")), resolve(archResNet50, WithPretrained(true)))
	assert.Same(t, must.M1(ResNeXt101_32X8DQuantizedWeights.Get("IMAGENET1K_FBGEMM_V1")),
		resolve(archResNeXt101_32X8D, WithPretrained(true), WithQuantize(true)))
	assert.Same(t, ResNet18QuantizedWeights.Default(), resolve(archResNet18, WithWeightsName("DEFAULT"), WithQuantize(true)))
}

func TestWeightsOverrides(t *testing.T) {
	w := ResNet50QuantizedWeights.Default()
	cfg := archResNet50.config(&options{numClasses: 10}, w)
	assert.Equal(t, 1000, cfg.NumClasses)
	assert.Equal(t, "fbgemm", archResNet50.qBackend(&options{qBackend: "qnnpack"}, w))
	assert.Equal(t, "qnnpack", archResNet50.qBackend(&options{qBackend: "qnnpack"}, nil))
	assert.Equal(t, quantization.DefaultBackend, archResNet50.qBackend(&options{}, nil))

	cfg = archResNeXt101_32X8D.config(&options{groups: 4, numClasses: 7}, nil)
	assert.Equal(t, 32, cfg.Groups)
	assert.Equal(t, 8, cfg.WidthPerGroup)
	assert.Equal(t, 7, cfg.NumClasses)
}

var errOffline = errors.New("network is unreachable")

type offlineTransport struct{ requests int }

func (tr *offlineTransport) RoundTrip(*http.Request) (*http.Response, error) {
	tr.requests++
	return nil, errOffline
}

func TestDownloadFailure(t *testing.T) {
	transport := &offlineTransport{}
	h := &hub.Hub{Dir: t.TempDir(), Client: &http.Client{Transport: transport}}
	net, err := ResNet18(testOptions(WithWeightsName("DEFAULT"), WithHub(h), WithProgress(false))...)
	require.ErrorIs(t, err, errOffline)
	assert.Nil(t, net)
	assert.Equal(t, 1, transport.requests)
	assert.Contains(t, err.Error(), ResNet18Weights.Default().String())

	// Nothing was cached, and a canceled download fails too.
	ctx, cancel := gocontext.WithCancel(gocontext.Background())
	cancel()
	_, err = ResNet18(testOptions(WithPretrained(true), WithHub(h), WithDownloadContext(ctx))...)
	require.Error(t, err)
}

func TestBlockKind(t *testing.T) {
	assert.Equal(t, "basic", BlockBasic.String())
	assert.Equal(t, "bottleneck", BlockBottleneck.String())
	assert.Equal(t, 4, BlockBottleneck.Expansion())
	assert.Equal(t, 1, BlockBasic.Expansion())
	kind, err := BlockKindString("bottleneck")
	require.NoError(t, err)
	assert.Equal(t, BlockBottleneck, kind)
	assert.True(t, slices.Contains(BlockKindValues(), BlockBasic))
}
