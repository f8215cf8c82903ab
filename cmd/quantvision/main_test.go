// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/gomlx/quantvision/pkg/checkpoint"
	"github.com/gomlx/quantvision/pkg/hub"
	"github.com/gomlx/quantvision/pkg/models/resnet"
	"github.com/gomlx/quantvision/pkg/nn/nntest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Setenv("GOMLX_BACKEND", nntest.TestBackendName)
	t.Setenv(hub.EnvHome, t.TempDir())
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestList(t *testing.T) {
	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ResNet50_Weights.IMAGENET1K_V2 (default)")
	assert.Contains(t, out, "ResNeXt101_64X4D_QuantizedWeights.IMAGENET1K_FBGEMM_V1")
	assert.Contains(t, out, "11,689,512")
	assert.Contains(t, out, "Architectures: resnet18, resnet50, resnext101_32x8d, resnext101_64x4d")

	out, err = execute(t, "ls", "resnet18_quantized")
	require.NoError(t, err)
	assert.Contains(t, out, "ResNet18_QuantizedWeights.IMAGENET1K_FBGEMM_V1")
	assert.NotContains(t, out, "ResNet50")
	assert.NotContains(t, out, "Architectures")
}

func TestInfo(t *testing.T) {
	out, err := execute(t, "info", "ResNet18_QuantizedWeights.DEFAULT")
	require.NoError(t, err)
	assert.Contains(t, out, "resnet18_fbgemm_16fa66dd.pth")
	assert.Contains(t, out, "fbgemm")
	assert.Contains(t, out, "ResNet18_Weights.IMAGENET1K_V1")
	assert.Contains(t, out, "false")

	_, err = execute(t, "info", "ResNet34_Weights.DEFAULT")
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	output := filepath.Join(t.TempDir(), "resnet18.safetensors")
	out, err := execute(t, "build", "ResNet18", "--num-classes=10", "--output="+output)
	require.NoError(t, err)
	assert.Contains(t, out, "Saved")

	sd, err := checkpoint.LoadSafetensors(output)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 512}, sd["fc.weight"].Shape().Dimensions)
	net, err := resnet.ResNet18(resnet.WithBackend(nntest.BuildTestBackend()), resnet.WithNumClasses(10))
	require.NoError(t, err)
	defer net.Finalize()
	require.NoError(t, net.LoadStateDict(sd))

	_, err = execute(t, "build", "vgg16")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown architecture")
}
