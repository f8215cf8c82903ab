// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nntest holds test utilities for packages that depend on the nn package.
package nntest

import (
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

// TestBackendName is the backend used by tests: the pure Go one, which needs no installation.
const TestBackendName = "go"

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// BuildTestBackend returns the pure Go backend, shared by all tests.
func BuildTestBackend() backends.Backend {
	backendOnce.Do(func() {
		var err error
		cachedBackend, err = backends.NewWithConfig(TestBackendName)
		if err != nil {
			klog.Fatalf("Failed to create backend %q: %+v", TestBackendName, err)
		}
	})
	return cachedBackend
}

// Forward executes m on the given inputs, using the variables in ctx, which are initialized if needed.
func Forward(t *testing.T, ctx *context.Context, m nn.Module, input *tensors.Tensor) *tensors.Tensor {
	backend := BuildTestBackend()
	require.NoError(t, ctx.InitializeVariables(backend, nil))
	exec, err := context.NewExec(backend, ctx, func(_ *context.Context, x *Node) *Node {
		return m.Forward(x)
	})
	require.NoError(t, err)
	defer exec.Finalize()
	output, err := exec.Exec1(input)
	require.NoError(t, err)
	return output
}

// RandomImages returns a [batch, channels, size, size] float32 tensor with values in [0, 1),
// deterministic for the given seed.
func RandomImages(seed uint32, batch, channels, size int) *tensors.Tensor {
	values := make([]float32, batch*channels*size*size)
	state := seed | 1
	for i := range values {
		// xorshift32
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		values[i] = float32(state>>8) / float32(1<<24)
	}
	return tensors.FromFlatDataAndDimensions(values, batch, channels, size, size)
}

// Flat returns the values of t as float64.
func Flat(t *testing.T, tensor *tensors.Tensor) []float64 {
	values, err := nn.ToFloat64(tensor)
	require.NoError(t, err)
	return values
}
