// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// kaimingNormalFanOut initializes convolution kernels shaped [outChannels, inChannels/groups, <spatial...>]
// with N(0, 2/fanOut), where fanOut = outChannels * prod(spatial). That is the "fan_out"/"relu" mode
// used by ResNets: initializers.HeFn scales by the fan-in instead.
func kaimingNormalFanOut(ctx *context.Context) initializers.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		fanOut := shape.Dimensions[0]
		for _, dim := range shape.Dimensions[2:] {
			fanOut *= dim
		}
		stddev := math.Sqrt(2.0 / float64(max(fanOut, 1)))
		return initializers.RandomNormalFn(ctx, stddev)(g, shape)
	}
}
