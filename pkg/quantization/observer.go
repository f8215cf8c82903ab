// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantization

import (
	"math"
)

// minScale is the smallest scale returned by observers, so that constant tensors still quantize.
const minScale = 1.1920928955078125e-07 // float32 machine epsilon.

// MinMaxObserver tracks the running minimum and maximum of the values it observes and computes
// affine quantization parameters for them.
type MinMaxObserver struct {
	QMin, QMax int
	Min, Max   float64
	Observed   bool
}

// NewMinMaxObserver returns an observer that maps values to the quantized range [qMin, qMax].
func NewMinMaxObserver(qMin, qMax int) *MinMaxObserver {
	return &MinMaxObserver{QMin: qMin, QMax: qMax}
}

// Observe updates the running range with the range of a new batch.
func (o *MinMaxObserver) Observe(minValue, maxValue float64) {
	if !o.Observed {
		o.Min, o.Max, o.Observed = minValue, maxValue, true
		return
	}
	o.Min = min(o.Min, minValue)
	o.Max = max(o.Max, maxValue)
}

// QParams returns the scale and zero point of the affine quantization of the observed range.
// The range is extended to include zero, so that zero is exactly representable.
// Without observations it returns scale 1 and zero point QMin.
func (o *MinMaxObserver) QParams() (scale float64, zeroPoint int64) {
	if !o.Observed {
		return 1, int64(o.QMin)
	}
	return affineQParams(o.Min, o.Max, o.QMin, o.QMax)
}

func affineQParams(minValue, maxValue float64, qMin, qMax int) (scale float64, zeroPoint int64) {
	minNeg := min(minValue, 0)
	maxPos := max(maxValue, 0)
	scale = max((maxPos-minNeg)/float64(qMax-qMin), minScale)
	zp := float64(qMin) - math.RoundToEven(minNeg/scale)
	zp = min(max(zp, float64(qMin)), float64(qMax))
	return scale, int64(zp)
}

// symmetricScale returns the scale of the symmetric quantization of values in [minValue, maxValue]
// to [qMin, qMax]. The zero point is always 0.
func symmetricScale(minValue, maxValue float64, qMin, qMax int) float64 {
	maxAbs := max(-min(minValue, 0), max(maxValue, 0))
	return max(maxAbs/(float64(qMax-qMin)/2), minScale)
}

// QuantizedWeights holds weights quantized to int8, with per-channel (or a single) scales.
type QuantizedWeights struct {
	Values     []int8
	Scales     []float64
	ZeroPoints []int64
}

// QuantizeWeights quantizes weights whose first axis has outChannels channels to symmetric int8.
// If perChannel is false, the same scale is used for all channels, but it is still repeated per channel.
func QuantizeWeights(weights []float64, outChannels int, perChannel bool) QuantizedWeights {
	q := QuantizedWeights{
		Values:     make([]int8, len(weights)),
		Scales:     make([]float64, outChannels),
		ZeroPoints: make([]int64, outChannels),
	}
	perOutput := len(weights) / outChannels
	channelRange := func(values []float64) (lo, hi float64) {
		for _, v := range values {
			lo, hi = min(lo, v), max(hi, v)
		}
		return
	}
	if !perChannel {
		lo, hi := channelRange(weights)
		scale := symmetricScale(lo, hi, weightQMin, weightQMax)
		for o := range q.Scales {
			q.Scales[o] = scale
		}
	}
	for o := range outChannels {
		channel := weights[o*perOutput : (o+1)*perOutput]
		if perChannel {
			lo, hi := channelRange(channel)
			q.Scales[o] = symmetricScale(lo, hi, weightQMin, weightQMax)
		}
		for i, v := range channel {
			q.Values[o*perOutput+i] = int8(quantizeValue(v, q.Scales[o], 0, weightQMin, weightQMax))
		}
	}
	return q
}

// quantizeValue rounds v/scale (half to even) and clamps to [qMin, qMax].
func quantizeValue(v, scale float64, zeroPoint int64, qMin, qMax int) float64 {
	qv := math.RoundToEven(v/scale) + float64(zeroPoint)
	return min(max(qv, float64(qMin)), float64(qMax))
}
