// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatPyTorch, FormatOf("/cache/resnet18-f37072fd.pth"))
	assert.Equal(t, FormatPyTorch, FormatOf("model.PT"))
	assert.Equal(t, FormatPyTorch, FormatOf("pytorch_model.bin"))
	assert.Equal(t, FormatSafetensors, FormatOf("model.safetensors"))
	assert.Equal(t, FormatUnknown, FormatOf("model.onnx"))

	_, err := Load(filepath.Join(t.TempDir(), "model.onnx"))
	require.ErrorIs(t, err, ErrUnknownFormat)
	_, err = Load(filepath.Join(t.TempDir(), "missing.pth"))
	require.Error(t, err)
}

func TestSafetensorsRoundTrip(t *testing.T) {
	sd := nn.StateDict{
		"conv1.weight":              tensors.FromValue([][]float32{{1.5, -2}, {0.25, 3}}),
		"conv1.weight.q_scale":      tensors.FromValue([]float64{0.1, 0.2}),
		"conv1.weight.q_zero_point": tensors.FromValue([]int64{0, 0}),
		"conv1.scale":               tensors.FromScalar(float32(0.05)),
		"conv1.zero_point":          tensors.FromScalar(int64(64)),
		"quantized.weight":          tensors.FromValue([]int8{-128, 0, 127}),
		"image":                     tensors.FromValue([]uint8{0, 255}),
		"bn1.num_batches_tracked":   tensors.FromScalar(int64(100)),
		"counts":                    tensors.FromValue([]int32{1, 2, 3}),
	}
	filePath := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, SaveSafetensors(filePath, sd))

	loaded, err := Load(filePath)
	require.NoError(t, err)
	require.Equal(t, sd.Keys(), loaded.Keys())
	for key, want := range sd {
		got := loaded[key]
		assert.Equal(t, want.DType(), got.DType(), "dtype of %q", key)
		// Scalars may come back with nil or empty dimensions.
		assert.Truef(t, slices.Equal(want.Shape().Dimensions, got.Shape().Dimensions), "shape of %q: want %v, got %v",
			key, want.Shape().Dimensions, got.Shape().Dimensions)
		wantValues, err := nn.ToFloat64(want)
		require.NoError(t, err)
		gotValues, err := nn.ToFloat64(got)
		require.NoError(t, err)
		assert.Equal(t, wantValues, gotValues, "values of %q", key)
	}

	// Header is 8-bytes aligned.
	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Zero(t, binary.LittleEndian.Uint64(data[:8])%8)
}

// writeSafetensors writes a safetensors file with a hand-written header.
func writeSafetensors(t *testing.T, header string, body []byte) string {
	filePath := filepath.Join(t.TempDir(), "model.safetensors")
	data := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	data = append(data, header...)
	data = append(data, body...)
	require.NoError(t, os.WriteFile(filePath, data, 0644))
	return filePath
}

func TestLoadSafetensorsFloat16(t *testing.T) {
	var body []byte
	for _, v := range []float32{1, -0.5, 2, 0.25} {
		body = binary.LittleEndian.AppendUint16(body, float16.Fromfloat32(v).Bits())
	}
	filePath := writeSafetensors(t,
		`{"__metadata__":{"format":"pt"},"fc.weight":{"dtype":"F16","shape":[2,2],"data_offsets":[0,8]}}`, body)
	sd, err := LoadSafetensors(filePath)
	require.NoError(t, err)
	require.Len(t, sd, 1)
	w := sd["fc.weight"]
	assert.Equal(t, dtypes.Float32, w.DType())
	assert.Equal(t, []int{2, 2}, w.Shape().Dimensions)
	values, err := nn.ToFloat64(w)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -0.5, 2, 0.25}, values)
}

func TestLoadSafetensorsErrors(t *testing.T) {
	tests := map[string]struct {
		header string
		body   []byte
	}{
		"bad offsets": {`{"w":{"dtype":"F32","shape":[2],"data_offsets":[0,16]}}`, make([]byte, 8)},
		"size":        {`{"w":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, make([]byte, 8)},
		"dtype":       {`{"w":{"dtype":"BOOL","shape":[1],"data_offsets":[0,1]}}`, make([]byte, 1)},
		"json":        {`{"w":`, nil},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSafetensors(writeSafetensors(t, test.header, test.body))
			require.Error(t, err)
		})
	}

	truncated := filepath.Join(t.TempDir(), "truncated.safetensors")
	require.NoError(t, os.WriteFile(truncated, []byte{1, 2}, 0644))
	_, err := LoadSafetensors(truncated)
	require.Error(t, err)
}

func TestSaveSafetensorsUnsupportedDType(t *testing.T) {
	sd := nn.StateDict{"mask": tensors.FromValue([]bool{true, false})}
	require.Error(t, SaveSafetensors(filepath.Join(t.TempDir(), "model.safetensors"), sd))
}
