// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// safetensorsHeaderEntry describes one tensor in the JSON header of a safetensors file.
// Offsets are relative to the start of the data section, which follows the header.
type safetensorsHeaderEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

const safetensorsMetadataKey = "__metadata__"

// LoadSafetensors decodes a safetensors file: an 8 bytes little-endian header length, a JSON header
// and the raw little-endian tensor data.
//
// Supported dtypes are F32, F64, F16 (converted to float32), I8, U8, I32 and I64.
func LoadSafetensors(filePath string) (nn.StateDict, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", filePath)
	}
	if len(data) < 8 {
		return nil, errors.Errorf("safetensors file %q is truncated", filePath)
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, errors.Errorf("safetensors file %q: header length %d exceeds file size", filePath, headerLen)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, errors.Wrapf(err, "decoding header of %q", filePath)
	}
	delete(header, safetensorsMetadataKey)

	body := data[8+headerLen:]
	sd := make(nn.StateDict, len(header))
	for name, raw := range header {
		var entry safetensorsHeaderEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, errors.Wrapf(err, "decoding header entry %q of %q", name, filePath)
		}
		if len(entry.Offsets) != 2 || entry.Offsets[0] < 0 || entry.Offsets[0] > entry.Offsets[1] ||
			entry.Offsets[1] > int64(len(body)) {
			return nil, errors.Errorf("tensor %q of %q has invalid data offsets %v", name, filePath, entry.Offsets)
		}
		t, err := decodeSafetensor(entry, body[entry.Offsets[0]:entry.Offsets[1]])
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding %q from %q", name, filePath)
		}
		sd[name] = t
	}
	return sd, nil
}

func decodeSafetensor(entry safetensorsHeaderEntry, data []byte) (*tensors.Tensor, error) {
	r := bytes.NewReader(data)
	switch entry.DType {
	case "F32":
		return decode[float32](r, entry.Shape)
	case "F64":
		return decode[float64](r, entry.Shape)
	case "I8":
		return decode[int8](r, entry.Shape)
	case "U8":
		return decode[uint8](r, entry.Shape)
	case "I32":
		return decode[int32](r, entry.Shape)
	case "I64":
		return decode[int64](r, entry.Shape)
	case "F16":
		halves, err := decode[uint16](r, entry.Shape)
		if err != nil {
			return nil, err
		}
		var values []float32
		err = halves.ConstFlatData(func(flat any) {
			bits := flat.([]uint16)
			values = make([]float32, len(bits))
			for i, b := range bits {
				values[i] = float16.Frombits(b).Float32()
			}
		})
		if err != nil {
			return nil, err
		}
		return tensors.FromFlatDataAndDimensions(values, entry.Shape...), nil
	}
	return nil, errors.Errorf("unsupported safetensors dtype %q", entry.DType)
}

func decode[T int8 | uint8 | uint16 | int32 | int64 | float32 | float64](r *bytes.Reader, dims []int) (*tensors.Tensor, error) {
	n := 1
	for _, dim := range dims {
		n *= dim
	}
	values := make([]T, n)
	if err := binary.Read(r, binary.LittleEndian, values); err != nil {
		return nil, errors.Wrap(err, "decoding tensor data")
	}
	if r.Len() != 0 {
		return nil, errors.Errorf("%d extra bytes of tensor data for shape %v", r.Len(), dims)
	}
	return tensors.FromFlatDataAndDimensions(values, dims...), nil
}

var safetensorsDTypes = map[dtypes.DType]string{
	dtypes.Float32: "F32",
	dtypes.Float64: "F64",
	dtypes.Int8:    "I8",
	dtypes.Uint8:   "U8",
	dtypes.Int32:   "I32",
	dtypes.Int64:   "I64",
}

// SaveSafetensors writes sd to filePath in the safetensors format, with tensors sorted by key.
func SaveSafetensors(filePath string, sd nn.StateDict) error {
	header := map[string]any{safetensorsMetadataKey: map[string]string{"format": "pt"}}
	var body bytes.Buffer
	for _, key := range sd.Keys() {
		t := sd[key]
		dtype, found := safetensorsDTypes[t.DType()]
		if !found {
			return errors.Errorf("saving %q: dtype %s not supported", key, t.DType())
		}
		start := int64(body.Len())
		var writeErr error
		err := t.ConstFlatData(func(flat any) {
			writeErr = binary.Write(&body, binary.LittleEndian, flat)
		})
		if err == nil {
			err = writeErr
		}
		if err != nil {
			return errors.Wrapf(err, "saving %q", key)
		}
		header[key] = safetensorsHeaderEntry{
			DType:   dtype,
			Shape:   append([]int{}, t.Shape().Dimensions...),
			Offsets: []int64{start, int64(body.Len())},
		}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrapf(err, "encoding header of %q", filePath)
	}
	// The data section starts 8-bytes aligned.
	if pad := len(headerJSON) % 8; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var out bytes.Buffer
	out.Grow(8 + len(headerJSON) + body.Len())
	_ = binary.Write(&out, binary.LittleEndian, uint64(len(headerJSON)))
	out.Write(headerJSON)
	out.Write(body.Bytes())
	return errors.Wrapf(os.WriteFile(filePath, out.Bytes(), 0644), "writing %q", filePath)
}
