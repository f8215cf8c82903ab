// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"io"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Suffixes of the packed parameters of PyTorch's quantized linear layers.
const (
	packedParamsSuffix      = "._packed_params._packed_params"
	packedParamsDTypeSuffix = "._packed_params.dtype"
)

// LoadPyTorch decodes a checkpoint saved with torch.save(model.state_dict()).
// Checkpoints wrapping the state dict under a "state_dict" or "model" key are also accepted.
func LoadPyTorch(filePath string) (nn.StateDict, error) {
	obj, err := pytorch.LoadWithUnpickler(filePath, newUnpickler)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unpickle %q", filePath)
	}
	entries, err := dictEntries(obj)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", filePath)
	}
	if nested := nestedStateDict(entries); nested != nil {
		if entries, err = dictEntries(nested); err != nil {
			return nil, errors.WithMessagef(err, "reading %q", filePath)
		}
	}

	sd := make(nn.StateDict, len(entries))
	for _, entry := range entries {
		if err := addEntry(sd, entry.key, entry.value); err != nil {
			return nil, errors.WithMessagef(err, "reading %q from %q", entry.key, filePath)
		}
	}
	return sd, nil
}

type dictEntry struct {
	key   string
	value any
}

// dictEntries returns the entries of a pickled dict or OrderedDict, in order.
func dictEntries(obj any) ([]dictEntry, error) {
	var entries []dictEntry
	add := func(key, value any) error {
		name, ok := key.(string)
		if !ok {
			return errors.Errorf("state dict key %v is a %T, not a string", key, key)
		}
		entries = append(entries, dictEntry{name, value})
		return nil
	}
	switch dict := obj.(type) {
	case *types.OrderedDict:
		for e := dict.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := add(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
	case *types.Dict:
		for _, key := range dict.Keys() {
			if err := add(key, dict.MustGet(key)); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.Errorf("checkpoint holds a %T, not a state dict", obj)
	}
	return entries, nil
}

func nestedStateDict(entries []dictEntry) any {
	for _, entry := range entries {
		if entry.key != "state_dict" && entry.key != "model" {
			continue
		}
		switch entry.value.(type) {
		case *types.OrderedDict, *types.Dict:
			return entry.value
		}
	}
	return nil
}

func addEntry(sd nn.StateDict, key string, value any) error {
	switch {
	case strings.HasSuffix(key, packedParamsDTypeSuffix):
		return nil
	case strings.HasSuffix(key, packedParamsSuffix):
		base := strings.TrimSuffix(key, packedParamsSuffix)
		packed, ok := value.(*types.Tuple)
		if !ok || packed.Len() < 1 {
			return errors.Errorf("packed parameters are a %T, expected a (weight, bias) tuple", value)
		}
		if err := addEntry(sd, base+".weight", packed.Get(0)); err != nil {
			return err
		}
		if packed.Len() > 1 && packed.Get(1) != nil {
			return addEntry(sd, base+".bias", packed.Get(1))
		}
		return nil
	}

	switch v := value.(type) {
	case *pytorch.Tensor:
		t, err := toTensor(v)
		if err != nil {
			return err
		}
		sd[key] = t
	case *qTensor:
		return v.addTo(sd, key)
	default:
		klog.V(2).Infof("skipping %q: %T is not a tensor", key, value)
	}
	return nil
}

// newUnpickler handles the classes of quantized checkpoints that gopickle doesn't know.
func newUnpickler(r io.Reader) pickle.Unpickler {
	u := pickle.NewUnpickler(r)
	u.FindClass = findQuantizationClass
	return u
}

func findQuantizationClass(module, name string) (any, error) {
	if module == "torch._utils" && name == "_rebuild_qtensor" {
		return rebuildQTensor{}, nil
	}
	if module != "torch" {
		return nil, errors.Errorf("unsupported class %s.%s", module, name)
	}
	switch name {
	case "QInt8Storage":
		return &pytorch.CharStorageClass{}, nil
	case "QUInt8Storage":
		return &pytorch.ByteStorageClass{}, nil
	case "QInt32Storage":
		return &pytorch.IntStorageClass{}, nil
	case "per_tensor_affine", "per_channel_affine", "per_channel_affine_float_qparams",
		"qint8", "quint8", "qint32":
		return torchConstant(name), nil
	}
	return nil, errors.Errorf("unsupported class torch.%s", name)
}

// torchConstant is a pickled torch global used as a value (quantization schemes and dtypes).
type torchConstant string

// qTensor is an affine quantized tensor: value = (q - zero_point) * scale.
type qTensor struct {
	values     *pytorch.Tensor
	scales     []float64
	zeroPoints []int64
	axis       int
}

// addTo stores the quantized tensor in sd under key, with its quantization parameters under
// key+nn.QScaleSuffix and key+nn.QZeroPointSuffix.
func (q *qTensor) addTo(sd nn.StateDict, key string) error {
	values, err := toTensor(q.values)
	if err != nil {
		return err
	}
	channels := 1
	if len(q.values.Size) > 0 {
		channels = q.values.Size[q.axis]
	}
	scales, zeroPoints := q.scales, q.zeroPoints
	if len(scales) == 1 && channels > 1 {
		scales, zeroPoints = repeat(scales[0], channels), repeat(zeroPoints[0], channels)
	}
	if len(scales) != channels || len(zeroPoints) != channels {
		return errors.Errorf("quantized tensor with %d channels has %d scales and %d zero points",
			channels, len(scales), len(zeroPoints))
	}
	sd[key] = values
	sd[key+nn.QScaleSuffix] = tensors.FromFlatDataAndDimensions(scales, channels)
	sd[key+nn.QZeroPointSuffix] = tensors.FromFlatDataAndDimensions(zeroPoints, channels)
	return nil
}

func repeat[T any](value T, n int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = value
	}
	return out
}

// rebuildQTensor implements torch._utils._rebuild_qtensor:
// (storage, storage_offset, size, stride, quantizer_params, requires_grad, backward_hooks).
type rebuildQTensor struct{}

// Call implements types.Callable.
func (rebuildQTensor) Call(args ...any) (any, error) {
	if len(args) < 5 {
		return nil, errors.Errorf("_rebuild_qtensor called with %d arguments, expected at least 5", len(args))
	}
	storage, ok := args[0].(pytorch.StorageInterface)
	if !ok {
		return nil, errors.Errorf("_rebuild_qtensor: storage is a %T", args[0])
	}
	offset, ok := args[1].(int)
	if !ok {
		return nil, errors.Errorf("_rebuild_qtensor: storage offset is a %T", args[1])
	}
	size, err := tupleInts(args[2])
	if err != nil {
		return nil, errors.WithMessage(err, "_rebuild_qtensor size")
	}
	stride, err := tupleInts(args[3])
	if err != nil {
		return nil, errors.WithMessage(err, "_rebuild_qtensor stride")
	}
	q := &qTensor{values: &pytorch.Tensor{Source: storage, StorageOffset: offset, Size: size, Stride: stride}}

	params, ok := args[4].(*types.Tuple)
	if !ok || params.Len() < 3 {
		return nil, errors.Errorf("_rebuild_qtensor: invalid quantizer parameters %v", args[4])
	}
	switch scheme := params.Get(0); scheme {
	case torchConstant("per_tensor_affine"):
		scale, err := toFloat(params.Get(1))
		if err != nil {
			return nil, err
		}
		zeroPoint, ok := params.Get(2).(int)
		if !ok {
			return nil, errors.Errorf("_rebuild_qtensor: zero point is a %T", params.Get(2))
		}
		q.scales, q.zeroPoints = []float64{scale}, []int64{int64(zeroPoint)}
	case torchConstant("per_channel_affine"), torchConstant("per_channel_affine_float_qparams"):
		if params.Len() < 4 {
			return nil, errors.New("_rebuild_qtensor: per-channel parameters without axis")
		}
		if q.scales, err = tensorFloats(params.Get(1)); err != nil {
			return nil, errors.WithMessage(err, "per-channel scales")
		}
		zeroPoints, err := tensorFloats(params.Get(2))
		if err != nil {
			return nil, errors.WithMessage(err, "per-channel zero points")
		}
		q.zeroPoints = make([]int64, len(zeroPoints))
		for i, zp := range zeroPoints {
			q.zeroPoints[i] = int64(zp)
		}
		if q.axis, ok = params.Get(3).(int); !ok {
			return nil, errors.Errorf("_rebuild_qtensor: axis is a %T", params.Get(3))
		}
		if q.axis != 0 {
			return nil, errors.Errorf("_rebuild_qtensor: only per-channel quantization on axis 0 is supported, got axis %d", q.axis)
		}
	default:
		return nil, errors.Errorf("_rebuild_qtensor: unsupported quantization scheme %v", scheme)
	}
	return q, nil
}

func tupleInts(obj any) ([]int, error) {
	tuple, ok := obj.(*types.Tuple)
	if !ok {
		return nil, errors.Errorf("expected a tuple, got %T", obj)
	}
	ints := make([]int, tuple.Len())
	for i := range ints {
		if ints[i], ok = tuple.Get(i).(int); !ok {
			return nil, errors.Errorf("expected a tuple of ints, got %T at position %d", tuple.Get(i), i)
		}
	}
	return ints, nil
}

func toFloat(obj any) (float64, error) {
	switch v := obj.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	}
	return 0, errors.Errorf("expected a number, got %T", obj)
}

func tensorFloats(obj any) ([]float64, error) {
	t, ok := obj.(*pytorch.Tensor)
	if !ok {
		return nil, errors.Errorf("expected a tensor, got %T", obj)
	}
	value, err := toTensor(t)
	if err != nil {
		return nil, err
	}
	return nn.ToFloat64(value)
}

// toTensor copies a PyTorch tensor (possibly strided) to a GoMLX tensor of the equivalent dtype.
// Half precision values are converted to float32.
func toTensor(t *pytorch.Tensor) (*tensors.Tensor, error) {
	switch src := t.Source.(type) {
	case *pytorch.FloatStorage:
		return tensors.FromFlatDataAndDimensions(gather(src.Data, t), t.Size...), nil
	case *pytorch.HalfStorage:
		return tensors.FromFlatDataAndDimensions(gather(src.Data, t), t.Size...), nil
	case *pytorch.BFloat16Storage:
		return tensors.FromFlatDataAndDimensions(gather(src.Data, t), t.Size...), nil
	case *pytorch.DoubleStorage:
		return tensors.FromFlatDataAndDimensions(gather(src.Data, t), t.Size...), nil
	case *pytorch.LongStorage:
		return tensors.FromFlatDataAndDimensions(gather(src.Data, t), t.Size...), nil
	case *pytorch.IntStorage:
		return tensors.FromFlatDataAndDimensions(gather(src.Data, t), t.Size...), nil
	case *pytorch.CharStorage:
		return tensors.FromFlatDataAndDimensions(gather(src.Data, t), t.Size...), nil
	case *pytorch.ByteStorage:
		return tensors.FromFlatDataAndDimensions(gather(src.Data, t), t.Size...), nil
	}
	return nil, errors.Errorf("unsupported tensor storage %T", t.Source)
}

// gather returns the elements of the tensor t, stored in data, in row-major order.
func gather[T any](data []T, t *pytorch.Tensor) []T {
	n := 1
	for _, dim := range t.Size {
		n *= dim
	}
	out := make([]T, n)
	idx := make([]int, len(t.Size))
	for i := range out {
		pos := t.StorageOffset
		for axis, j := range idx {
			pos += j * t.Stride[axis]
		}
		out[i] = data[pos]
		for axis := len(idx) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < t.Size[axis] {
				break
			}
			idx[axis] = 0
		}
	}
	return out
}
