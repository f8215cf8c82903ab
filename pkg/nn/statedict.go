// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ErrStructuralMismatch is returned by LoadStateDict when the keys or shapes of a checkpoint don't
// match the module tree.
var ErrStructuralMismatch = errors.New("checkpoint doesn't match the model structure")

// Suffixes of the entries holding the quantization parameters of a quantized tensor: a quantized
// "weight" is stored as "weight" (int8 values), "weight.q_scale" and "weight.q_zero_point".
const (
	QScaleSuffix     = ".q_scale"
	QZeroPointSuffix = ".q_zero_point"
)

// StateDict maps dotted parameter names (e.g. "layer1.0.bn1.running_mean") to their values.
type StateDict map[string]*tensors.Tensor

// Keys returns the sorted keys of the state dict.
func (sd StateDict) Keys() []string {
	return slices.Sorted(maps.Keys(sd))
}

// NamedVariable is a variable with its fully qualified (dotted) name in the module tree.
type NamedVariable struct {
	Key      string
	Variable *context.Variable
}

// NamedVariables lists all variables in the tree rooted at root, in Walk order.
func NamedVariables(root Module) []NamedVariable {
	var named []NamedVariable
	for path, m := range All(root) {
		holder, ok := m.(ParamHolder)
		if !ok {
			continue
		}
		for _, p := range holder.Params() {
			named = append(named, NamedVariable{Key: JoinPath(path, p.Name), Variable: p.Variable})
		}
	}
	return named
}

// NumParameters returns the total number of scalar values held by the trainable variables of the tree.
// Buffers, like batch-norm running statistics, are not counted.
func NumParameters(root Module) int {
	var total int
	for _, nv := range NamedVariables(root) {
		if nv.Variable.Trainable {
			total += nv.Variable.Shape().Size()
		}
	}
	return total
}

// CollectStateDict returns the current values of all variables in the tree.
//
// The tensors are the ones held by the variables, not copies: don't modify them.
// It fails if some variable has not been initialized yet.
func CollectStateDict(root Module) (StateDict, error) {
	sd := make(StateDict)
	for _, nv := range NamedVariables(root) {
		value, err := nv.Variable.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %q", nv.Key)
		}
		sd[nv.Key] = value
	}
	return sd, nil
}

// LoadStateDict sets the variables of the tree from sd.
//
// Loading is strict: every variable must have an entry with the same shape, and every entry must
// match a variable. Otherwise, nothing is loaded and an error wrapping ErrStructuralMismatch listing
// the missing keys, unexpected keys and shape differences is returned.
// Values with a different dtype are converted to the dtype of the variable.
func LoadStateDict(root Module, sd StateDict) error {
	named := NamedVariables(root)
	expected := make(map[string]bool, len(named))
	var missing, mismatched []string
	for _, nv := range named {
		expected[nv.Key] = true
		value, found := sd[nv.Key]
		if !found {
			missing = append(missing, nv.Key)
			continue
		}
		if !slices.Equal(value.Shape().Dimensions, nv.Variable.Shape().Dimensions) {
			mismatched = append(mismatched, fmt.Sprintf("%s: checkpoint %v, model %v",
				nv.Key, value.Shape().Dimensions, nv.Variable.Shape().Dimensions))
		}
	}
	var unexpected []string
	for _, key := range sd.Keys() {
		if !expected[key] {
			unexpected = append(unexpected, key)
		}
	}
	if len(missing)+len(unexpected)+len(mismatched) > 0 {
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, fmt.Sprintf("missing keys %q", missing))
		}
		if len(unexpected) > 0 {
			parts = append(parts, fmt.Sprintf("unexpected keys %q", unexpected))
		}
		if len(mismatched) > 0 {
			parts = append(parts, "size mismatch for "+strings.Join(mismatched, "; "))
		}
		return errors.Wrap(ErrStructuralMismatch, strings.Join(parts, ", "))
	}

	for _, nv := range named {
		value, err := ConvertTensorDType(sd[nv.Key], nv.Variable.DType())
		if err != nil {
			return errors.WithMessagef(err, "loading %q", nv.Key)
		}
		if err := nv.Variable.SetValue(value); err != nil {
			return errors.WithMessagef(err, "loading %q", nv.Key)
		}
	}
	return nil
}

// ConvertTensorDType returns t converted to dtype. If t already has the dtype, it is returned as is.
//
// Only the numeric dtypes used by checkpoints are supported: Float32, Float64, Int8, Uint8, Int32 and Int64.
func ConvertTensorDType(t *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, error) {
	if t.DType() == dtype {
		return t, nil
	}
	values, err := ToFloat64(t)
	if err != nil {
		return nil, err
	}
	return FromFloat64(values, dtype, t.Shape().Dimensions...)
}

// ToFloat64 returns a copy of the flat values of t as float64.
func ToFloat64(t *tensors.Tensor) ([]float64, error) {
	var out []float64
	err := t.ConstFlatData(func(flatAny any) {
		switch flat := flatAny.(type) {
		case []float32:
			out = convertSlice[float32, float64](flat)
		case []float64:
			out = slices.Clone(flat)
		case []int8:
			out = convertSlice[int8, float64](flat)
		case []uint8:
			out = convertSlice[uint8, float64](flat)
		case []int32:
			out = convertSlice[int32, float64](flat)
		case []int64:
			out = convertSlice[int64, float64](flat)
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil && t.Size() > 0 {
		return nil, errors.Errorf("dtype %s not supported for conversion", t.DType())
	}
	return out, nil
}

// FromFloat64 creates a tensor of the given dtype and dimensions from float64 values.
func FromFloat64(values []float64, dtype dtypes.DType, dimensions ...int) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(convertSlice[float64, float32](values), dimensions...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(slices.Clone(values), dimensions...), nil
	case dtypes.Int8:
		return tensors.FromFlatDataAndDimensions(convertSlice[float64, int8](values), dimensions...), nil
	case dtypes.Uint8:
		return tensors.FromFlatDataAndDimensions(convertSlice[float64, uint8](values), dimensions...), nil
	case dtypes.Int32:
		return tensors.FromFlatDataAndDimensions(convertSlice[float64, int32](values), dimensions...), nil
	case dtypes.Int64:
		return tensors.FromFlatDataAndDimensions(convertSlice[float64, int64](values), dimensions...), nil
	}
	return nil, errors.Errorf("dtype %s not supported for conversion", dtype)
}

func convertSlice[From, To int8 | uint8 | int32 | int64 | float32 | float64](from []From) []To {
	to := make([]To, len(from))
	for i, v := range from {
		to[i] = To(v)
	}
	return to
}
