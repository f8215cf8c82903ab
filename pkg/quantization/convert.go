// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantization

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// QuantizedScope is the scope, under the root of the model context, where the variables of
// converted modules are created.
const QuantizedScope = "quantized"

// Convert swaps the observed modules of a prepared and calibrated tree by their quantized
// versions, and the DeQuantStub modules by DeQuantize.
//
// The variables of the converted float modules are deleted from ctx.
// It returns the number of modules converted.
func Convert(root nn.Module, ctx *context.Context, c *Calibrator) (int, error) {
	type target struct {
		path   string
		module nn.Module
	}
	var targets []target
	for path, m := range nn.All(root) {
		switch m.(type) {
		case *Observed, *DeQuantStub:
			targets = append(targets, target{path, m})
		}
	}
	qctx := ctx.In(QuantizedScope)
	for _, t := range targets {
		var converted nn.Module = &DeQuantize{}
		if o, ok := t.module.(*Observed); ok {
			stale := nn.NamedVariables(o)
			var err error
			converted, err = convertObserved(qctx.In(t.path), o, c.QConfig)
			if err != nil {
				return 0, errors.WithMessagef(err, "converting %q", t.path)
			}
			deleteVariables(ctx, stale)
		}
		if err := nn.Replace(root, t.path, converted); err != nil {
			return 0, err
		}
		klog.V(2).Infof("converted %q to %s", t.path, typeName(converted))
	}
	return len(targets), nil
}

func convertObserved(ctx *context.Context, o *Observed, qconfig QConfig) (nn.Module, error) {
	scale, zeroPoint := o.Observer.QParams()
	switch m := o.Module.(type) {
	case *QuantStub:
		return NewQuantize(ctx, scale, zeroPoint), nil
	case *AddReLU:
		return NewQFunctional(ctx, scale, zeroPoint), nil
	case *nn.FusedConv2d:
		if m.BN != nil {
			if err := m.BN.FoldInto(m.Conv); err != nil {
				return nil, err
			}
			m.BN = nil
		}
		return NewQuantizedConv2d(ctx, m.Conv, m.HasReLU(), qconfig, scale, zeroPoint)
	case *nn.Conv2d:
		return NewQuantizedConv2d(ctx, m, false, qconfig, scale, zeroPoint)
	case *nn.Linear:
		return NewQuantizedLinear(ctx, m, qconfig, scale, zeroPoint)
	}
	return nil, errors.Errorf("don't know how to quantize %s", typeName(o.Module))
}

// deleteVariables removes the float variables of a converted module from ctx.
func deleteVariables(ctx *context.Context, variables []nn.NamedVariable) {
	for _, nv := range variables {
		if err := ctx.DeleteVariable(nv.Variable.Scope(), nv.Variable.Name()); err != nil {
			klog.Warningf("failed to delete converted variable %q: %+v", nv.Key, err)
		}
	}
}
