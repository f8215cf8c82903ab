// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantization

import (
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FuseModules fuses each group of sibling-or-not modules, given by their dotted paths, in place.
//
// Supported groups are [Conv2d, BatchNorm2d, ReLU], [Conv2d, BatchNorm2d] and [Conv2d, ReLU].
// The first path receives an nn.FusedConv2d and the others an nn.IdentityModule.
// If qat is false the batch-norm is folded into the convolution, which requires initialized variables.
// If qat is true the batch-norm is kept inside the fused module.
//
// Groups that are already fused are skipped, so fusing twice is a no-op.
// An unsupported group returns an error wrapping ErrUnsupportedFusion, and that group is left unchanged.
func FuseModules(root nn.Module, groups [][]string, qat bool) error {
	for _, group := range groups {
		if err := fuseGroup(root, group, qat); err != nil {
			return err
		}
	}
	return nil
}

func fuseGroup(root nn.Module, group []string, qat bool) error {
	if len(group) < 2 {
		return errors.Wrapf(ErrUnsupportedFusion, "group %q has fewer than 2 modules", group)
	}
	modules := make([]nn.Module, len(group))
	for i, path := range group {
		m, err := nn.Lookup(root, path)
		if err != nil {
			return errors.WithMessagef(err, "fusing %q", group)
		}
		modules[i] = m
	}
	if isFused(modules) {
		klog.V(2).Infof("modules %q already fused", group)
		return nil
	}

	conv, ok := modules[0].(*nn.Conv2d)
	if !ok {
		return unsupported(group, modules)
	}
	var bn *nn.BatchNorm2d
	var relu *nn.ReLU
	switch len(modules) {
	case 2:
		switch second := modules[1].(type) {
		case *nn.BatchNorm2d:
			bn = second
		case *nn.ReLU:
			relu = second
		default:
			return unsupported(group, modules)
		}
	case 3:
		bn, ok = modules[1].(*nn.BatchNorm2d)
		if !ok {
			return unsupported(group, modules)
		}
		relu, ok = modules[2].(*nn.ReLU)
		if !ok {
			return unsupported(group, modules)
		}
	default:
		return unsupported(group, modules)
	}

	fused := &nn.FusedConv2d{Conv: conv, ReLU: relu}
	if bn != nil {
		if qat {
			fused.BN = bn
		} else {
			if err := bn.FoldInto(conv); err != nil {
				return errors.WithMessagef(err, "fusing %q", group)
			}
			if err := bn.Release(); err != nil {
				return errors.WithMessagef(err, "fusing %q", group)
			}
		}
	}
	if err := nn.Replace(root, group[0], fused); err != nil {
		return err
	}
	for _, path := range group[1:] {
		if err := nn.Replace(root, path, &nn.IdentityModule{}); err != nil {
			return err
		}
	}
	return nil
}

// isFused returns whether modules is the result of a previous fusion, possibly already prepared or
// converted for quantization.
func isFused(modules []nn.Module) bool {
	first := modules[0]
	if o, ok := first.(*Observed); ok {
		first = o.Module
	}
	switch first.(type) {
	case *nn.FusedConv2d, *QuantizedConv2d:
	default:
		return false
	}
	for _, m := range modules[1:] {
		if _, ok := m.(*nn.IdentityModule); !ok {
			return false
		}
	}
	return true
}

func unsupported(group []string, modules []nn.Module) error {
	kinds := make([]string, len(modules))
	for i, m := range modules {
		kinds[i] = typeName(m)
	}
	return errors.Wrapf(ErrUnsupportedFusion, "modules %q of types %q", group, kinds)
}

// ReplaceReLU replaces every ReLU6 and in-place ReLU in the tree by a plain ReLU, which is the form
// that can be fused and quantized. It returns the number of modules replaced.
func ReplaceReLU(root nn.Module) (int, error) {
	var paths []string
	for path, m := range nn.All(root) {
		switch m := m.(type) {
		case *nn.ReLU6:
			paths = append(paths, path)
		case *nn.ReLU:
			if m.Inplace {
				paths = append(paths, path)
			}
		}
	}
	for _, path := range paths {
		if err := nn.Replace(root, path, &nn.ReLU{}); err != nil {
			return 0, err
		}
	}
	return len(paths), nil
}
