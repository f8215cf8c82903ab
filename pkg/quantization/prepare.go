// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantization

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Observed wraps a quantizable module and records the range of its outputs during calibration.
//
// It is transparent for the tree: its children and parameters are those of the wrapped module,
// so paths and state-dict keys don't change.
type Observed struct {
	Module   nn.Module
	Observer *MinMaxObserver

	calibrator *Calibrator
}

var (
	_ nn.Parent      = (*Observed)(nil)
	_ nn.ParamHolder = (*Observed)(nil)
	_ Functional     = (*Observed)(nil)
)

// Forward implements nn.Module.
func (o *Observed) Forward(x *Node) *Node {
	return o.calibrator.record(o, o.Module.Forward(x))
}

// AddReLU implements Functional, if the wrapped module is a Functional.
func (o *Observed) AddReLU(a, b *Node) *Node {
	f, ok := o.Module.(Functional)
	if !ok {
		exceptions.Panicf("observed module %T is not a Functional", o.Module)
	}
	return o.calibrator.record(o, f.AddReLU(a, b))
}

// Children implements nn.Parent.
func (o *Observed) Children() []nn.Child {
	if parent, ok := o.Module.(nn.Parent); ok {
		return parent.Children()
	}
	return nil
}

// SetChild implements nn.Parent.
func (o *Observed) SetChild(name string, m nn.Module) error {
	if parent, ok := o.Module.(nn.Parent); ok {
		return parent.SetChild(name, m)
	}
	return errors.Wrapf(nn.ErrNoSuchModule, "observed %T has no sub-modules", o.Module)
}

// Params implements nn.ParamHolder.
func (o *Observed) Params() []nn.Param {
	if holder, ok := o.Module.(nn.ParamHolder); ok {
		return holder.Params()
	}
	return nil
}

// Calibrator collects the observations of the Observed modules of a prepared model.
type Calibrator struct {
	QConfig  QConfig
	Observed []*Observed

	// recorded lists the observed outputs of the graph being built, two statistics (min, max) each.
	recorded []*Observed
	stats    []*Node
}

// record registers y as the output of o in the graph being built.
func (c *Calibrator) record(o *Observed, y *Node) *Node {
	c.recorded = append(c.recorded, o)
	c.stats = append(c.stats, ReduceAllMin(y), ReduceAllMax(y))
	return y
}

// Prepare attaches observers to the outputs of the quantizable modules of the tree: quant stubs,
// convolutions (fused or not), linear layers and the add+ReLU functionals.
// Modules inside a fused convolution are not observed separately.
//
// The model should be fused before being prepared.
func Prepare(root nn.Module, qconfig QConfig) (*Calibrator, error) {
	c := &Calibrator{QConfig: qconfig}
	qMin, qMax := qconfig.activationRange()
	var targets []string
	var fusedPrefixes []string
	for path, m := range nn.All(root) {
		if insideAny(path, fusedPrefixes) {
			continue
		}
		switch m.(type) {
		case *nn.FusedConv2d:
			fusedPrefixes = append(fusedPrefixes, path+".")
			targets = append(targets, path)
		case *QuantStub, *nn.Conv2d, *nn.Linear, *AddReLU:
			targets = append(targets, path)
		case *Observed:
			return nil, errors.Errorf("module %q is already prepared for quantization", path)
		}
	}
	for _, path := range targets {
		m, err := nn.Lookup(root, path)
		if err != nil {
			return nil, err
		}
		o := &Observed{Module: m, Observer: NewMinMaxObserver(qMin, qMax), calibrator: c}
		if err := nn.Replace(root, path, o); err != nil {
			return nil, err
		}
		c.Observed = append(c.Observed, o)
	}
	klog.V(1).Infof("prepared %d modules for quantization (backend %q)", len(c.Observed), qconfig.Backend)
	return c, nil
}

func insideAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Run executes root on each of the inputs and updates the observers with the range of the outputs.
// ctx must be the context holding the variables of the model.
func (c *Calibrator) Run(backend backends.Backend, ctx *context.Context, root nn.Module, inputs ...*tensors.Tensor) error {
	exec, err := context.NewExec(backend, ctx, func(_ *context.Context, x *Node) []*Node {
		c.recorded, c.stats = nil, nil
		y := root.Forward(x)
		return append([]*Node{y}, c.stats...)
	})
	if err != nil {
		return errors.WithMessage(err, "creating calibration executor")
	}
	defer exec.Finalize()
	for i, input := range inputs {
		outputs, err := exec.Exec(input)
		if err != nil {
			return errors.WithMessagef(err, "calibration batch #%d", i)
		}
		for j, o := range c.recorded {
			minValue, err := scalarValue(outputs[1+2*j])
			if err != nil {
				return err
			}
			maxValue, err := scalarValue(outputs[2+2*j])
			if err != nil {
				return err
			}
			o.Observer.Observe(minValue, maxValue)
		}
		for _, t := range outputs {
			_ = t.FinalizeAll()
		}
		klog.V(2).Infof("calibration batch #%d: %d observations", i, len(c.recorded))
	}
	return nil
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	values, err := nn.ToFloat64(t)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, errors.Errorf("expected a scalar, got shape %s", t.Shape())
	}
	return values[0], nil
}

func typeName(m nn.Module) string {
	name := fmt.Sprintf("%T", m)
	return strings.TrimPrefix(name, "*")
}
