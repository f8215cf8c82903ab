// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn implements a tree of modules (layers, blocks and whole networks) on top of GoMLX.
//
// Each module owns its parameters as context.Variable objects and knows how to build its
// computation with Forward. Modules with sub-modules implement Parent, which allows tools
// (fusion, quantization, state-dict loading) to walk and rewrite the tree in place.
//
// Paths in the tree are dotted names, e.g. "layer1.0.conv1", the same names used in
// PyTorch checkpoints, so pre-trained weights can be loaded by key.
package nn

import (
	"iter"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ErrNoSuchModule is returned when a dotted path doesn't resolve to a module in the tree.
var ErrNoSuchModule = errors.New("no such module")

// Module is a node in a model tree: a layer, a block or a whole network.
type Module interface {
	// Forward builds the computation of the module for input x.
	Forward(x *Node) *Node
}

// Child is a named sub-module.
type Child struct {
	Name   string
	Module Module
}

// Parent is a Module with named sub-modules that can be replaced in place.
type Parent interface {
	Module

	// Children returns the sub-modules in a fixed order.
	Children() []Child

	// SetChild replaces the sub-module with the given name.
	// It returns an error if the name is unknown or the module is not acceptable in that slot.
	SetChild(name string, m Module) error
}

// Param is a named variable owned directly by a module. Buffers (e.g. batch-norm running statistics) are
// also reported as Param.
type Param struct {
	Name     string
	Variable *context.Variable
}

// ParamHolder is implemented by modules that own variables.
type ParamHolder interface {
	Params() []Param
}

// JoinPath joins a dotted prefix and a name.
func JoinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "." + name
}

// Walk visits root and all its descendants in pre-order, calling fn with the dotted path of each module.
// The root has path "". It stops at the first error returned by fn.
func Walk(root Module, fn func(path string, m Module) error) error {
	return walk("", root, fn)
}

func walk(path string, m Module, fn func(path string, m Module) error) error {
	if err := fn(path, m); err != nil {
		return err
	}
	parent, ok := m.(Parent)
	if !ok {
		return nil
	}
	for _, child := range parent.Children() {
		if err := walk(JoinPath(path, child.Name), child.Module, fn); err != nil {
			return err
		}
	}
	return nil
}

// All iterates over root and all its descendants, in the same order as Walk.
func All(root Module) iter.Seq2[string, Module] {
	return func(yield func(string, Module) bool) {
		stop := errors.New("stop")
		_ = Walk(root, func(path string, m Module) error {
			if !yield(path, m) {
				return stop
			}
			return nil
		})
	}
}

// CountOf returns how many modules of concrete type T are in the tree rooted at root (root included).
func CountOf[T Module](root Module) int {
	var count int
	for _, m := range All(root) {
		if _, ok := m.(T); ok {
			count++
		}
	}
	return count
}

// Lookup returns the module at the dotted path, relative to root. An empty path returns root.
func Lookup(root Module, path string) (Module, error) {
	if path == "" {
		return root, nil
	}
	current := root
	for _, name := range strings.Split(path, ".") {
		parent, ok := current.(Parent)
		if !ok {
			return nil, errors.Wrapf(ErrNoSuchModule, "%q: %T has no sub-modules", path, current)
		}
		var found Module
		for _, child := range parent.Children() {
			if child.Name == name {
				found = child.Module
				break
			}
		}
		if found == nil {
			return nil, errors.Wrapf(ErrNoSuchModule, "%q: %T has no sub-module named %q", path, current, name)
		}
		current = found
	}
	return current, nil
}

// Replace swaps the module at the dotted path (relative to root) for m.
func Replace(root Module, path string, m Module) error {
	if path == "" {
		return errors.New("cannot replace the root module")
	}
	parentPath, name := "", path
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		parentPath, name = path[:idx], path[idx+1:]
	}
	parentModule, err := Lookup(root, parentPath)
	if err != nil {
		return err
	}
	parent, ok := parentModule.(Parent)
	if !ok {
		return errors.Wrapf(ErrNoSuchModule, "%q: %T has no sub-modules", parentPath, parentModule)
	}
	return errors.WithMessagef(parent.SetChild(name, m), "replacing %q", path)
}
