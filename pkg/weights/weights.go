// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package weights describes pretrained parameter sets (Weights) and groups them per architecture in
// immutable registries.
//
// A Registry maps keys (e.g. "IMAGENET1K_V1") to *Weights. The default entry is stored under the
// extra key DefaultKey, pointing to the same *Weights, so identity comparisons work for both keys.
package weights

import (
	_ "embed"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a key is not part of a registry.
	ErrNotFound = errors.New("weights not found")

	// ErrInvalidSelection is returned when the selected weights don't belong to the registry of the
	// architecture (or quantization mode) being built.
	ErrInvalidSelection = errors.New("invalid weights selection")
)

// DefaultKey is the alias of the default weights of a registry.
const DefaultKey = "DEFAULT"

// Metrics reported for the weights on the ImageNet-1K validation set.
type Metrics struct {
	Acc1, Acc5 float64
}

// Meta is the metadata of a Weights.
type Meta struct {
	Categories []string
	NumParams  int

	// MinSize is the minimum (height, width) of the inputs.
	MinSize [2]int

	// Backend is the quantization backend of quantized weights, empty for float weights.
	Backend string

	// Recipe is a URL describing how the weights were trained (or quantized).
	Recipe  string
	Metrics Metrics

	// Unquantized points to the float weights quantized weights were derived from, nil for float weights.
	Unquantized *Weights
}

// Weights is a named, downloadable set of pretrained parameters. It is never modified after creation.
type Weights struct {
	// Name is the key of the weights in its registry, e.g. "IMAGENET1K_FBGEMM_V1".
	Name string
	URL  string

	Transforms Transforms
	Meta       Meta

	registry *Registry
}

// Registry returns the registry the weights belong to, or nil if they were never registered.
func (w *Weights) Registry() *Registry { return w.registry }

// FullName returns the qualified name of the weights, e.g. "ResNet18_QuantizedWeights.IMAGENET1K_FBGEMM_V1".
func (w *Weights) FullName() string {
	if w.registry == nil {
		return w.Name
	}
	return w.registry.name + "." + w.Name
}

// String implements fmt.Stringer.
func (w *Weights) String() string { return w.FullName() }

// IsQuantized returns whether the weights are for a quantized model.
func (w *Weights) IsQuantized() bool { return w.Meta.Backend != "" }

// Registry is an immutable set of Weights for one architecture.
type Registry struct {
	name    string
	keys    []string
	entries map[string]*Weights
}

// NewRegistry creates a registry with the given entries, in order, and marks defaultKey as the default.
// The registry takes ownership of the entries.
//
// It panics if names are repeated or defaultKey is not one of the entries: registries are built at
// package initialization from static data.
func NewRegistry(name string, defaultKey string, entries ...*Weights) *Registry {
	r := &Registry{name: name, entries: make(map[string]*Weights, len(entries)+1)}
	for _, w := range entries {
		if _, found := r.entries[w.Name]; found || w.Name == DefaultKey {
			panic(errors.Errorf("registry %s: invalid or duplicate weights name %q", name, w.Name))
		}
		if w.registry != nil {
			panic(errors.Errorf("registry %s: weights %q already registered in %s", name, w.Name, w.registry.name))
		}
		w.registry = r
		r.keys = append(r.keys, w.Name)
		r.entries[w.Name] = w
	}
	defaultWeights, found := r.entries[defaultKey]
	if !found {
		panic(errors.Errorf("registry %s: default key %q not found", name, defaultKey))
	}
	r.entries[DefaultKey] = defaultWeights
	return r
}

// Name of the registry, e.g. "ResNet50_Weights".
func (r *Registry) Name() string { return r.name }

// Keys returns the keys of the registered weights in registration order, without the DefaultKey alias.
func (r *Registry) Keys() []string { return slices.Clone(r.keys) }

// All returns the registered weights in registration order.
func (r *Registry) All() []*Weights {
	all := make([]*Weights, len(r.keys))
	for i, key := range r.keys {
		all[i] = r.entries[key]
	}
	return all
}

// Default returns the default weights.
func (r *Registry) Default() *Weights { return r.entries[DefaultKey] }

// Get returns the weights for key, which can be an entry name, DefaultKey or the qualified form
// "<registry>.<name>". Unknown keys return an error wrapping ErrNotFound.
func (r *Registry) Get(key string) (*Weights, error) {
	if prefix, name, found := strings.Cut(key, "."); found {
		if prefix != r.name {
			return nil, errors.Wrapf(ErrNotFound, "%q is not part of %s", key, r.name)
		}
		key = name
	}
	w, found := r.entries[key]
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "%q in %s (valid keys: %s)", key, r.name,
			strings.Join(append(r.Keys(), DefaultKey), ", "))
	}
	return w, nil
}

// Contains returns whether w is one of the registered weights.
func (r *Registry) Contains(w *Weights) bool {
	return w != nil && w.registry == r
}

// Verify checks that the selected weights belong to this registry and returns them.
// A nil selection is valid and returns nil.
func (r *Registry) Verify(w *Weights) (*Weights, error) {
	if w == nil {
		return nil, nil
	}
	if !r.Contains(w) {
		return nil, errors.Wrapf(ErrInvalidSelection, "weights %s are not part of %s (valid keys: %s)",
			w.FullName(), r.name, strings.Join(r.Keys(), ", "))
	}
	return w, nil
}

// VerifyName is like Verify, but the weights are selected by key (see Get).
// An empty key returns nil. Keys not found in the registry return an error wrapping ErrInvalidSelection.
func (r *Registry) VerifyName(key string) (*Weights, error) {
	if key == "" {
		return nil, nil
	}
	w, err := r.Get(key)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSelection, err.Error())
	}
	return w, nil
}

//go:embed imagenet_categories.txt
var imagenetCategoriesTxt string

// ImageNetCategories returns the 1000 ImageNet-1K class names, indexed by class id.
// The returned slice is shared: don't modify it.
func ImageNetCategories() []string {
	return imagenetCategories
}

var imagenetCategories = strings.Split(strings.TrimSpace(imagenetCategoriesTxt), "\n")
