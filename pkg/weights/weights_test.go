// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(name, defaultKey string, keys ...string) *Registry {
	entries := make([]*Weights, len(keys))
	for i, key := range keys {
		entries[i] = &Weights{
			Name:       key,
			URL:        "https://example.com/" + name + "-" + key + ".pth",
			Transforms: ImageClassification(224, 256),
			Meta:       Meta{Categories: ImageNetCategories(), NumParams: 1000 + i},
		}
	}
	return NewRegistry(name, defaultKey, entries...)
}

func TestRegistry(t *testing.T) {
	r := newTestRegistry("Test_Weights", "V2", "V1", "V2")
	assert.Equal(t, "Test_Weights", r.Name())
	assert.Equal(t, []string{"V1", "V2"}, r.Keys())
	require.Len(t, r.All(), 2)

	v2, err := r.Get("V2")
	require.NoError(t, err)
	assert.Same(t, v2, r.Default())
	defaultWeights, err := r.Get(DefaultKey)
	require.NoError(t, err)
	assert.Same(t, v2, defaultWeights)
	qualified, err := r.Get("Test_Weights.V1")
	require.NoError(t, err)
	assert.Equal(t, "V1", qualified.Name)
	assert.Equal(t, "Test_Weights.V1", qualified.FullName())
	assert.Equal(t, "Test_Weights.V1", qualified.String())
	assert.Same(t, r, qualified.Registry())

	_, err = r.Get("V3")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("Other_Weights.V1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryVerify(t *testing.T) {
	floatRegistry := newTestRegistry("Test_Weights", "V1", "V1")
	quantizedRegistry := newTestRegistry("Test_QuantizedWeights", "FBGEMM_V1", "FBGEMM_V1")

	w, err := floatRegistry.Verify(nil)
	require.NoError(t, err)
	assert.Nil(t, w)

	v1 := floatRegistry.Default()
	w, err = floatRegistry.Verify(v1)
	require.NoError(t, err)
	assert.Same(t, v1, w)

	_, err = quantizedRegistry.Verify(v1)
	require.ErrorIs(t, err, ErrInvalidSelection)
	assert.Contains(t, err.Error(), "Test_QuantizedWeights")

	// Unregistered weights, even if equal in value, are not accepted.
	clone := *v1
	clone.registry = nil
	_, err = floatRegistry.Verify(&clone)
	require.ErrorIs(t, err, ErrInvalidSelection)

	w, err = quantizedRegistry.VerifyName("DEFAULT")
	require.NoError(t, err)
	assert.Equal(t, "FBGEMM_V1", w.Name)
	w, err = quantizedRegistry.VerifyName("")
	require.NoError(t, err)
	assert.Nil(t, w)
	_, err = quantizedRegistry.VerifyName("V1")
	require.ErrorIs(t, err, ErrInvalidSelection)
}

func TestNewRegistryPanics(t *testing.T) {
	assert.Panics(t, func() { newTestRegistry("Dup", "V1", "V1", "V1") })
	assert.Panics(t, func() { newTestRegistry("NoDefault", "V2", "V1") })
	assert.Panics(t, func() { newTestRegistry("Reserved", DefaultKey, DefaultKey) })

	r := newTestRegistry("First", "V1", "V1")
	assert.Panics(t, func() { NewRegistry("Second", "V1", r.Default()) })
}

func TestImageNetCategories(t *testing.T) {
	categories := ImageNetCategories()
	require.Len(t, categories, 1000)
	assert.Equal(t, "tench", categories[0])
	assert.Equal(t, "goose", categories[99])
	assert.Equal(t, "tiger", categories[292])
	assert.Equal(t, "toilet tissue", categories[999])
	for i, c := range categories {
		assert.NotEmpty(t, c, "category #%d", i)
	}
}

func TestTransforms(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	fill := color.NRGBA{R: 255, G: 0, B: 128, A: 255}
	for y := range 20 {
		for x := range 40 {
			img.SetNRGBA(x, y, fill)
		}
	}

	transforms := ImageClassification(8, 10)
	tensor, err := transforms.Apply(img)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 8}, tensor.Shape().Dimensions)

	var values []float32
	require.NoError(t, tensor.ConstFlatData(func(flat any) {
		values = flat.([]float32)
	}))
	want := []float32{
		(1 - ImageNetMean[0]) / ImageNetStd[0],
		(0 - ImageNetMean[1]) / ImageNetStd[1],
		(128.0/255 - ImageNetMean[2]) / ImageNetStd[2],
	}
	for c := range 3 {
		for i := range 64 {
			assert.InDelta(t, want[c], values[c*64+i], 0.02)
		}
	}

	_, err = Transforms{CropSize: 8, ResizeSize: 4}.Apply(img)
	require.Error(t, err)
	_, err = transforms.Apply(image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	require.Error(t, err)
}
