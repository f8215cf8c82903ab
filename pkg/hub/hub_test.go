// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/quantvision/pkg/checkpoint"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkpointBytes returns the contents of a small safetensors checkpoint and its sha256 prefix.
func checkpointBytes(t *testing.T) ([]byte, string) {
	filePath := filepath.Join(t.TempDir(), "tiny.safetensors")
	sd := nn.StateDict{"fc.weight": tensors.FromValue([][]float32{{1, 2}, {3, 4}}), "fc.bias": tensors.FromValue([]float32{0, 1})}
	require.NoError(t, checkpoint.SaveSafetensors(filePath, sd))
	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	hash := sha256.Sum256(data)
	return data, hex.EncodeToString(hash[:])[:8]
}

// newServer serves data for any path ending in ".safetensors", and 404 otherwise.
func newServer(t *testing.T, data []byte) (*httptest.Server, *atomic.Int32) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if filepath.Ext(r.URL.Path) != ".safetensors" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestHashPrefix(t *testing.T) {
	assert.Equal(t, "f37072fd", HashPrefix("resnet18-f37072fd.pth"))
	assert.Equal(t, "ee16d00c", HashPrefix("/models/quantized/resnext101_32x8_fbgemm-ee16d00c.pth"))
	assert.Equal(t, "", HashPrefix("model.safetensors"))
	assert.Equal(t, "", HashPrefix("resnext101_32x8_fbgemm_09835ccf.pth"))
}

func TestPath(t *testing.T) {
	h := &Hub{Dir: "/tmp/cache"}
	filePath, err := h.Path("https://download.pytorch.org/models/resnet18-f37072fd.pth")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cache/resnet18-f37072fd.pth", filePath)

	h.Dir = "~/cache"
	filePath, err = h.Path("https://download.pytorch.org/models/resnet18-f37072fd.pth")
	require.NoError(t, err)
	assert.NotContains(t, filePath, "~")
	assert.Equal(t, "resnet18-f37072fd.pth", filepath.Base(filePath))

	_, err = h.Path("https://download.pytorch.org/")
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	t.Setenv(EnvHome, "/data/qv")
	assert.Equal(t, "/data/qv/checkpoints", Default().Dir)
	t.Setenv(EnvHome, "")
	assert.Equal(t, DefaultHome+"/checkpoints", Default().Dir)
}

func TestFetch(t *testing.T) {
	data, prefix := checkpointBytes(t)
	server, requests := newServer(t, data)
	for _, progress := range []bool{false, true} {
		h := &Hub{Dir: t.TempDir(), Progress: progress}
		url := server.URL + "/models/tiny-" + prefix + ".safetensors"
		requests.Store(0)

		filePath, err := h.Fetch(context.Background(), url)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(h.Dir, "tiny-"+prefix+".safetensors"), filePath)
		cached, err := os.ReadFile(filePath)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, cached))
		assert.Equal(t, int32(1), requests.Load())

		// Second fetch uses the cache.
		sd, err := h.LoadStateDict(context.Background(), url)
		require.NoError(t, err)
		assert.Equal(t, []string{"fc.bias", "fc.weight"}, sd.Keys())
		assert.Equal(t, int32(1), requests.Load())
	}
}

func TestFetchChecksumMismatch(t *testing.T) {
	data, _ := checkpointBytes(t)
	server, _ := newServer(t, data)
	h := &Hub{Dir: t.TempDir()}
	_, err := h.Fetch(context.Background(), server.URL+"/tiny-deadbeef.safetensors")
	require.ErrorIs(t, err, ErrChecksum)

	entries, err := os.ReadDir(h.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed downloads must not be cached")
}

func TestFetchHTTPError(t *testing.T) {
	server, _ := newServer(t, nil)
	h := &Hub{Dir: t.TempDir()}
	_, err := h.Fetch(context.Background(), server.URL+"/missing-0123abcd.pth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	exists, err := fsutil.FileExists(filepath.Join(h.Dir, "missing-0123abcd.pth"))
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = h.Fetch(context.Background(), server.URL+"/")
	require.Error(t, err)
}

func TestFetchCanceled(t *testing.T) {
	data, prefix := checkpointBytes(t)
	server, _ := newServer(t, data)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &Hub{Dir: t.TempDir()}
	_, err := h.Fetch(ctx, server.URL+"/tiny-"+prefix+".safetensors")
	require.ErrorIs(t, err, context.Canceled)
}
