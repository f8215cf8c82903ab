// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hub downloads and caches pretrained checkpoints.
//
// Checkpoints are stored by file name in the cache directory. File names following the
// "<name>-<sha256 prefix>.<ext>" convention are validated against the prefix of their sha256 hash.
package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/quantvision/pkg/checkpoint"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EnvHome is the environment variable with the base directory of the cache.
// Checkpoints are stored in its "checkpoints" sub-directory.
const EnvHome = "QUANTVISION_HOME"

// DefaultHome is the base directory of the cache if EnvHome is not set.
const DefaultHome = "~/.cache/quantvision"

// ErrChecksum is returned when a downloaded file doesn't match the hash prefix in its name.
var ErrChecksum = errors.New("checksum mismatch")

// Hub fetches checkpoints into a local cache directory.
type Hub struct {
	// Dir is the cache directory. A leading "~" is replaced by the user's home directory.
	Dir string

	// Progress shows a progress bar on stderr while downloading.
	Progress bool

	// Client used for downloads. If nil, http.DefaultClient is used.
	Client *http.Client
}

// Default returns a Hub with the cache in $QUANTVISION_HOME/checkpoints, or DefaultHome/checkpoints.
func Default() *Hub {
	home := os.Getenv(EnvHome)
	if home == "" {
		home = DefaultHome
	}
	return &Hub{Dir: path.Join(home, "checkpoints")}
}

// hashPrefixRegexp matches the hash prefix in file names like "resnet18-f37072fd.pth".
var hashPrefixRegexp = regexp.MustCompile(`-([a-f0-9]+)\.`)

// HashPrefix returns the sha256 prefix in the file name, or "" if it doesn't follow the convention.
func HashPrefix(fileName string) string {
	matches := hashPrefixRegexp.FindStringSubmatch(filepath.Base(fileName))
	if matches == nil {
		return ""
	}
	return matches[1]
}

// Path returns where the checkpoint for rawURL is (or will be) cached.
func (h *Hub) Path(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid checkpoint URL %q", rawURL)
	}
	fileName := path.Base(u.Path)
	if fileName == "" || fileName == "." || fileName == "/" {
		return "", errors.Errorf("checkpoint URL %q has no file name", rawURL)
	}
	dir, err := fsutil.ReplaceTildeInDir(h.Dir)
	if err != nil {
		return "", errors.WithMessagef(err, "cache directory %q", h.Dir)
	}
	return filepath.Join(dir, fileName), nil
}

// Fetch returns the path of the cached checkpoint for rawURL, downloading it first if needed.
//
// Downloads are written to a temporary file in the cache directory and renamed once complete and
// validated, so an interrupted download never leaves a partial checkpoint in the cache.
// Transport and storage errors are returned as they happen, without retries.
func (h *Hub) Fetch(ctx context.Context, rawURL string) (string, error) {
	filePath, err := h.Path(rawURL)
	if err != nil {
		return "", err
	}
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return "", err
	}
	if exists {
		klog.V(1).Infof("using cached checkpoint %q", filePath)
		return filePath, nil
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return "", errors.Wrapf(err, "failed to create the cache directory %q", filepath.Dir(filePath))
	}
	klog.Infof("downloading %s to %s", rawURL, filePath)
	tmp, err := os.CreateTemp(filepath.Dir(filePath), filepath.Base(filePath)+".*.partial")
	if err != nil {
		return "", errors.Wrapf(err, "failed creating temporary file for %q", filePath)
	}
	tmpPath := tmp.Name()
	defer func() {
		// No-op if the file was renamed.
		_ = os.Remove(tmpPath)
	}()

	hasher := sha256.New()
	size, err := h.download(ctx, rawURL, io.MultiWriter(tmp, hasher))
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed closing %q", tmpPath)
	}
	if err != nil {
		return "", err
	}
	// File names only carry a prefix of the hash.
	digest := hex.EncodeToString(hasher.Sum(nil))
	if prefix := HashPrefix(filePath); prefix != "" && !strings.HasPrefix(digest, prefix) {
		return "", errors.Wrapf(ErrChecksum, "downloading %q: sha256 hash is %q, expected prefix %q",
			rawURL, digest, prefix)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return "", errors.Wrapf(err, "failed to move download to %q", filePath)
	}
	klog.V(1).Infof("downloaded %d bytes to %q", size, filePath)
	return filePath, nil
}

func (h *Hub) download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating request for %q", rawURL)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", rawURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: %s", rawURL, resp.Status)
	}
	var size int64
	if h.Progress && resp.ContentLength > 0 {
		size, err = CopyWithProgressBar(w, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(w, resp.Body)
	}
	if err != nil {
		return size, errors.Wrapf(err, "downloading %q", rawURL)
	}
	return size, nil
}

// LoadStateDict fetches the checkpoint at rawURL and decodes it.
func (h *Hub) LoadStateDict(ctx context.Context, rawURL string) (nn.StateDict, error) {
	filePath, err := h.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return checkpoint.Load(filePath)
}
