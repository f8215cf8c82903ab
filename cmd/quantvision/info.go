// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/quantvision/pkg/hub"
	"github.com/gomlx/quantvision/pkg/models/resnet"
	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <registry>.<key>",
		Short: "Show the metadata of pretrained weights",
		Long: "Show the metadata of pretrained weights, e.g. \"ResNet18_QuantizedWeights.IMAGENET1K_FBGEMM_V1\". " +
			"The key can be DEFAULT.",
		Args: cobra.ExactArgs(1),
		RunE: infoHandler,
	}
}

func infoHandler(cmd *cobra.Command, args []string) error {
	w, err := resnet.FindWeights(args[0])
	if err != nil {
		return err
	}
	table := newKeyValueTable().Headers("Field", "Value")
	table.Row("Name", w.FullName())
	table.Row("URL", w.URL)
	if cached, err := hub.Default().Path(w.URL); err == nil {
		found, _ := fsutil.FileExists(cached)
		table.Row("Cached", fmt.Sprintf("%s (%v)", cached, found))
	}
	table.Row("Parameters", humanize.Comma(int64(w.Meta.NumParams)))
	table.Row("Categories", strconv.Itoa(len(w.Meta.Categories)))
	table.Row("Min size", fmt.Sprintf("%dx%d", w.Meta.MinSize[0], w.Meta.MinSize[1]))
	table.Row("Acc@1", fmt.Sprintf("%.3f", w.Meta.Metrics.Acc1))
	table.Row("Acc@5", fmt.Sprintf("%.3f", w.Meta.Metrics.Acc5))
	table.Row("Transforms", fmt.Sprintf("resize=%d, crop=%d", w.Transforms.ResizeSize, w.Transforms.CropSize))
	if w.IsQuantized() {
		table.Row("Quantization backend", w.Meta.Backend)
		table.Row("Unquantized", w.Meta.Unquantized.FullName())
	}
	table.Row("Recipe", w.Meta.Recipe)
	fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render(w.FullName()))
	fmt.Fprintln(cmd.OutOrStdout(), table.Render())
	return nil
}

func architectureNames() []string {
	return slices.Sorted(maps.Keys(resnet.Architectures))
}
