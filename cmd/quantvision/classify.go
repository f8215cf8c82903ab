// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quantvision/pkg/models/resnet"
	"github.com/gomlx/quantvision/pkg/nn"
	"github.com/gomlx/quantvision/pkg/weights"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newClassifyCmd() *cobra.Command {
	var (
		flags modelFlags
		arch  string
		topK  int
	)
	cmd := &cobra.Command{
		Use:   "classify <image> [<image>...]",
		Short: "Classify images with a pretrained network",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.weights == "" {
				flags.weights = weights.DefaultKey
			}
			net, err := flags.build(arch)
			if err != nil {
				return err
			}
			defer net.Finalize()
			w := net.Weights()
			for _, imagePath := range args {
				if err := classify(cmd.OutOrStdout(), net, w, imagePath, topK); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&arch, "arch", "resnet50", "Architecture of the network.")
	cmd.Flags().IntVar(&topK, "top", 5, "Number of categories to display per image.")
	return cmd
}

func classify(out io.Writer, net *resnet.Network, w *weights.Weights, imagePath string, topK int) error {
	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return errors.Wrapf(err, "opening image %q", imagePath)
	}
	input, err := w.Transforms.Apply(img)
	if err != nil {
		return err
	}
	values, err := nn.ToFloat64(input)
	if err != nil {
		return err
	}
	size := w.Transforms.CropSize
	batch := tensors.FromFlatDataAndDimensions(toFloat32(values), 1, 3, size, size)
	logitsT, err := net.Predict(batch)
	if err != nil {
		return err
	}
	logits, err := nn.ToFloat64(logitsT)
	if err != nil {
		return err
	}
	probs := softmax(logits)
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		switch {
		case probs[a] > probs[b]:
			return -1
		case probs[a] < probs[b]:
			return 1
		}
		return 0
	})

	table := newPlainTable(true, lipgloss.Right, lipgloss.Left, lipgloss.Right).Headers("#", "Category", "Probability")
	for rank, class := range order[:min(topK, len(order))] {
		table.Row(fmt.Sprint(rank+1), w.Meta.Categories[class], fmt.Sprintf("%.2f%%", 100*probs[class]))
	}
	fmt.Fprintln(out, titleStyle.Render(imagePath))
	fmt.Fprintln(out, table.Render())
	return nil
}

func toFloat32(values []float64) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v)
	}
	return out
}

func softmax(logits []float64) []float64 {
	maxLogit := slices.Max(logits)
	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(l - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
