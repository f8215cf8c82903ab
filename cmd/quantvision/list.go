// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/quantvision/pkg/models/resnet"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [prefix]",
		Aliases: []string{"ls"},
		Short:   "List the pretrained weights and the architectures",
		Args:    cobra.MaximumNArgs(1),
		RunE:    listHandler,
	}
}

func listHandler(cmd *cobra.Command, args []string) error {
	var data [][]string
	for _, registry := range resnet.Registries() {
		defaultWeights := registry.Default()
		for _, w := range registry.All() {
			name := w.FullName()
			if len(args) > 0 && !strings.HasPrefix(strings.ToLower(name), strings.ToLower(args[0])) {
				continue
			}
			if w == defaultWeights {
				name += " (default)"
			}
			backend := "-"
			if w.IsQuantized() {
				backend = w.Meta.Backend
			}
			data = append(data, []string{
				name,
				humanize.Comma(int64(w.Meta.NumParams)),
				fmt.Sprintf("%.3f", w.Meta.Metrics.Acc1),
				fmt.Sprintf("%.3f", w.Meta.Metrics.Acc5),
				backend,
			})
		}
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"WEIGHTS", "PARAMS", "ACC@1", "ACC@5", "QBACKEND"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()

	if len(args) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\nArchitectures: %s\n", strings.Join(architectureNames(), ", "))
	}
	return nil
}
