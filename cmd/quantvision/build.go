// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/quantvision/pkg/checkpoint"
	"github.com/gomlx/quantvision/pkg/models/resnet"
	"github.com/gomlx/quantvision/pkg/quantization"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// modelFlags are the flags shared by the commands that build a network.
type modelFlags struct {
	weights         string
	quantize        bool
	qBackend        string
	numClasses      int
	calibrationSize int
	seed            int64
	noProgress      bool
}

func (f *modelFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.weights, "weights", "", "Key of the pretrained weights to load, e.g. \"DEFAULT\" or \"IMAGENET1K_FBGEMM_V1\". "+
		"Empty for randomly initialized weights.")
	flags.BoolVar(&f.quantize, "quantize", false, "Build the quantized version of the network.")
	flags.StringVar(&f.qBackend, "qbackend", "", "Quantization backend: fbgemm, x86 or qnnpack. Pretrained weights impose their own.")
	flags.IntVar(&f.numClasses, "num-classes", 0, "Number of classes, if not using pretrained weights. Default is 1000.")
	flags.IntVar(&f.calibrationSize, "calibration-size", quantization.DefaultCalibrationSize,
		"Size of the random image used to calibrate the quantization.")
	flags.Int64Var(&f.seed, "seed", 0, "Seed for the initialization of the variables and for the calibration image.")
	flags.BoolVar(&f.noProgress, "no-progress", false, "Don't display a progress bar while downloading weights.")
}

func (f *modelFlags) build(arch string) (*resnet.Network, error) {
	factory, found := resnet.Architectures[strings.ToLower(arch)]
	if !found {
		return nil, errors.Errorf("unknown architecture %q, valid values are %s", arch, strings.Join(architectureNames(), ", "))
	}
	opts := []resnet.Option{
		resnet.WithWeightsName(f.weights),
		resnet.WithQuantize(f.quantize),
		resnet.WithQBackend(f.qBackend),
		resnet.WithNumClasses(f.numClasses),
		resnet.WithCalibrationSize(f.calibrationSize),
		resnet.WithSeed(f.seed),
		resnet.WithProgress(!f.noProgress),
	}
	klog.V(1).Infof("building %s (weights=%q, quantize=%v)", arch, f.weights, f.quantize)
	return factory(opts...)
}

func newBuildCmd() *cobra.Command {
	var (
		flags  modelFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "build <architecture>",
		Short: "Build a network and optionally save its parameters as safetensors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := flags.build(args[0])
			if err != nil {
				return err
			}
			defer net.Finalize()
			printSummary(cmd.OutOrStdout(), args[0], net)
			if output == "" {
				return nil
			}
			sd, err := net.StateDict()
			if err != nil {
				return err
			}
			if err := checkpoint.SaveSafetensors(output, sd); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d tensors to %s\n", len(sd), output)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Save the state dict of the network to this safetensors file.")
	return cmd
}

func printSummary(out io.Writer, arch string, net *resnet.Network) {
	cfg := net.Config
	table := newKeyValueTable().Headers("Field", "Value")
	table.Row("Block", cfg.Block.String())
	table.Row("Stages", fmt.Sprint(cfg.Layers))
	table.Row("Groups x width", fmt.Sprintf("%d x %d", cfg.Groups, cfg.WidthPerGroup))
	table.Row("Classes", strconv.Itoa(cfg.NumClasses))
	table.Row("Parameters", humanize.Comma(int64(net.NumParameters())))
	table.Row("Fused units", strconv.Itoa(net.FusedUnits()))
	table.Row("Quantized", strconv.FormatBool(net.IsQuantized()))
	table.Row("Backend", net.Backend().Name())
	fmt.Fprintln(out, titleStyle.Render(arch))
	fmt.Fprintln(out, table.Render())
}
