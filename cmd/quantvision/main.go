// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// quantvision lists the pretrained ResNet/ResNeXt weights, builds (optionally quantized) networks
// and classifies images with them.
//
// Examples:
//
//	quantvision list
//	quantvision info ResNet50_QuantizedWeights.DEFAULT
//	quantvision build resnet18 --quantize --calibration-size=64 --output=resnet18_int8.safetensors
//	quantvision classify --arch=resnet50 --quantize cat.jpg
//
// The compute backend is selected with $GOMLX_BACKEND, e.g. GOMLX_BACKEND=go for the pure Go one.
// Logging uses klog flags, e.g. "-v=1" for progress information.
package main

import (
	"flag"
	"os"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "quantvision",
		Short:         "Quantization-ready ResNet and ResNeXt image classifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	root.AddCommand(newListCmd(), newInfoCmd(), newBuildCmd(), newClassifyCmd())
	return root
}

func main() {
	klog.InitFlags(nil)
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}
