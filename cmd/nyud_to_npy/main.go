// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// nyud_to_npy converts the raw NYU Depth v2 training images into one ".npy" file per sample.
//
// Example:
//
//	go run ./cmd/nyud_to_npy -src ~/data/nyud/train -dst ~/data/nyud --overwrite
package main

import (
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/monodepth/nyudepth"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSrc        = flag.String("src", "", "Directory with the \"_rgb\", \"_depth\" and \"_mask\" sub-directories.")
	flagDst        = flag.String("dst", "", "Directory where to create the \"npy\" sub-directory with the converted samples.")
	flagOverwrite  = flag.Bool("overwrite", false, "Remove a pre-existing output directory. If false, fails if it exists.")
	flagZoomHeight = flag.Float64("zoom_height", 320.0/480.0, "Resize factor applied to the height of the images.")
	flagZoomWidth  = flag.Float64("zoom_width", 448.0/640.0, "Resize factor applied to the width of the images.")
	flagMaxDepth   = flag.Float64("max_depth", 10, "Depth in meters corresponding to the largest raw depth value.")
	flagVerbose    = flag.Bool("verbose", true, "Display a progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagSrc == "" || *flagDst == "" {
		klog.Fatalf("Both -src and -dst must be given, see -help.")
	}

	config := nyudepth.DefaultConfig(*flagSrc, *flagDst)
	config.ZoomHeight = *flagZoomHeight
	config.ZoomWidth = *flagZoomWidth
	config.MaxDepth = *flagMaxDepth
	config.Overwrite = *flagOverwrite
	config.Verbose = *flagVerbose

	backend := must.M1(backends.New())
	defer backend.Finalize()
	report, err := nyudepth.Preprocess(backend, config)
	if errors.Is(err, nyudepth.ErrDestinationExists) {
		klog.Fatalf("%v: use -overwrite to replace it", err)
	}
	if err != nil {
		klog.Fatalf("Failed to convert NYU Depth images: %+v", err)
	}
	sampleBytes := uint64(nyudepth.NumChannels * report.Height * report.Width * 4)
	fmt.Printf("Converted %s samples shaped [%d, %d, %d] (%s each) to %q\n",
		humanize.Comma(int64(report.NumSamples)), nyudepth.NumChannels, report.Height, report.Width,
		humanize.Bytes(sampleBytes), report.OutputDir)
}
