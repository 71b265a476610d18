// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// resaspp initializes the ResNet-50 + ASPP depth model, randomly or from the ImageNet pretrained weights,
// and optionally predicts the depth of the samples converted by nyud_to_npy.
//
// Example:
//
//	go run ./cmd/resaspp -set="resaspp_pretrained=true" -data ~/data/nyud/npy -preview /tmp/depth
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/monodepth/models/resaspp"
	"github.com/gomlx/monodepth/nyudepth"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagData       = flag.String("data", "", "Directory with the converted \".npy\" samples. If empty, only initializes the model.")
	flagBatchSize  = flag.Int("batch", 4, "Batch size used to predict the samples.")
	flagNumBatches = flag.Int("num_batches", 1, "Number of batches to predict. If <= 0, predicts all samples.")
	flagPreview    = flag.String("preview", "", "Directory where to save PNG images with the input and the predicted depth side by side, named after the sample index.")
)

// createDefaultContext sets the model hyperparameters with their default values, so they can be
// listed and changed with -set.
func createDefaultContext() *context.Context {
	cfg := resaspp.DefaultConfig()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		resaspp.ParamDataset:          cfg.Dataset,
		resaspp.ParamAffineNorm:       cfg.AffineNorm,
		resaspp.ParamFreezeNorm:       cfg.FreezeNorm,
		resaspp.ParamFrozenStatistics: cfg.FrozenStatistics,
		resaspp.ParamPretrained:       cfg.Pretrained,
		resaspp.ParamPretrainedPath:   cfg.PretrainedPath,
		resaspp.ParamPretrainedRepo:   cfg.PretrainedRepo,
		resaspp.ParamBaseWidth:        cfg.BaseWidth,
		resaspp.ParamBlocks:           cfg.Blocks[:],
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	cfg := must.M1(resaspp.FromContext(ctx))
	klog.V(1).Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))

	backend := must.M1(backends.New())
	defer backend.Finalize()
	err := exceptions.TryCatch[error](func() {
		imagesShape := shapes.Make(dtypes.Float32, 1, 3, nyudepth.CropHeight, nyudepth.CropWidth)
		report := must.M1(resaspp.Initialize(backend, ctx, cfg, imagesShape))
		fmt.Println(summary(ctx, cfg, report))
		if *flagData != "" {
			must.M(predict(backend, ctx, cfg))
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// summary returns a table with the model configuration, its size, and how the pretrained weights were used.
func summary(ctx *context.Context, cfg resaspp.Config, report *resaspp.LoadReport) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("ResNet+ASPP", "Value")
	table.Row("Blocks", fmt.Sprint(cfg.Blocks))
	table.Row("Base width", fmt.Sprint(cfg.BaseWidth))
	table.Row("ASPP dilations", fmt.Sprint(cfg.ASPPDilations))
	table.Row("Parameters", humanize.Comma(int64(ctx.NumParameters())))
	table.Row("Memory", humanize.Bytes(uint64(ctx.Memory())))
	if report == nil {
		table.Row("Initialization", "random")
	} else {
		table.Row("Initialization", filepath.Base(report.Path))
		table.Row("Copied", humanize.Comma(int64(len(report.Copied))))
		table.Row("Unmatched", humanize.Comma(int64(len(report.Unmatched))))
		table.Row("Shape mismatch", humanize.Comma(int64(len(report.ShapeMismatch))))
		table.Row("Left initialized", humanize.Comma(int64(len(report.Missing))))
	}
	return table.String()
}

// predict the depth of the samples in *flagData and report the mean absolute error over valid pixels.
func predict(backend backends.Backend, ctx *context.Context, cfg resaspp.Config) error {
	ds, err := nyudepth.NewDataset("predict", *flagData, *flagBatchSize, nyudepth.CropHeight, nyudepth.CropWidth)
	if err != nil {
		return err
	}
	ds.WithPartialBatch(true)
	parallelDS := datasets.Parallel(ds)
	predictor, err := resaspp.NewPredictor(backend, ctx, cfg)
	if err != nil {
		return err
	}
	defer predictor.Finalize()
	if *flagPreview != "" {
		if err = os.MkdirAll(*flagPreview, 0755); err != nil {
			return errors.Wrapf(err, "failed to create preview directory %q", *flagPreview)
		}
	}

	var sumAbsError float64
	var numValid, numSamples int
	for batchIdx := 0; *flagNumBatches <= 0 || batchIdx < *flagNumBatches; batchIdx++ {
		spec, inputs, labels, err := parallelDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		// Batches from datasets.Parallel come in any order: the spec is the index of the first sample.
		firstSample := spec.(int)
		depth, err := predictor.Predict(inputs[0])
		if err != nil {
			return err
		}
		dims := depth.Shape().Dimensions
		planeSize := dims[2] * dims[3]
		rgb := tensors.MustCopyFlatData[float32](inputs[0])
		predicted := tensors.MustCopyFlatData[float32](depth)
		target := tensors.MustCopyFlatData[float32](labels[0])
		mask := tensors.MustCopyFlatData[float32](labels[1])
		for ii, p := range predicted {
			if mask[ii] > 0 {
				sumAbsError += math.Abs(float64(p - target[ii]))
				numValid++
			}
		}
		for exampleIdx := range dims[0] {
			if *flagPreview != "" {
				maxDepth := cfg.DepthScale + cfg.DepthOffset
				preview := imaging.New(2*dims[3], dims[2], color.Black)
				preview = imaging.Paste(preview, rgbImage(rgb[3*exampleIdx*planeSize:3*(exampleIdx+1)*planeSize], dims[2], dims[3]), image.Pt(0, 0))
				preview = imaging.Paste(preview, depthImage(predicted[exampleIdx*planeSize:(exampleIdx+1)*planeSize], dims[2], dims[3], maxDepth), image.Pt(dims[3], 0))
				path := filepath.Join(*flagPreview, fmt.Sprintf("%d.png", firstSample+exampleIdx))
				if err = imaging.Save(preview, path); err != nil {
					return errors.Wrapf(err, "failed to save depth preview %q", path)
				}
			}
			numSamples++
		}
		depth.MustFinalizeAll()
	}
	if numValid > 0 {
		fmt.Printf("Predicted %d samples: mean absolute error %.4f meters over %s valid pixels\n",
			numSamples, sumAbsError/float64(numValid), humanize.Comma(int64(numValid)))
	} else {
		fmt.Printf("Predicted %d samples: no valid pixels to compare with\n", numSamples)
	}
	return nil
}

// rgbImage converts a channels-first RGB plane with values in [0, 255] to an image.
func rgbImage(rgb []float32, height, width int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	planeSize := height * width
	toUint8 := func(v float32) uint8 { return uint8(min(max(v, 0), 255)) }
	for y := range height {
		for x := range width {
			pixel := y*width + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: toUint8(rgb[pixel]),
				G: toUint8(rgb[planeSize+pixel]),
				B: toUint8(rgb[2*planeSize+pixel]),
				A: 255,
			})
		}
	}
	return img
}

// depthImage maps depth values in [0, maxDepth] to a 16 bits gray image.
func depthImage(depth []float32, height, width int, maxDepth float64) image.Image {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			v := min(max(float64(depth[y*width+x])/maxDepth, 0), 1)
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * math.MaxUint16))})
		}
	}
	return img
}
