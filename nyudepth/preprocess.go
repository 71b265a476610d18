// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nyudepth

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Report summarizes a Preprocess run.
type Report struct {
	// NumSamples written, named "0.npy" to "<NumSamples-1>.npy".
	NumSamples int

	// Height and Width of the first converted sample.
	Height, Width int

	// OutputDir where the samples were written.
	OutputDir string
}

// SamplePath returns the path of the sample with the given index in the output directory.
func SamplePath(outputDir string, index int) string {
	return filepath.Join(outputDir, fmt.Sprintf("%d.npy", index))
}

// checkOutputDir returns whether outputDir exists, and ErrDestinationExists if it does and overwrite is not set.
func checkOutputDir(outputDir string, overwrite bool) (exists bool, err error) {
	exists, err = fsutil.FileExists(outputDir)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check output directory %q", outputDir)
	}
	if exists && !overwrite {
		return true, errors.Wrapf(ErrDestinationExists, "%q (set Overwrite to replace it)", outputDir)
	}
	return exists, nil
}

// commitOutputDir moves the fully written tmpDir to outputDir, replacing the previous one if it exists.
func commitOutputDir(tmpDir, outputDir string, exists bool) error {
	if exists {
		klog.Infof("Replacing previous output directory %q", outputDir)
		if err := os.RemoveAll(outputDir); err != nil {
			return errors.Wrapf(err, "failed to remove output directory %q", outputDir)
		}
	}
	if err := os.Chmod(tmpDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to set permissions of %q", tmpDir)
	}
	if err := os.Rename(tmpDir, outputDir); err != nil {
		return errors.Wrapf(err, "failed to move %q to %q", tmpDir, outputDir)
	}
	return nil
}

// Preprocess converts all triplets found in config.SrcDir, and saves them to the OutputDir sub-directory
// of config.DstDir, one ".npy" file per sample, named by the sample index.
//
// The triplets are validated (see ListTriplets) before the destination is touched. Any unreadable
// image, or a sample whose resized size differs from the first one, aborts the run with an error naming
// the file and the sample index. A failed run leaves the destination (and any previous output) untouched.
func Preprocess(backend backends.Backend, config Config) (*Report, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	srcDir, err := fsutil.ReplaceTildeInDir(config.SrcDir)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid source directory %q", config.SrcDir)
	}
	dstDir, err := fsutil.ReplaceTildeInDir(config.DstDir)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid destination directory %q", config.DstDir)
	}
	triplets, err := ListTriplets(srcDir)
	if err != nil {
		return nil, err
	}
	outputDir := filepath.Join(dstDir, OutputDir)
	exists, err := checkOutputDir(outputDir, config.Overwrite)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dstDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create destination directory %q", dstDir)
	}
	// Samples are written to a temporary sibling directory, moved to outputDir only if all succeed.
	tmpDir, err := os.MkdirTemp(dstDir, OutputDir+"-partial-")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary directory in %q", dstDir)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	resizer, err := NewResizer(backend, config)
	if err != nil {
		return nil, err
	}
	defer resizer.Finalize()

	var pBar *progressbar.ProgressBar
	if config.Verbose {
		pBar = progressbar.NewOptions(len(triplets),
			progressbar.OptionSetDescription("Converting"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("samples"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	report := &Report{OutputDir: outputDir}
	for idx, triplet := range triplets {
		sample, err := config.LoadAndStack(triplet)
		if err != nil {
			return nil, errors.WithMessagef(err, "sample #%d", idx)
		}
		resized, err := resizer.Resize(sample)
		sample.MustFinalizeAll()
		if err != nil {
			return nil, errors.WithMessagef(err, "sample #%d (%q)", idx, triplet.RGB)
		}
		dims := resized.Shape().Dimensions
		if idx == 0 {
			report.Height, report.Width = dims[1], dims[2]
		} else if dims[1] != report.Height || dims[2] != report.Width {
			resized.MustFinalizeAll()
			return nil, errors.Errorf("sample #%d (%q) resized to %dx%d, but previous samples are %dx%d",
				idx, triplet.RGB, dims[1], dims[2], report.Height, report.Width)
		}
		samplePath := SamplePath(tmpDir, idx)
		err = numpy.ToNpyFile(resized, samplePath)
		resized.MustFinalizeAll()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to save sample #%d to %q", idx, samplePath)
		}
		klog.V(1).Infof("%s -> %s", triplet.RGB, SamplePath(outputDir, idx))
		report.NumSamples++
		if pBar != nil {
			_ = pBar.Add(1)
		}
	}
	if pBar != nil {
		_ = pBar.Close()
		fmt.Println()
	}
	if err = commitOutputDir(tmpDir, outputDir, exists); err != nil {
		return nil, err
	}
	klog.Infof("Converted %d samples (%dx%d) to %q", report.NumSamples, report.Height, report.Width, outputDir)
	return report, nil
}
