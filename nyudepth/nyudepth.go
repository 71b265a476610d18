// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nyudepth converts the raw NYU Depth v2 training triplets (RGB, depth and validity mask images)
// into one `.npy` file per sample, and provides a train.Dataset to read them back.
//
// The source directory is expected to hold three sub-directories, "_rgb", "_depth" and "_mask", with
// the same number of images each. Samples are paired by the sorted order of their file names.
//
// Each sample is saved as a float32 tensor shaped `[5, height, width]` (channels first):
// R, G, B (raw 0-255 values), the depth in meters and the binary validity mask.
package nyudepth

import (
	"github.com/pkg/errors"
)

const (
	// RGBDir, DepthDir and MaskDir are the expected sub-directories of the source directory.
	RGBDir   = "_rgb"
	DepthDir = "_depth"
	MaskDir  = "_mask"

	// OutputDir is the sub-directory created under the destination directory.
	OutputDir = "npy"

	// NumChannels of each converted sample: R, G, B, depth and mask.
	NumChannels = 5

	// DepthChannel and MaskChannel are the channel indices of the depth and mask in the converted samples.
	DepthChannel = 3
	MaskChannel  = 4
)

var (
	// ErrDestinationExists is returned by Preprocess if the output directory already exists and
	// Config.Overwrite is not set.
	ErrDestinationExists = errors.New("destination directory already exists")

	// ErrTripletMismatch is returned when the RGB, depth and mask directories can't be paired.
	ErrTripletMismatch = errors.New("rgb, depth and mask directories don't match")
)

// Config for the conversion. Create it with DefaultConfig and change what is needed.
type Config struct {
	// SrcDir holds the RGBDir, DepthDir and MaskDir sub-directories.
	SrcDir string

	// DstDir is where the OutputDir sub-directory is created.
	DstDir string

	// ZoomHeight and ZoomWidth are the resize factors applied to the source images.
	// The defaults (320/480 and 448/640) are specific to the NYU Depth v2 raw resolution,
	// and don't generalize to other datasets.
	ZoomHeight, ZoomWidth float64

	// MaxDepth in meters: depth values are scaled to [0, MaxDepth).
	MaxDepth float64

	// DepthScale is the value a raw depth pixel is divided by before scaling by MaxDepth.
	DepthScale float64

	// MaskScale and MaskThreshold: a mask pixel m becomes 1 if m/MaskScale > MaskThreshold, 0 otherwise.
	MaskScale, MaskThreshold float64

	// Overwrite allows Preprocess to remove a pre-existing output directory. If false and the output
	// directory exists, Preprocess fails with ErrDestinationExists.
	Overwrite bool

	// Verbose displays a progress bar while converting.
	Verbose bool
}

// DefaultConfig returns the configuration used for the NYU Depth v2 training set.
func DefaultConfig(srcDir, dstDir string) Config {
	return Config{
		SrcDir:        srcDir,
		DstDir:        dstDir,
		ZoomHeight:    320.0 / 480.0,
		ZoomWidth:     448.0 / 640.0,
		MaxDepth:      10.0,
		DepthScale:    1 << 16,
		MaskScale:     255.0,
		MaskThreshold: 0.5,
	}
}

// Validate the configuration values: it doesn't check the directories.
func (c Config) Validate() error {
	if c.SrcDir == "" || c.DstDir == "" {
		return errors.Errorf("nyudepth: both source (%q) and destination (%q) directories must be given", c.SrcDir, c.DstDir)
	}
	if c.ZoomHeight <= 0 || c.ZoomWidth <= 0 {
		return errors.Errorf("nyudepth: zoom factors must be positive, got height=%g, width=%g", c.ZoomHeight, c.ZoomWidth)
	}
	if c.DepthScale <= 0 || c.MaskScale <= 0 {
		return errors.Errorf("nyudepth: depth scale (%g) and mask scale (%g) must be positive", c.DepthScale, c.MaskScale)
	}
	return nil
}
