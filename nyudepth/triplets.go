// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nyudepth

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Triplet holds the paths to the three images of one sample.
type Triplet struct {
	RGB, Depth, Mask string
}

// imageExtensions that are listed from the source directories. Other files are ignored.
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true, ".bmp": true,
}

// listImages returns the sorted paths of the image files in dir.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	paths := make([]string, len(names))
	for ii, name := range names {
		paths[ii] = filepath.Join(dir, name)
	}
	return paths, nil
}

// ListTriplets lists and pairs the images in the RGBDir, DepthDir and MaskDir sub-directories of srcDir.
//
// File names are sorted independently in each sub-directory and paired by position: names
// themselves are not compared. It returns an error wrapping ErrTripletMismatch if the sub-directories
// hold different numbers of images, or if they are empty.
func ListTriplets(srcDir string) ([]Triplet, error) {
	var lists [3][]string
	for ii, subDir := range []string{RGBDir, DepthDir, MaskDir} {
		dir := filepath.Join(srcDir, subDir)
		info, err := os.Stat(dir)
		if err != nil {
			return nil, errors.Wrapf(ErrTripletMismatch, "missing sub-directory %q: %v", dir, err)
		}
		if !info.IsDir() {
			return nil, errors.Wrapf(ErrTripletMismatch, "%q is not a directory", dir)
		}
		lists[ii], err = listImages(dir)
		if err != nil {
			return nil, err
		}
	}
	numRGB, numDepth, numMask := len(lists[0]), len(lists[1]), len(lists[2])
	if numRGB != numDepth || numRGB != numMask {
		return nil, errors.Wrapf(ErrTripletMismatch, "%d rgb, %d depth and %d mask images in %q",
			numRGB, numDepth, numMask, srcDir)
	}
	if numRGB == 0 {
		return nil, errors.Wrapf(ErrTripletMismatch, "no images found in %q", srcDir)
	}
	triplets := make([]Triplet, numRGB)
	for ii := range triplets {
		triplets[ii] = Triplet{RGB: lists[0][ii], Depth: lists[1][ii], Mask: lists[2][ii]}
	}
	return triplets, nil
}
