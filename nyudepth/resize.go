// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nyudepth

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// TargetSize returns the spatial size of a resized sample: each dimension is multiplied by its zoom
// factor and rounded, the same output size an order-1 zoom produces.
func (c Config) TargetSize(height, width int) (targetHeight, targetWidth int) {
	targetHeight = int(math.Round(float64(height) * c.ZoomHeight))
	targetWidth = int(math.Round(float64(width) * c.ZoomWidth))
	return
}

// Resizer resizes `[channels, height, width]` samples with bilinear interpolation, the corner pixels
// of the input and output aligned.
//
// The computation graph is compiled once per input shape and reused.
type Resizer struct {
	config Config
	exec   *Exec
}

// NewResizer creates a Resizer using the zoom factors in config.
func NewResizer(backend backends.Backend, config Config) (*Resizer, error) {
	r := &Resizer{config: config}
	var err error
	r.exec, err = NewExecOrError(backend, r.resizeGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create resize computation")
	}
	return r, nil
}

func (r *Resizer) resizeGraph(sample *Node) *Node {
	dims := sample.Shape().Dimensions
	if len(dims) != 3 {
		exceptions.Panicf("resize expects a sample shaped [channels, height, width], got %s", sample.Shape())
	}
	height, width := r.config.TargetSize(dims[1], dims[2])
	return Interpolate(sample, NoInterpolation, height, width).
		Bilinear().
		HalfPixelCenters(false).
		AlignCorner(true).
		Done()
}

// Resize returns the resized sample. The input is not modified.
func (r *Resizer) Resize(sample *tensors.Tensor) (*tensors.Tensor, error) {
	resized, err := r.exec.Exec1(sample)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to resize sample shaped %s", sample.Shape())
	}
	return resized, nil
}

// Finalize frees the compiled computations.
func (r *Resizer) Finalize() {
	r.exec.Finalize()
}
