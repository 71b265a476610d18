// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resaspp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CreateVariables builds the model graph once for images of the given shape, without executing it,
// so all the variables are created in ctx. Existing variables are reused.
func CreateVariables(backend backends.Backend, ctx *context.Context, cfg Config, imagesShape shapes.Shape) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "resaspp_create_variables")
		defer g.Finalize()
		images := Parameter(g, "images", imagesShape)
		cfg.Build(ctx.Checked(false), images)
	})
}

// Initialize creates and initializes the model variables for images of the given shape.
//
// All convolutions are initialized with a random normal distribution (cfg.InitStddev) and normalization
// layers with scale 1 and offset 0. If cfg.Pretrained, the backbone is then set from the pretrained
// ImageNet weights, read from cfg.PretrainedPath or downloaded from cfg.PretrainedRepo, and the
// report of the loading is returned. Otherwise, the returned report is nil.
func Initialize(backend backends.Backend, ctx *context.Context, cfg Config, imagesShape shapes.Shape) (*LoadReport, error) {
	if err := CreateVariables(backend, ctx, cfg, imagesShape); err != nil {
		return nil, errors.WithMessage(err, "resaspp: failed to create model variables")
	}
	if err := ctx.InitializeVariables(backend, nil); err != nil {
		return nil, errors.WithMessage(err, "resaspp: failed to initialize variables")
	}
	if !cfg.Pretrained {
		klog.V(1).Infof("resaspp: randomly initialized %d parameters", ctx.NumParameters())
		return nil, nil
	}
	path := cfg.PretrainedPath
	if path == "" {
		var err error
		path, err = DownloadPretrained(cfg.PretrainedRepo)
		if err != nil {
			return nil, err
		}
	}
	return LoadPretrained(ctx, path)
}
