// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resaspp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Output of the model. It has the same structure during training and inference.
type Output struct {
	// Depth is the predicted depth, shaped `[batch_size, 1, height, width]`.
	Depth *Node

	// Auxiliary holds extra outputs (e.g.: other scales), in order. Currently always empty.
	Auxiliary []*Node
}

// Sequence returns Depth followed by the Auxiliary outputs.
func (o Output) Sequence() []*Node {
	return append([]*Node{o.Depth}, o.Auxiliary...)
}

// Build the model graph for images shaped `[batch_size, 3, height, width]`.
//
// Variables are created (or reused) under ctx.In(BackboneScope) and ctx.In(ASPPScope).
// Whether it is training is taken from ctx.IsTraining.
func (cfg Config) Build(ctx *context.Context, images *Node) Output {
	if images.Rank() != 4 || images.Shape().Dimensions[1] != 3 {
		exceptions.Panicf("resaspp: images must be shaped [batch_size, 3, height, width], got %s", images.Shape())
	}
	if !images.DType().IsFloat() {
		exceptions.Panicf("resaspp: images must be float, got %s", images.DType())
	}
	dims := images.Shape().Dimensions
	features := cfg.Backbone(ctx.In(BackboneScope), images)
	depth := cfg.ASPP(ctx.In(ASPPScope), features)
	depth = Interpolate(depth, NoInterpolation, NoInterpolation, dims[2], dims[3]).
		Bilinear().
		HalfPixelCenters(false).
		AlignCorner(true).
		Done()
	return Output{Depth: depth}
}

// ModelGraph implements train.ModelFn: it takes the images as the single input and returns Output.Sequence.
// The configuration is read from the context hyperparameters, see FromContext.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	cfg, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return cfg.Build(ctx, inputs[0]).Sequence()
}

var _ train.ModelFn = ModelGraph

// Predictor runs inference with the model variables in a context.
// The computation is compiled once per images shape and reused.
type Predictor struct {
	exec *context.Exec
}

// NewPredictor creates a Predictor for the model with the variables in ctx.
// The variables must have been created already, see Initialize.
func NewPredictor(backend backends.Backend, ctx *context.Context, cfg Config) (*Predictor, error) {
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
		return cfg.Build(ctx, images).Depth
	})
	if err != nil {
		return nil, errors.WithMessage(err, "resaspp: failed to create inference computation")
	}
	return &Predictor{exec: exec}, nil
}

// Predict the depth, shaped `[batch_size, 1, height, width]`, of images shaped `[batch_size, 3, height, width]`.
func (p *Predictor) Predict(images *tensors.Tensor) (depth *tensors.Tensor, err error) {
	if panicErr := exceptions.TryCatch[error](func() { depth, err = p.exec.Exec1(images) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "resaspp: failed to predict depth for images shaped %s", images.Shape())
	}
	return depth, nil
}

// Finalize frees the compiled computations.
func (p *Predictor) Finalize() {
	p.exec.Finalize()
}

// Predict is a shortcut to create a Predictor, predict the depth of images and finalize it.
func Predict(backend backends.Backend, ctx *context.Context, cfg Config, images *tensors.Tensor) (*tensors.Tensor, error) {
	predictor, err := NewPredictor(backend, ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer predictor.Finalize()
	return predictor.Predict(images)
}
