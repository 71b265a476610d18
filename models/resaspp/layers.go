// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resaspp

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// Variable names used by the layers below.
const (
	WeightsVar = "weights"
	BiasesVar  = "biases"

	// NormScope is the sub-scope created by batchnorm for its variables.
	NormScope = "batch_normalization"
)

// convConfig describes a square 2D convolution on channels-first images.
type convConfig struct {
	channels, kernel, stride, padding, dilation int
	bias                                        bool
}

// conv2D creates the convolution variables in the current scope of ctx and applies it to x.
//
// The kernel is shaped `[output_channels, input_channels, kernel, kernel]`, and padding is applied
// explicitly to both sides of each spatial axis.
func (cfg Config) conv2D(ctx *context.Context, x *Node, conv convConfig) *Node {
	g := x.Graph()
	dtype := x.DType()
	inputChannels := x.Shape().Dimensions[1]
	kernelShape := shapes.Make(dtype, conv.channels, inputChannels, conv.kernel, conv.kernel)
	kernelVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, cfg.InitStddev)).
		VariableWithShape(WeightsVar, kernelShape)
	padding := [][2]int{{conv.padding, conv.padding}, {conv.padding, conv.padding}}
	builder := Convolve(x, kernelVar.ValueGraph(g)).
		ChannelsAxis(images.ChannelsFirst).
		PaddingPerDim(padding)
	if conv.stride > 1 {
		builder = builder.StridePerAxis(conv.stride, conv.stride)
	}
	if conv.dilation > 1 {
		builder = builder.DilationPerAxis(conv.dilation, conv.dilation)
	}
	output := builder.Done()
	if conv.bias {
		biasVar := ctx.WithInitializer(initializers.Zero).VariableWithShape(BiasesVar, shapes.Make(dtype, conv.channels))
		output = Add(output, Reshape(biasVar.ValueGraph(g), 1, conv.channels, 1, 1))
	}
	return output
}

// normalize applies batch normalization over the channels axis, with the variables created under
// the current scope of ctx.
//
// Scale and offset are only created if cfg.AffineNorm, and marked as not trainable if cfg.FreezeNorm.
func (cfg Config) normalize(ctx *context.Context, x *Node) *Node {
	output := batchnorm.New(ctx, x, 1).
		Scale(cfg.AffineNorm).
		Center(cfg.AffineNorm).
		Epsilon(cfg.NormEpsilon).
		Momentum(cfg.NormMomentum).
		FrozenAverages(cfg.FrozenStatistics).
		Done()
	if cfg.AffineNorm && cfg.FreezeNorm {
		normCtx := ctx.In(NormScope)
		for _, name := range []string{"scale", "offset"} {
			if v := normCtx.GetVariable(name); v != nil {
				v.SetTrainable(false)
			}
		}
	}
	return output
}
