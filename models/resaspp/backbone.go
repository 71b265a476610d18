// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resaspp

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ceilModePadding returns the start and end padding of a pooling axis, such that the output size is
// rounded up, as opposed to truncated. A last window starting in the end padding is dropped.
func ceilModePadding(size, window, stride, padding int) [2]int {
	span := size + 2*padding - window
	outputSize := (span+stride-1)/stride + 1
	if (outputSize-1)*stride >= size+padding {
		outputSize--
	}
	endPadding := (outputSize-1)*stride + window - size - padding
	return [2]int{padding, max(endPadding, 0)}
}

// stem applies the 7x7 stride 2 convolution, normalization, ReLU and 3x3 stride 2 max-pool.
func (cfg Config) stem(ctx *context.Context, x *Node) *Node {
	x = cfg.conv2D(ctx.In("conv1"), x, convConfig{channels: cfg.BaseWidth, kernel: 7, stride: 2, padding: 3})
	x = cfg.normalize(ctx.In("bn1"), x)
	x = activations.Relu(x)
	dims := x.Shape().Dimensions
	return MaxPool(x).
		ChannelsAxis(images.ChannelsFirst).
		Window(3).
		Strides(2).
		PaddingPerDim([][2]int{ceilModePadding(dims[2], 3, 2, 1), ceilModePadding(dims[3], 3, 2, 1)}).
		Done()
}

// bottleneck is the residual block: 1x1 reduce, 3x3 (maybe dilated), 1x1 expand, and the skip connection.
// The stride is applied by the first 1x1 convolution.
//
// If project is true, the skip connection goes through a 1x1 convolution and a normalization, under
// the "downsample" scope.
func (cfg Config) bottleneck(ctx *context.Context, x *Node, width, stride, dilation int, project bool) *Node {
	residual := x
	out := cfg.conv2D(ctx.In("conv1"), x, convConfig{channels: width, kernel: 1, stride: stride})
	out = cfg.normalize(ctx.In("bn1"), out)
	out = activations.Relu(out)

	out = cfg.conv2D(ctx.In("conv2"), out,
		convConfig{channels: width, kernel: 3, padding: dilation, dilation: dilation})
	out = cfg.normalize(ctx.In("bn2"), out)
	out = activations.Relu(out)

	out = cfg.conv2D(ctx.In("conv3"), out, convConfig{channels: width * Expansion, kernel: 1})
	out = cfg.normalize(ctx.In("bn3"), out)

	if project {
		downCtx := ctx.In("downsample")
		residual = cfg.conv2D(downCtx.In("0"), x, convConfig{channels: width * Expansion, kernel: 1, stride: stride})
		residual = cfg.normalize(downCtx.In("1"), residual)
	}
	return activations.Relu(Add(out, residual))
}

// stage builds one of the 4 stages of bottleneck blocks, under the scope "layer<N>".
// Only the first block changes stride or channels.
func (cfg Config) stage(ctx *context.Context, x *Node, stageIdx int) *Node {
	ctx = ctx.Inf("layer%d", stageIdx+1)
	width := cfg.BaseWidth << stageIdx
	stride, dilation := cfg.Strides[stageIdx], cfg.Dilations[stageIdx]
	inputChannels := x.Shape().Dimensions[1]
	project := stride != 1 || inputChannels != width*Expansion || dilation > 1
	x = cfg.bottleneck(ctx.In("0"), x, width, stride, dilation, project)
	for blockIdx := 1; blockIdx < cfg.Blocks[stageIdx]; blockIdx++ {
		x = cfg.bottleneck(ctx.Inf("%d", blockIdx), x, width, 1, dilation, false)
	}
	return x
}

// Backbone returns the features of the dilated ResNet, shaped `[batch_size, OutputChannels(), h, w]`,
// where h and w are about 1/8th of the image size for the default strides.
//
// ctx should be in the scope where to create the backbone variables, usually BackboneScope.
func (cfg Config) Backbone(ctx *context.Context, image *Node) *Node {
	x := cfg.stem(ctx, image)
	for stageIdx := range 4 {
		x = cfg.stage(ctx, x, stageIdx)
	}
	return x
}
