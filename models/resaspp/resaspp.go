// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resaspp implements a monocular depth estimation model: a ResNet-50 backbone, whose last two
// stages use dilated convolutions instead of striding, followed by an Atrous Spatial Pyramid Pooling
// (ASPP) head that predicts one depth value per pixel.
//
// Images are shaped `[batch_size, 3, height, width]` (channels first) and the predicted depth is
// shaped `[batch_size, 1, height, width]`, with values in the range (0.01, 10.01).
//
// Variables are created under the scopes "backbone" and "aspp", and the backbone follows the
// torchvision ResNet naming, so the ImageNet weights can be loaded with LoadPretrained.
//
// Example:
//
//	cfg := resaspp.DefaultConfig()
//	ctx := context.New()
//	report, err := resaspp.Initialize(backend, ctx, cfg, shapes.Make(dtypes.Float32, 1, 3, 256, 352))
//	...
//	depth, err := resaspp.Predict(backend, ctx, cfg, images)
package resaspp

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// BackboneScope and ASPPScope are the scopes of the model variables.
	BackboneScope = "backbone"
	ASPPScope     = "aspp"

	// Expansion of the number of channels of the bottleneck blocks.
	Expansion = 4

	// DefaultPretrainedRepo is the HuggingFace repository with the torchvision ResNet-50 ImageNet weights.
	DefaultPretrainedRepo = "timm/resnet50.tv_in1k"

	// PretrainedFile is the name of the weights file in the HuggingFace repository.
	PretrainedFile = "model.safetensors"
)

// Hyperparameters that can be set in the context, and are read by FromContext.
const (
	// ParamAffineNorm defines whether the normalization layers have learnable scale and offset. Default is true.
	ParamAffineNorm = "resaspp_affine_norm"

	// ParamFreezeNorm excludes the scale and offset of the normalization layers from training. Default is true.
	ParamFreezeNorm = "resaspp_freeze_norm"

	// ParamFrozenStatistics stops the update of the normalization moving averages during training, and
	// uses the averages instead of the batch statistics. Default is false.
	ParamFrozenStatistics = "resaspp_frozen_statistics"

	// ParamPretrained selects the initialization from the ImageNet pretrained weights. Default is false.
	ParamPretrained = "resaspp_pretrained"

	// ParamPretrainedPath is a local safetensors file with the pretrained weights. If empty, they are
	// downloaded from ParamPretrainedRepo.
	ParamPretrainedPath = "resaspp_pretrained_path"

	// ParamPretrainedRepo is the HuggingFace repository to download the pretrained weights from.
	ParamPretrainedRepo = "resaspp_pretrained_repo"

	// ParamDataset is the name of the target dataset convention. Only informative.
	ParamDataset = "resaspp_dataset"

	// ParamBaseWidth is the number of channels of the stem. Default is 64.
	ParamBaseWidth = "resaspp_base_width"

	// ParamBlocks is the comma-separated list of bottleneck blocks per stage. Default is "3,4,6,3".
	ParamBlocks = "resaspp_blocks"
)

// Config of the model. Create it with DefaultConfig or FromContext.
type Config struct {
	// Dataset is the target dataset convention. It is currently not used by the model.
	Dataset string

	// AffineNorm defines whether the normalization layers have learnable scale and offset.
	AffineNorm bool

	// FreezeNorm marks the scale and offset of the normalization layers as not trainable.
	// It is independent of AffineNorm.
	FreezeNorm bool

	// FrozenStatistics makes the normalization layers use the moving averages also during training,
	// and stop updating them.
	FrozenStatistics bool

	// NormEpsilon and NormMomentum of the normalization layers.
	NormEpsilon, NormMomentum float64

	// BaseWidth is the number of channels of the stem and of the first stage bottleneck.
	// Each stage doubles it.
	BaseWidth int

	// Blocks is the number of bottleneck blocks for each of the 4 stages.
	Blocks [4]int

	// Strides and Dilations of each of the 4 stages. A stage can't have both.
	Strides, Dilations [4]int

	// ASPPDilations are the dilation rates of the ASPP branches.
	ASPPDilations []int

	// InitStddev is the standard deviation of the random normal initialization of all convolutions.
	InitStddev float64

	// DepthScale and DepthOffset define the output range: DepthScale * sigmoid(x) + DepthOffset.
	DepthScale, DepthOffset float64

	// Pretrained selects the initialization of the backbone from ImageNet weights.
	Pretrained bool

	// PretrainedPath is a local safetensors file. If empty the weights are downloaded from PretrainedRepo.
	PretrainedPath string

	// PretrainedRepo is the HuggingFace repository with a torchvision formatted ResNet-50.
	PretrainedRepo string
}

// DefaultConfig returns the ResNet-50 + ASPP configuration.
func DefaultConfig() Config {
	return Config{
		Dataset:        "kitti",
		AffineNorm:     true,
		FreezeNorm:     true,
		NormEpsilon:    1e-5,
		NormMomentum:   0.9,
		BaseWidth:      64,
		Blocks:         [4]int{3, 4, 6, 3},
		Strides:        [4]int{1, 2, 1, 1},
		Dilations:      [4]int{1, 1, 2, 4},
		ASPPDilations:  []int{6, 12, 18, 24},
		InitStddev:     0.01,
		DepthScale:     10,
		DepthOffset:    0.01,
		PretrainedRepo: DefaultPretrainedRepo,
	}
}

// FromContext returns DefaultConfig overwritten by the hyperparameters (Param*) set in the context.
func FromContext(ctx *context.Context) (Config, error) {
	cfg := DefaultConfig()
	cfg.Dataset = context.GetParamOr(ctx, ParamDataset, cfg.Dataset)
	cfg.AffineNorm = context.GetParamOr(ctx, ParamAffineNorm, cfg.AffineNorm)
	cfg.FreezeNorm = context.GetParamOr(ctx, ParamFreezeNorm, cfg.FreezeNorm)
	cfg.FrozenStatistics = context.GetParamOr(ctx, ParamFrozenStatistics, cfg.FrozenStatistics)
	cfg.Pretrained = context.GetParamOr(ctx, ParamPretrained, cfg.Pretrained)
	cfg.PretrainedPath = context.GetParamOr(ctx, ParamPretrainedPath, cfg.PretrainedPath)
	cfg.PretrainedRepo = context.GetParamOr(ctx, ParamPretrainedRepo, cfg.PretrainedRepo)
	cfg.BaseWidth = context.GetParamOr(ctx, ParamBaseWidth, cfg.BaseWidth)
	blocks := context.GetParamOr(ctx, ParamBlocks, []int{cfg.Blocks[0], cfg.Blocks[1], cfg.Blocks[2], cfg.Blocks[3]})
	if len(blocks) != len(cfg.Blocks) {
		return cfg, errors.Errorf("%q must have %d values, got %v", ParamBlocks, len(cfg.Blocks), blocks)
	}
	copy(cfg.Blocks[:], blocks)
	return cfg, cfg.Validate()
}

// Validate checks the configuration values.
func (cfg Config) Validate() error {
	if cfg.BaseWidth <= 0 {
		return errors.Errorf("resaspp: invalid BaseWidth %d", cfg.BaseWidth)
	}
	for stage := range 4 {
		if cfg.Blocks[stage] <= 0 {
			return errors.Errorf("resaspp: stage %d must have at least one block, got %v", stage+1, cfg.Blocks)
		}
		if cfg.Strides[stage] <= 0 || cfg.Dilations[stage] <= 0 {
			return errors.Errorf("resaspp: stage %d has invalid stride %d or dilation %d",
				stage+1, cfg.Strides[stage], cfg.Dilations[stage])
		}
		if cfg.Strides[stage] > 1 && cfg.Dilations[stage] > 1 {
			return errors.Errorf("resaspp: stage %d can't have both stride %d and dilation %d",
				stage+1, cfg.Strides[stage], cfg.Dilations[stage])
		}
	}
	if len(cfg.ASPPDilations) == 0 || slices.Min(cfg.ASPPDilations) <= 0 {
		return errors.Errorf("resaspp: invalid ASPP dilations %v", cfg.ASPPDilations)
	}
	if cfg.Pretrained && cfg.PretrainedPath == "" && cfg.PretrainedRepo == "" {
		return errors.New("resaspp: pretrained initialization requires PretrainedPath or PretrainedRepo")
	}
	return nil
}

// OutputChannels of the backbone.
func (cfg Config) OutputChannels() int {
	return cfg.BaseWidth * 8 * Expansion
}
