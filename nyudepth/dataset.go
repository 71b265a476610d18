// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nyudepth

import (
	"io"
	"os"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// CropHeight and CropWidth are the default center crop of the converted NYU samples.
	CropHeight = 256
	CropWidth  = 352
)

// LoadSample reads one converted sample and checks it is a float32 tensor shaped `[5, height, width]`.
func LoadSample(samplePath string) (*tensors.Tensor, error) {
	sample, err := numpy.FromNpyFile(samplePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read sample %q", samplePath)
	}
	shape := sample.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 3 || shape.Dimensions[0] != NumChannels {
		sample.MustFinalizeAll()
		return nil, errors.Errorf("sample %q has shape %s, expected (Float32)[%d, height, width]",
			samplePath, shape, NumChannels)
	}
	return sample, nil
}

// CountSamples returns the number of consecutive samples "0.npy", "1.npy", ... in outputDir.
func CountSamples(outputDir string) (int, error) {
	count := 0
	for {
		_, err := os.Stat(SamplePath(outputDir, count))
		if os.IsNotExist(err) {
			return count, nil
		}
		if err != nil {
			return 0, errors.Wrapf(err, "failed to check sample #%d in %q", count, outputDir)
		}
		count++
	}
}

// Dataset reads the samples created by Preprocess and yields them in order, center cropped.
//
// It yields one input, the RGB images shaped `[batchSize, 3, cropHeight, cropWidth]`, and two labels,
// the depth and the mask, each shaped `[batchSize, 1, cropHeight, cropWidth]`.
//
// It is a finite dataset: Yield returns io.EOF at the end of the samples; call Reset to start over.
//
// Yield can be called concurrently, so it can be wrapped with datasets.Parallel. In that case the order of the
// batches is not preserved: the spec returned by Yield is the index (int) of the first sample in the batch.
type Dataset struct {
	name                  string
	dir                   string
	numSamples, batchSize int
	cropHeight, cropWidth int
	partialBatch          bool

	mu   sync.Mutex
	next int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over the samples in dir (the OutputDir created by Preprocess).
//
// If cropHeight or cropWidth are 0, the samples are not cropped and must all have the same size.
func NewDataset(name, dir string, batchSize, cropHeight, cropWidth int) (*Dataset, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d for dataset %q", batchSize, name)
	}
	numSamples, err := CountSamples(dir)
	if err != nil {
		return nil, err
	}
	if numSamples == 0 {
		return nil, errors.Errorf("no samples found in %q for dataset %q", dir, name)
	}
	klog.V(1).Infof("Dataset %q: %d samples in %q", name, numSamples, dir)
	return &Dataset{
		name:       name,
		dir:        dir,
		numSamples: numSamples,
		batchSize:  batchSize,
		cropHeight: cropHeight,
		cropWidth:  cropWidth,
	}, nil
}

// WithPartialBatch configures whether the last batch of an epoch can be smaller than batchSize.
// The default is false, and the remaining samples are dropped.
func (ds *Dataset) WithPartialBatch(partialBatch bool) *Dataset {
	ds.partialBatch = partialBatch
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumSamples in the dataset directory.
func (ds *Dataset) NumSamples() int { return ds.numSamples }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
}

// reserve the indices of the next batch, and returns the first one.
func (ds *Dataset) reserve() (first, batchSize int, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	remaining := ds.numSamples - ds.next
	batchSize = min(ds.batchSize, remaining)
	if remaining <= 0 || (batchSize < ds.batchSize && !ds.partialBatch) {
		return 0, 0, io.EOF
	}
	first = ds.next
	ds.next += batchSize
	return
}

// Yield implements train.Dataset. The spec is the index of the first sample of the batch, an int.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	first, batchSize, err := ds.reserve()
	if err != nil {
		return
	}
	spec = first

	var height, width int
	var rgbFlat, depthFlat, maskFlat []float32
	for exampleIdx := range batchSize {
		samplePath := SamplePath(ds.dir, first+exampleIdx)
		var sample *tensors.Tensor
		sample, err = LoadSample(samplePath)
		if err != nil {
			return
		}
		dims := sample.Shape().Dimensions
		sampleHeight, sampleWidth := dims[1], dims[2]
		if exampleIdx == 0 {
			height, width = ds.cropHeight, ds.cropWidth
			if height == 0 || width == 0 {
				height, width = sampleHeight, sampleWidth
			}
			pixels := batchSize * height * width
			rgbFlat = make([]float32, 3*pixels)
			depthFlat = make([]float32, pixels)
			maskFlat = make([]float32, pixels)
		}
		if sampleHeight < height || sampleWidth < width {
			sample.MustFinalizeAll()
			err = errors.Errorf("sample %q is %dx%d, smaller than the crop %dx%d",
				samplePath, sampleHeight, sampleWidth, height, width)
			return
		}
		top, left := (sampleHeight-height)/2, (sampleWidth-width)/2
		planeSize := height * width
		tensors.MustConstFlatData(sample, func(flat []float32) {
			for channel := range NumChannels {
				var dst []float32
				switch channel {
				case DepthChannel:
					dst = depthFlat[exampleIdx*planeSize:]
				case MaskChannel:
					dst = maskFlat[exampleIdx*planeSize:]
				default:
					dst = rgbFlat[(exampleIdx*3+channel)*planeSize:]
				}
				src := flat[channel*sampleHeight*sampleWidth:]
				for y := range height {
					row := src[(top+y)*sampleWidth+left:]
					copy(dst[y*width:(y+1)*width], row[:width])
				}
			}
		})
		sample.MustFinalizeAll()
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(rgbFlat, batchSize, 3, height, width)}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(depthFlat, batchSize, 1, height, width),
		tensors.FromFlatDataAndDimensions(maskFlat, batchSize, 1, height, width),
	}
	return
}
