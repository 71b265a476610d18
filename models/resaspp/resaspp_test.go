package resaspp

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/monodepth/internal/safetensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

// smallConfig is a narrow and shallow version of the model, fast enough to execute in tests.
func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseWidth = 4
	cfg.Blocks = [4]int{1, 1, 1, 1}
	return cfg
}

// testImages returns deterministic images shaped [batchSize, 3, height, width] with values in [-1, 1].
func testImages(batchSize, height, width int) *tensors.Tensor {
	values := make([]float32, batchSize*3*height*width)
	for ii := range values {
		values[ii] = float32((ii*37)%201-100) / 100
	}
	return tensors.FromFlatDataAndDimensions(values, batchSize, 3, height, width)
}

func TestCeilModePadding(t *testing.T) {
	// ResNet stem max-pool for a 256x256 image after the 7x7 stride-2 convolution.
	assert.Equal(t, [2]int{1, 2}, ceilModePadding(128, 3, 2, 1))
	assert.Equal(t, [2]int{1, 1}, ceilModePadding(7, 3, 2, 1))
	// Last window would start in the padding: it is dropped.
	assert.Equal(t, [2]int{1, 0}, ceilModePadding(3, 1, 2, 1))

	for _, size := range []int{128, 129, 176, 256} {
		padding := ceilModePadding(size, 3, 2, 1)
		outputSize := (size+padding[0]+padding[1]-3)/2 + 1
		wantSize := (size+2-3+1)/2 + 1 // Ceil division.
		assert.Equal(t, wantSize, outputSize, "size=%d", size)
	}
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2048, cfg.OutputChannels())

	bad := DefaultConfig()
	bad.Strides[2] = 2
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.ASPPDilations = nil
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Pretrained = true
	bad.PretrainedRepo = ""
	assert.Error(t, bad.Validate())

	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamBaseWidth:  8,
		ParamBlocks:     []int{1, 2, 1, 1},
		ParamAffineNorm: false,
	})
	fromCtx, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, fromCtx.BaseWidth)
	assert.Equal(t, [4]int{1, 2, 1, 1}, fromCtx.Blocks)
	assert.False(t, fromCtx.AffineNorm)

	ctx.SetParam(ParamBlocks, []int{3, 4, 6})
	_, err = FromContext(ctx)
	assert.Error(t, err)
}

func TestBuildShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := DefaultConfig()
	ctx := context.New()
	g := NewGraph(backend, "TestBuildShapes")
	defer g.Finalize()
	images := Parameter(g, "images", shapes.Make(dtypes.Float32, 1, 3, 512, 512))
	features := cfg.Backbone(ctx.In(BackboneScope), images)
	assert.Equal(t, []int{1, 2048, 65, 65}, features.Shape().Dimensions)
	depth := cfg.ASPP(ctx.In(ASPPScope), features)
	assert.Equal(t, []int{1, 1, 65, 65}, depth.Shape().Dimensions)

	output := cfg.Build(ctx.Reuse(), images)
	assert.Equal(t, []int{1, 1, 512, 512}, output.Depth.Shape().Dimensions)
	assert.Empty(t, output.Auxiliary)
	assert.Len(t, output.Sequence(), 1)

	// ResNet-50 convolution weights, excluding the classifier.
	numConvParams := 0
	for v := range ctx.In(BackboneScope).IterVariablesInScope() {
		if v.Name() == WeightsVar {
			numConvParams += v.Shape().Size()
		}
	}
	assert.Equal(t, 23_454_912, numConvParams)

	// Pretrained variable names.
	for _, torchName := range []string{"conv1.weight", "bn1.running_var", "layer1.0.downsample.0.weight",
		"layer3.5.bn3.bias", "layer4.2.conv2.weight", "layer4.0.downsample.1.num_batches_tracked"} {
		assert.NotNil(t, findVariable(ctx.In(BackboneScope), torchName), "torch name %q", torchName)
	}
	for _, torchName := range []string{"fc.weight", "layer1.1.downsample.0.weight", "layer5.0.conv1.weight", "conv1"} {
		assert.Nil(t, findVariable(ctx.In(BackboneScope), torchName), "torch name %q", torchName)
	}

	// Frozen normalization.
	scale := ctx.GetVariableByScopeAndName("/backbone/layer2/0/bn1/batch_normalization", "scale")
	require.NotNil(t, scale)
	assert.False(t, scale.Trainable)
	mean := ctx.GetVariableByScopeAndName("/backbone/layer2/0/bn1/batch_normalization", "mean")
	require.NotNil(t, mean)
	assert.False(t, mean.Trainable)
	kernel := ctx.GetVariableByScopeAndName("/backbone/layer2/0/conv1", WeightsVar)
	require.NotNil(t, kernel)
	assert.True(t, kernel.Trainable)
	assert.Equal(t, []int{128, 256, 1, 1}, kernel.Shape().Dimensions)
	assert.NotNil(t, ctx.GetVariableByScopeAndName("/aspp/branch_3", BiasesVar))
}

func TestNormalizationVariables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const normScope = "/backbone/bn1/batch_normalization"
	for _, affine := range []bool{false, true} {
		for _, freeze := range []bool{false, true} {
			cfg := smallConfig()
			cfg.AffineNorm = affine
			cfg.FreezeNorm = freeze
			ctx := context.New()
			require.NoError(t, CreateVariables(backend, ctx, cfg, shapes.Make(dtypes.Float32, 1, 3, 32, 48)))
			for _, name := range []string{"scale", "offset"} {
				v := ctx.GetVariableByScopeAndName(normScope, name)
				if !affine {
					assert.Nil(t, v, "AffineNorm=false, FreezeNorm=%v: %s", freeze, name)
					continue
				}
				require.NotNil(t, v, "AffineNorm=true, FreezeNorm=%v: %s", freeze, name)
				assert.Equal(t, !freeze, v.Trainable, "AffineNorm=true, FreezeNorm=%v: %s", freeze, name)
			}
			// Moving averages exist and are never trained by gradient descent.
			for _, name := range []string{"mean", "variance"} {
				v := ctx.GetVariableByScopeAndName(normScope, name)
				require.NotNil(t, v, "AffineNorm=%v, FreezeNorm=%v: %s", affine, freeze, name)
				assert.False(t, v.Trainable)
			}
		}
	}
}

func TestRandomInitialization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := smallConfig()
	cfg.BaseWidth = 16
	ctx := context.New()
	report, err := Initialize(backend, ctx, cfg, shapes.Make(dtypes.Float32, 1, 3, 32, 48))
	require.NoError(t, err)
	require.Nil(t, report)

	flatValues := func(v *context.Variable) []float32 {
		value, err := v.Value()
		require.NoError(t, err)
		return tensors.MustCopyFlatData[float32](value)
	}
	for _, scope := range []string{"/backbone/layer1/0/conv2", "/aspp/branch_0"} {
		v := ctx.GetVariableByScopeAndName(scope, WeightsVar)
		require.NotNil(t, v, "variable %s/%s", scope, WeightsVar)
		values := flatValues(v)
		var sum, sum2 float64
		for _, x := range values {
			sum += float64(x)
			sum2 += float64(x) * float64(x)
		}
		n := float64(len(values))
		mean := sum / n
		stddev := math.Sqrt(sum2/n - mean*mean)
		assert.InDelta(t, 0.0, mean, 0.001, "mean of %s", scope)
		assert.InDelta(t, cfg.InitStddev, stddev, 0.001, "stddev of %s", scope)
	}

	var numScales, numOffsets, numBiases int
	for v := range ctx.IterVariables() {
		var want float32
		switch v.Name() {
		case "scale":
			want = 1
			numScales++
		case "offset":
			numOffsets++
		case BiasesVar:
			numBiases++
		default:
			continue
		}
		for _, x := range flatValues(v) {
			require.Equal(t, want, x, "variable %s", v.ScopeAndName())
		}
	}
	assert.Greater(t, numScales, 0)
	assert.Equal(t, numScales, numOffsets)
	assert.Equal(t, len(cfg.ASPPDilations), numBiases)
}

func TestPredict(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := smallConfig()
	ctx := context.New()
	report, err := Initialize(backend, ctx, cfg, shapes.Make(dtypes.Float32, 1, 3, 32, 48))
	require.NoError(t, err)
	assert.Nil(t, report)

	predictor, err := NewPredictor(backend, ctx, cfg)
	require.NoError(t, err)
	defer predictor.Finalize()
	for _, dims := range [][3]int{{1, 32, 48}, {2, 24, 40}} {
		depth, err := predictor.Predict(testImages(dims[0], dims[1], dims[2]))
		require.NoError(t, err)
		assert.Equal(t, []int{dims[0], 1, dims[1], dims[2]}, depth.Shape().Dimensions)
		tensors.MustConstFlatData(depth, func(flat []float32) {
			for _, v := range flat {
				require.Greater(t, v, float32(0.01))
				require.Less(t, v, float32(10.01))
			}
		})
	}

	_, err = Predict(backend, ctx, cfg, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 4, 32, 48)))
	assert.Error(t, err)
}

// TestTrainingOutput checks that with frozen statistics the training output is the same as the inference one,
// as a single element sequence.
func TestTrainingOutput(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := smallConfig()
	cfg.FrozenStatistics = true
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamBaseWidth:        cfg.BaseWidth,
		ParamBlocks:           cfg.Blocks[:],
		ParamFrozenStatistics: true,
	})
	_, err := Initialize(backend, ctx, cfg, shapes.Make(dtypes.Float32, 2, 3, 24, 40))
	require.NoError(t, err)
	images := testImages(2, 24, 40)

	want, err := Predict(backend, ctx, cfg, images)
	require.NoError(t, err)

	trainExec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) []*Node {
		ctx.SetTraining(images.Graph(), true)
		return ModelGraph(ctx, nil, []*Node{images})
	})
	require.NoError(t, err)
	defer trainExec.Finalize()
	outputs, err := trainExec.Exec(images)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.True(t, want.InDelta(outputs[0], 1e-4), "training output %s\n!= inference output %s",
		outputs[0].GoStr(), want.GoStr())
}

func TestLoadPretrained(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := smallConfig()
	ctx := context.New()
	_, err := LoadPretrained(ctx, "unused.safetensors")
	require.Error(t, err, "variables were not created yet")

	convWeights := make([]float16.Float16, 4*3*7*7)
	for ii := range convWeights {
		convWeights[ii] = float16.Fromfloat32(0.5)
	}
	path := filepath.Join(t.TempDir(), "resnet.safetensors")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, safetensors.Write(f, []*safetensors.NamedTensor{
		{"conv1.weight", tensors.FromFlatDataAndDimensions(convWeights, 4, 3, 7, 7)},
		{"bn1.running_mean", tensors.FromValue([]float32{1, 2, 3, 4})},
		{"bn1.num_batches_tracked", tensors.FromValue(int64(100))},
		{"layer1.0.downsample.1.weight", tensors.FromValue(make([]float32, 16))},
		{"layer1.0.conv1.weight", tensors.FromShape(shapes.Make(dtypes.Float32, 3, 3, 1, 1))},
		{"fc.weight", tensors.FromShape(shapes.Make(dtypes.Float32, 10, 128))},
	}))
	require.NoError(t, f.Close())

	var logs bytes.Buffer
	klog.LogToStderr(false)
	klog.SetOutput(&logs)
	defer func() {
		klog.SetOutput(os.Stderr)
		klog.LogToStderr(true)
	}()

	cfg.Pretrained = true
	cfg.PretrainedPath = path
	report, err := Initialize(backend, ctx, cfg, shapes.Make(dtypes.Float32, 1, 3, 32, 48))
	require.NoError(t, err)
	klog.Flush()
	// Skipped tensors and variables left at their initial values are logged by name.
	assert.Contains(t, logs.String(), `"fc.weight"`)
	assert.Contains(t, logs.String(), `"layer1.0.conv1.weight"`)
	assert.Contains(t, logs.String(), "/aspp/branch_0/weights")
	require.NotNil(t, report)
	assert.Equal(t, []string{"conv1.weight", "bn1.running_mean", "bn1.num_batches_tracked",
		"layer1.0.downsample.1.weight"}, report.Copied)
	assert.Equal(t, []string{"fc.weight"}, report.Unmatched)
	assert.Equal(t, []string{"layer1.0.conv1.weight"}, report.ShapeMismatch)
	assert.Contains(t, report.Missing, "/aspp/branch_0/weights")
	assert.Contains(t, report.Missing, "/backbone/layer1/0/conv1/weights")
	assert.NotContains(t, report.Missing, "/backbone/conv1/weights")

	value := func(scope, name string) any {
		v := ctx.GetVariableByScopeAndName(scope, name)
		require.NotNil(t, v, "variable %s/%s", scope, name)
		tensor, err := v.Value()
		require.NoError(t, err)
		return tensor.Value()
	}
	kernel := value("/backbone/conv1", WeightsVar).([][][][]float32)
	assert.Equal(t, float32(0.5), kernel[3][2][6][6])
	assert.Equal(t, []float32{1, 2, 3, 4}, value("/backbone/bn1/batch_normalization", "mean"))
	assert.Equal(t, []float32{100, 100, 100, 100}, value("/backbone/bn1/batch_normalization", "avg_weight"))
	assert.Equal(t, make([]float32, 16), value("/backbone/layer1/0/downsample/1/batch_normalization", "scale"))
	// Left at initialization.
	assert.Equal(t, []float32{1, 1, 1, 1}, value("/backbone/bn1/batch_normalization", "variance"))

	depth, err := Predict(backend, ctx, cfg, testImages(1, 32, 48))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 32, 48}, depth.Shape().Dimensions)
}
