// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resaspp

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/monodepth/internal/safetensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// LoadReport lists how each tensor of a pretrained file was used.
type LoadReport struct {
	// Path of the safetensors file read.
	Path string

	// Copied holds the names in the file whose values were copied to a model variable.
	Copied []string

	// Unmatched holds the names in the file with no corresponding model variable (e.g.: the classifier "fc").
	Unmatched []string

	// ShapeMismatch holds the names in the file whose variable has a different shape. Those variables are
	// left with their random initialization.
	ShapeMismatch []string

	// Missing holds the model variables (scope and name) not set from the file.
	Missing []string
}

// String implements fmt.Stringer.
func (r *LoadReport) String() string {
	return fmt.Sprintf("%q: %d copied, %d unmatched, %d shape mismatches, %d model variables missing",
		r.Path, len(r.Copied), len(r.Unmatched), len(r.ShapeMismatch), len(r.Missing))
}

// torchVariable is a candidate variable, relative to the scope of a torch module, for a torch parameter suffix.
type torchVariable struct {
	subScope, name string
}

// torchSuffixes maps the last part of torchvision parameter names to the variables created by the layers.
// Convolutions and normalizations share the "weight" and "bias" suffixes, the first variable found is used.
var torchSuffixes = map[string][]torchVariable{
	"weight":              {{"", WeightsVar}, {NormScope, "scale"}},
	"bias":                {{"", BiasesVar}, {NormScope, "offset"}},
	"running_mean":        {{NormScope, "mean"}},
	"running_var":         {{NormScope, "variance"}},
	"num_batches_tracked": {{NormScope, "avg_weight"}},
}

// findVariable returns the variable under ctx that corresponds to the torch parameter name
// (e.g. "layer2.0.downsample.1.running_var"), or nil if there isn't one.
func findVariable(ctx *context.Context, torchName string) *context.Variable {
	parts := strings.Split(torchName, ".")
	if len(parts) < 2 {
		return nil
	}
	candidates, found := torchSuffixes[parts[len(parts)-1]]
	if !found {
		return nil
	}
	scope := ctx.Scope()
	for _, part := range parts[:len(parts)-1] {
		if part == "" || strings.Contains(part, context.ScopeSeparator) {
			return nil
		}
		scope = context.JoinScope(scope, part)
	}
	for _, candidate := range candidates {
		candidateScope := scope
		if candidate.subScope != "" {
			candidateScope = context.JoinScope(scope, candidate.subScope)
		}
		if v := ctx.GetVariableByScopeAndName(candidateScope, candidate.name); v != nil {
			return v
		}
	}
	return nil
}

// errShapeMismatch is returned by pretrainedValue when the value can't be used for the variable.
var errShapeMismatch = errors.New("shape mismatch")

// pretrainedValue converts the value read from the file to the variable shape.
//
// Floating point values are converted to Float32 if needed. The torch counter of batches ("num_batches_tracked")
// is broadcast to the per-channel moving averages weight.
func pretrainedValue(v *context.Variable, value *tensors.Tensor) (*tensors.Tensor, error) {
	varShape := v.Shape()
	if v.Name() == "avg_weight" {
		if value.Shape().Size() != 1 || varShape.DType != dtypes.Float32 {
			return nil, errShapeMismatch
		}
		count, err := scalarToFloat32(value)
		if err != nil {
			return nil, err
		}
		weights := make([]float32, varShape.Size())
		for ii := range weights {
			weights[ii] = count
		}
		return tensors.FromFlatDataAndDimensions(weights, varShape.Dimensions...), nil
	}

	if !slices.Equal(value.Shape().Dimensions, varShape.Dimensions) {
		return nil, errShapeMismatch
	}
	if value.DType() == varShape.DType {
		return value, nil
	}
	if varShape.DType != dtypes.Float32 {
		return nil, errors.Errorf("can't convert %s to %s", value.DType(), varShape.DType)
	}
	return toFloat32(value)
}

// toFloat32 converts a floating point tensor to Float32.
func toFloat32(t *tensors.Tensor) (*tensors.Tensor, error) {
	values := make([]float32, t.Size())
	var convertErr error
	err := t.ConstFlatData(func(flat any) {
		switch flat := flat.(type) {
		case []float32:
			copy(values, flat)
		case []float64:
			for ii, f := range flat {
				values[ii] = float32(f)
			}
		case []float16.Float16:
			for ii, f := range flat {
				values[ii] = f.Float32()
			}
		case []bfloat16.BFloat16:
			for ii, f := range flat {
				values[ii] = f.Float32()
			}
		default:
			convertErr = errors.Errorf("can't convert %s to Float32", t.DType())
		}
	})
	if err == nil {
		err = convertErr
	}
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(values, t.Shape().Dimensions...), nil
}

// scalarToFloat32 returns the only value of an integer or float tensor.
func scalarToFloat32(t *tensors.Tensor) (value float32, err error) {
	convertErr := t.ConstFlatData(func(flat any) {
		switch flat := flat.(type) {
		case []int64:
			value = float32(flat[0])
		case []int32:
			value = float32(flat[0])
		case []float32:
			value = flat[0]
		case []float64:
			value = float32(flat[0])
		default:
			err = errors.Errorf("can't convert %s counter to Float32", t.DType())
		}
	})
	if convertErr != nil {
		err = convertErr
	}
	return
}

// LoadPretrained sets the backbone variables from a torchvision formatted ResNet safetensors file.
//
// Loading is by name and non-strict: tensors with no corresponding variable are reported as unmatched,
// and variables not found in the file keep their current value and are reported as missing.
// The variables must have already been created, see Initialize.
func LoadPretrained(ctx *context.Context, path string) (*LoadReport, error) {
	report := &LoadReport{Path: path}
	backboneCtx := ctx.In(BackboneScope)
	numBackboneVars := 0
	for range backboneCtx.IterVariablesInScope() {
		numBackboneVars++
	}
	if numBackboneVars == 0 {
		return nil, errors.Errorf("resaspp: no backbone variables in scope %q, the model must be initialized "+
			"before loading pretrained weights", backboneCtx.Scope())
	}

	copied := make(map[*context.Variable]bool)
	for namedTensor, err := range safetensors.ScanFile(path) {
		if err != nil {
			return nil, errors.WithMessage(err, "resaspp: failed to read pretrained weights")
		}
		name := namedTensor.Name
		v := findVariable(backboneCtx, name)
		if v == nil {
			report.Unmatched = append(report.Unmatched, name)
			klog.Warningf("resaspp: pretrained %q has no matching variable, skipping", name)
			continue
		}
		value, err := pretrainedValue(v, namedTensor.Tensor)
		if errors.Is(err, errShapeMismatch) {
			report.ShapeMismatch = append(report.ShapeMismatch, name)
			klog.Warningf("pretrained %q shaped %s doesn't fit variable %q shaped %s, skipping",
				name, namedTensor.Tensor.Shape(), v.ScopeAndName(), v.Shape())
			continue
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "resaspp: pretrained %q for variable %q", name, v.ScopeAndName())
		}
		if err = v.SetValue(value); err != nil {
			return nil, errors.WithMessagef(err, "resaspp: failed to set variable %q", v.ScopeAndName())
		}
		copied[v] = true
		report.Copied = append(report.Copied, name)
	}

	for _, scope := range []string{BackboneScope, ASPPScope} {
		for v := range ctx.In(scope).IterVariablesInScope() {
			if !copied[v] {
				report.Missing = append(report.Missing, v.ScopeAndName())
			}
		}
	}
	slices.Sort(report.Missing)
	if len(report.Missing) > 0 {
		klog.Infof("resaspp: %d variables not in %q keep their initial values: %s",
			len(report.Missing), path, strings.Join(report.Missing, ", "))
	}
	if len(report.Copied) == 0 {
		klog.Warningf("resaspp: no variables were set from %q", path)
	}
	klog.V(1).Infof("resaspp: loaded pretrained weights %s", report)
	return report, nil
}

// DownloadPretrained downloads (or reuses from the cache) the pretrained weights file from the HuggingFace repo,
// and returns its local path. The environment variable HF_TOKEN is used for authentication, if set.
func DownloadPretrained(repoID string) (string, error) {
	repo := hub.New(repoID).WithAuth(os.Getenv("HF_TOKEN")).WithProgressBar(true)
	path, err := repo.DownloadFile(PretrainedFile)
	if err != nil {
		return "", errors.WithMessagef(err, "resaspp: failed to download %q from HuggingFace repo %q", PretrainedFile, repoID)
	}
	return path, nil
}
