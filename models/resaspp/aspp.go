// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resaspp

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// ASPP is the prediction head: parallel 3x3 convolutions with the ASPPDilations rates, each producing a
// single channel, summed up and mapped to the depth range with `DepthScale * sigmoid(x) + DepthOffset`.
//
// Spatial dimensions are preserved. Branch variables are created under the scopes "branch_<i>".
func (cfg Config) ASPP(ctx *context.Context, features *Node) *Node {
	var sum *Node
	for branchIdx, dilation := range cfg.ASPPDilations {
		branch := cfg.conv2D(ctx.Inf("branch_%d", branchIdx), features,
			convConfig{channels: 1, kernel: 3, padding: dilation, dilation: dilation, bias: true})
		if sum == nil {
			sum = branch
		} else {
			sum = Add(sum, branch)
		}
	}
	return AddScalar(MulScalar(Sigmoid(sum), cfg.DepthScale), cfg.DepthOffset)
}
