// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// imagesBatch returns a [batchSize, 28, 28, 1] input batch with a simple
// pixel gradient.
func imagesBatch(batchSize int) *tensors.Tensor {
	flat := make([]float32, batchSize*Height*Width)
	for i := range flat {
		flat[i] = float32(i%256) / 255.0
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, Height, Width, 1)
}

func execModelFn(t *testing.T, modelFn func(*context.Context, any, []*Node) []*Node, batchSize int) *tensors.Tensor {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return modelFn(ctx, nil, []*Node{images})[0]
	})
	outputs := exec.Call(imagesBatch(batchSize))
	require.Len(t, outputs, 1)
	return outputs[0]
}

func TestDenseModelGraph(t *testing.T) {
	logits := execModelFn(t, DenseModelGraph, 7)
	require.Equal(t, []int{7, NumClasses}, logits.Shape().Dimensions)
	require.Equal(t, DType, logits.DType())
}

// TestConvModelGraph also serves as a shape test: the graph function
// asserts the dimensions at every convolution and pooling stage, so a wrong
// intermediary shape fails the graph compilation.
func TestConvModelGraph(t *testing.T) {
	logits := execModelFn(t, ConvModelGraph, 5)
	require.Equal(t, []int{5, NumClasses}, logits.Shape().Dimensions)
	require.Equal(t, DType, logits.DType())
}

func TestPredictionsGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(logits *Node) *Node {
		return PredictionsGraph(logits)
	})
	logits := [][]float32{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{-1, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	}
	probs := exec.Call(logits)[0]
	require.Equal(t, []int{2, NumClasses}, probs.Shape().Dimensions)
	flat := tensors.CopyFlatData[float32](probs)
	for row := 0; row < 2; row++ {
		var sum float32
		for class := 0; class < NumClasses; class++ {
			v := flat[row*NumClasses+class]
			require.GreaterOrEqual(t, v, float32(0))
			sum += v
		}
		require.InDelta(t, 1.0, sum, 1e-5, "probabilities of row %d must sum to 1", row)
	}
	// Softmax is monotonic: the largest logit keeps the largest probability.
	require.Greater(t, flat[9], flat[8])
	require.Less(t, flat[NumClasses+0], flat[NumClasses+1])
}
