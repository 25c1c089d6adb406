// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestCategoricalAccuracyGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, labels, logits *Node) *Node {
		return CategoricalAccuracyGraph(ctx, []*Node{labels}, []*Node{logits})
	})

	oneHot := func(classes ...int) [][]float32 {
		rows := make([][]float32, len(classes))
		for i, class := range classes {
			rows[i] = make([]float32, NumClasses)
			rows[i][class] = 1
		}
		return rows
	}
	// Predictions as logits; argmax picks classes 3, 1, 0, 7.
	logits := [][]float32{
		{0, 0, 0, 9, 0, 0, 0, 0, 0, 0},
		{-1, 5, 0, 0, 0, 0, 0, 0, 0, 0},
		{2, 1, 0, 0, 0, 0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0, 0, 0, 3, 0, 2},
	}

	accuracy := exec.Call(oneHot(3, 1, 0, 7), logits)[0]
	require.Equal(t, float32(1), tensors.ToScalar[float32](accuracy))

	accuracy = exec.Call(oneHot(3, 2, 0, 9), logits)[0]
	require.Equal(t, float32(0.5), tensors.ToScalar[float32](accuracy))

	accuracy = exec.Call(oneHot(0, 0, 1, 1), logits)[0]
	require.Equal(t, float32(0), tensors.ToScalar[float32](accuracy))
}

func TestCategoricalAccuracyGraphShapeMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	// Sparse (rank-1) labels are not accepted, the labels must be one-hot.
	err := exceptions.TryCatch[error](func() {
		exec := context.NewExec(backend, ctx, func(ctx *context.Context, labels, logits *Node) *Node {
			return CategoricalAccuracyGraph(ctx, []*Node{labels}, []*Node{logits})
		})
		exec.Call([]float32{3, 1}, [][]float32{
			{0, 0, 0, 1, 0, 0, 0, 0, 0, 0},
			{0, 1, 0, 0, 0, 0, 0, 0, 0, 0},
		})
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "rank-2")
}

func TestAccuracyMetrics(t *testing.T) {
	mean := NewMeanCategoricalAccuracy("Mean Accuracy", "#acc")
	require.Equal(t, "Mean Accuracy", mean.Name())
	require.Equal(t, "#acc", mean.ShortName())
	require.Equal(t, metrics.AccuracyMetricType, mean.MetricType())

	moving := NewMovingAverageCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	require.Equal(t, "~acc", moving.ShortName())
	require.Equal(t, metrics.AccuracyMetricType, moving.MetricType())
}
