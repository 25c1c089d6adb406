// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func init() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// For testing, we use the CPU backend (and avoid GPU if not explicitly requested).
		if err := os.Setenv(backends.ConfigEnvVar, "xla:cpu"); err != nil {
			panic(err)
		}
	}
}

func TestCreateModelContext(t *testing.T) {
	ctx := CreateModelContext("dense")
	assert.Equal(t, "dense", context.GetParamOr(ctx, "model", ""))
	assert.Equal(t, 128, context.GetParamOr(ctx, "batch_size", 0))
	assert.Equal(t, 5, context.GetParamOr(ctx, "epochs", 0))

	ctx = CreateModelContext("cnn")
	assert.Equal(t, "cnn", context.GetParamOr(ctx, "model", ""))
	assert.Equal(t, 64, context.GetParamOr(ctx, "batch_size", 0))

	err := exceptions.TryCatch[error](func() { CreateModelContext("transformer") })
	require.ErrorContains(t, err, "unknown model type")
}

func TestSelectModelFn(t *testing.T) {
	for _, modelType := range ValidModels {
		ctx := CreateModelContext(modelType)
		modelFn, err := SelectModelFn(ctx)
		require.NoError(t, err)
		require.NotNil(t, modelFn)
	}

	ctx := CreateDenseContext()
	ctx.SetParam("model", "transformer")
	_, err := SelectModelFn(ctx)
	require.ErrorContains(t, err, "transformer")
}

func TestSelectLossFn(t *testing.T) {
	ctx := CreateDenseContext()
	lossFn, err := selectLossFn(ctx)
	require.NoError(t, err)
	require.NotNil(t, lossFn)

	ctx.SetParam("loss", "hinge")
	_, err = selectLossFn(ctx)
	require.ErrorContains(t, err, "hinge")
}

func TestMetricScalar(t *testing.T) {
	assert.Equal(t, 0.5, metricScalar(tensors.FromScalar(float32(0.5))))
	assert.Equal(t, 0.25, metricScalar(tensors.FromScalar(0.25)))

	// Non-float metric values must fail loudly, not read as 0.
	err := exceptions.TryCatch[error](func() { metricScalar(tensors.FromScalar(int32(3))) })
	require.ErrorContains(t, err, "expected a float scalar")
}

func TestEvalResult(t *testing.T) {
	result := EvalResult{Model: "cnn", Dataset: "test", Loss: 0.05, Accuracy: 0.99}
	assert.InDelta(t, 0.01, result.ErrorRate(), 1e-9)
	assert.Contains(t, result.String(), "cnn on test")
	assert.Contains(t, result.String(), "99.00%")
}

// TestTrainModel trains the dense model for a few steps on the real dataset.
//
// It has to download the training data to the test's temporary directory,
// so it is disabled for short tests.
func TestTrainModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}

	dataDir := path.Join(t.TempDir(), "mnist")
	ctx := CreateDenseContext()
	ctx.SetParam("train_steps", 10) // Only 10 steps.
	result, err := TrainModel(ctx, dataDir, "", -1, nil)
	require.NoError(t, err)
	assert.Equal(t, "dense", result.Model)
	assert.Equal(t, "test", result.Dataset)
	assert.GreaterOrEqual(t, result.Loss, 0.0)
	assert.True(t, result.Accuracy >= 0 && result.Accuracy <= 1,
		"accuracy %f out of the [0, 1] range", result.Accuracy)
}
