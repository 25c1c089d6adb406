// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

// This file implements the two model graphs: the baseline dense (fully
// connected) classifier and the convolutional one. Both return logits
// shaped [batch_size, NumClasses]; losses and metrics take logits, and the
// inference surface (see the classifier package) applies Softmax to expose
// a probability distribution.

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

const (
	// ParamDenseHiddenUnits is the context hyperparameter with the width of
	// the dense model's hidden layer.
	ParamDenseHiddenUnits = "dense_hidden_units"

	// ParamConvHiddenUnits is the context hyperparameter with the width of
	// the convolutional model's hidden dense layer, after flattening.
	ParamConvHiddenUnits = "cnn_hidden_units"
)

// DenseModelGraph implements train.ModelFn for the fully-connected model:
// the flattened image through one hidden ReLU layer (512 units by default)
// into the NumClasses output logits.
//
// inputs: one tensor, shaped [batch_size, 28, 28, 1].
func DenseModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	batchedImages := inputs[0]
	batchSize := batchedImages.Shape().Dimensions[0]

	// Flatten: [batch, 28, 28, 1] -> [batch, 784]. Same element count, the
	// spatial structure is discarded.
	logits := Reshape(batchedImages, batchSize, -1)
	logits.AssertDims(batchSize, Width*Height)

	hiddenUnits := context.GetParamOr(ctx, ParamDenseHiddenUnits, 512)
	logits = layers.DenseWithBias(ctx.In("hidden"), logits, hiddenUnits)
	logits = activations.Relu(logits)
	logits = layers.DenseWithBias(ctx.In("output"), logits, NumClasses)
	logits.AssertDims(batchSize, NumClasses)
	return []*Node{logits}
}

// ConvModelGraph implements train.ModelFn for the convolutional model:
// three 3x3 convolution stages (32, 64 and 64 filters, no padding), the
// first two followed by 2x2 max-pooling, then flattening and the same
// dense classifier shape as DenseModelGraph with a narrower hidden layer
// (64 units by default).
//
// inputs: one tensor, shaped [batch_size, 28, 28, 1].
func ConvModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	batchedImages := inputs[0]
	batchSize := batchedImages.Shape().Dimensions[0]

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	images := batchedImages
	images.AssertDims(batchSize, 28, 28, 1)
	images = layers.Convolution(nextCtx("conv"), images).Filters(32).KernelSize(3).NoPadding().Done()
	images = activations.Relu(images)
	images.AssertDims(batchSize, 26, 26, 32)
	images = MaxPool(images).Window(2).Done()
	images.AssertDims(batchSize, 13, 13, 32)

	images = layers.Convolution(nextCtx("conv"), images).Filters(64).KernelSize(3).NoPadding().Done()
	images = activations.Relu(images)
	images.AssertDims(batchSize, 11, 11, 64)
	images = MaxPool(images).Window(2).Done()
	images.AssertDims(batchSize, 5, 5, 64)

	images = layers.Convolution(nextCtx("conv"), images).Filters(64).KernelSize(3).NoPadding().Done()
	images = activations.Relu(images)
	images.AssertDims(batchSize, 3, 3, 64)

	// Flatten the feature maps and classify.
	logits := Reshape(images, batchSize, -1)
	logits.AssertDims(batchSize, 3*3*64)
	hiddenUnits := context.GetParamOr(ctx, ParamConvHiddenUnits, 64)
	logits = layers.DenseWithBias(nextCtx("dense"), logits, hiddenUnits)
	logits = activations.Relu(logits)
	logits = layers.DenseWithBias(nextCtx("dense"), logits, NumClasses)
	logits.AssertDims(batchSize, NumClasses)
	return []*Node{logits}
}

// PredictionsGraph converts model logits into the per-class probability
// distribution: non-negative values that sum to 1 on the last axis.
func PredictionsGraph(logits *Node) *Node {
	return Softmax(logits)
}
