// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a trained MNIST model for inference.
//
// It loads a model checkpoint saved during training -- all hyperparameters
// come along, so the same model graph is rebuilt -- and offers Classify and
// Probabilities methods for arbitrary images: inputs are converted to
// grayscale and resized to 28x28 if needed.
package classifier

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	mnist "github.com/alexpberger/mnist-classification"
)

// Classifier holds a compiled MNIST model. It uses the default backend --
// configurable with the GOMLX_BACKEND environment variable.
type Classifier struct {
	backend backends.Backend

	// ctx holds the model's weights, loaded from the checkpoint.
	ctx *context.Context

	// execClass returns the chosen digit; execProbs the full softmax
	// distribution over the 10 digits.
	execClass, execProbs *context.Exec
}

// New creates a Classifier from a checkpoint directory saved by training
// (see mnist.TrainModel).
func New(checkpointDir string) (*Classifier, error) {
	c := &Classifier{
		backend: backends.MustNew(),
		ctx:     context.New(),
	}

	// All hyperparameters are read back from the checkpoint, so the model
	// graph is rebuilt exactly as trained. The checkpoint handler is not
	// kept: nothing is saved back.
	_, err := checkpoints.Load(c.ctx).
		Dir(checkpointDir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load MNIST model from %q", checkpointDir)
	}
	// Reuse variables: creating a new variable from here on would be a bug.
	c.ctx = c.ctx.Reuse()

	modelType := context.GetParamOr(c.ctx, "model", "")
	var modelFn train.ModelFn
	switch modelType {
	case "dense":
		modelFn = mnist.DenseModelGraph
	case "cnn":
		modelFn = mnist.ConvModelGraph
	default:
		return nil, errors.Errorf("checkpoint %q holds unknown model type %q, available models: %v",
			checkpointDir, modelType, mnist.ValidModels)
	}

	logitsGraph := func(ctx *context.Context, img *graph.Node) *graph.Node {
		img = graph.ExpandAxes(img, 0) // Batch dimension of size 1.
		return modelFn(ctx, nil, []*graph.Node{img})[0]
	}
	c.execClass = context.NewExec(c.backend, c.ctx, func(ctx *context.Context, img *graph.Node) *graph.Node {
		logits := logitsGraph(ctx, img)
		choice := graph.ArgMax(logits, -1, dtypes.Int32)
		return graph.Reshape(choice) // Drop batch dimension: scalar.
	})
	c.execProbs = context.NewExec(c.backend, c.ctx, func(ctx *context.Context, img *graph.Node) *graph.Node {
		probabilities := mnist.PredictionsGraph(logitsGraph(ctx, img))
		return graph.Reshape(probabilities, mnist.NumClasses)
	})
	return c, nil
}

// Classify returns the digit (0 to 9) the model believes img depicts.
func (c *Classifier) Classify(img image.Image) (mnist.Label, error) {
	input := imageToTensor(img)
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = c.execClass.Call(input) })
	if err != nil {
		return 0, err
	}
	return mnist.Label(tensors.ToScalar[int32](outputs[0])), nil
}

// Probabilities returns the model's distribution over the 10 digits for
// img: 10 non-negative values summing to 1.
func (c *Classifier) Probabilities(img image.Image) ([]float32, error) {
	input := imageToTensor(img)
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = c.execProbs.Call(input) })
	if err != nil {
		return nil, err
	}
	return tensors.CopyFlatData[float32](outputs[0]), nil
}

// imageToTensor converts any image to the model's input: a grayscale
// [28, 28, 1] tensor with values in [0, 1]. Images of other sizes are
// resized first.
func imageToTensor(img image.Image) *tensors.Tensor {
	bounds := img.Bounds()
	if bounds.Dx() != mnist.Width || bounds.Dy() != mnist.Height {
		img = imaging.Resize(img, mnist.Width, mnist.Height, imaging.Lanczos)
		bounds = img.Bounds()
	}
	flat := make([]float32, mnist.Width*mnist.Height)
	for y := 0; y < mnist.Height; y++ {
		for x := 0; x < mnist.Width; x++ {
			gray := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			flat[y*mnist.Width+x] = float32(gray.Y) / 255.0
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, mnist.Height, mnist.Width, 1)
}
