// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"fmt"
	"math/rand"
	"os"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ValidModels is the list of model types supported: the fully-connected
// baseline and the convolutional network.
var ValidModels = []string{"dense", "cnn"}

// ParamsExcludedFromSaving is the list of hyperparameters that shouldn't be
// saved along the model checkpoints, and may be overwritten in further
// training sessions.
var ParamsExcludedFromSaving = []string{"data_dir", "epochs", "train_steps", "num_checkpoints"}

// Losses supported, by the value of the "loss" hyperparameter. The labels
// are dense one-hot vectors, hence the (non-sparse) categorical
// cross-entropy.
var Losses = map[string]losses.LossFn{
	"cross-entropy": losses.CategoricalCrossEntropyLogits,
}

// Backend is created once and reused if training is called multiple times.
var Backend backends.Backend

// getBackend returns the shared Backend, creating it on first use.
func getBackend() backends.Backend {
	if Backend == nil {
		Backend = backends.MustNew()
	}
	return Backend
}

// CreateDenseContext returns a context set with the default hyperparameters
// for the fully-connected model: 5 epochs with mini-batches of 128.
func CreateDenseContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"model": "dense",
		"loss":  "cross-entropy",

		// Fixed number of full passes over the training data. If
		// "train_steps" is set (> 0), it takes precedence and the training
		// dataset loops endlessly instead.
		"epochs":      5,
		"train_steps": 0,

		"batch_size": 128,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 1000,

		"num_checkpoints": 3,

		ParamDenseHiddenUnits: 512,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// CreateConvContext returns a context set with the default hyperparameters
// for the convolutional model: 5 epochs with mini-batches of 64.
func CreateConvContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"model": "cnn",
		"loss":  "cross-entropy",

		"epochs":      5,
		"train_steps": 0,

		"batch_size": 64,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 1000,

		"num_checkpoints": 3,

		ParamConvHiddenUnits: 64,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// CreateModelContext returns the default hyperparameter context for the
// given model type. It panics on unknown model types -- see ValidModels.
func CreateModelContext(model string) *context.Context {
	switch model {
	case "dense":
		return CreateDenseContext()
	case "cnn":
		return CreateConvContext()
	}
	exceptions.Panicf("unknown model type %q, valid values are %v", model, ValidModels)
	panic(nil) // Never reached.
}

// SelectModelFn returns the model graph function selected by the "model"
// hyperparameter in ctx.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	modelType := context.GetParamOr(ctx, "model", ValidModels[0])
	if slices.Index(ValidModels, modelType) == -1 {
		return nil, errors.Errorf("hyperparameter \"model\" must take one value from %v, got %q",
			ValidModels, modelType)
	}
	if modelType == "cnn" {
		return ConvModelGraph, nil
	}
	return DenseModelGraph, nil
}

// selectLossFn returns the loss selected by the "loss" hyperparameter.
// Unknown loss names are a fatal configuration error.
func selectLossFn(ctx *context.Context) (losses.LossFn, error) {
	lossName := context.GetParamOr(ctx, "loss", "cross-entropy")
	lossFn, found := Losses[lossName]
	if !found {
		valid := make([]string, 0, len(Losses))
		for name := range Losses {
			valid = append(valid, name)
		}
		return nil, errors.Errorf("hyperparameter \"loss\" must take one value from %v, got %q",
			valid, lossName)
	}
	return lossFn, nil
}

// EvalResult is the immutable record produced by one evaluation pass:
// the mean loss and the accuracy (fraction of correctly predicted digits)
// of a model over one dataset.
type EvalResult struct {
	// Model type evaluated, one of ValidModels.
	Model string

	// Dataset name the model was evaluated on.
	Dataset string

	// Loss is the mean categorical cross-entropy, always >= 0.
	Loss float64

	// Accuracy in [0, 1].
	Accuracy float64
}

// ErrorRate is 1 - accuracy.
func (r EvalResult) ErrorRate() float64 { return 1 - r.Accuracy }

// String implements fmt.Stringer.
func (r EvalResult) String() string {
	return fmt.Sprintf("%s on %s: accuracy=%.2f%%, loss=%.4f", r.Model, r.Dataset, 100*r.Accuracy, r.Loss)
}

// Evaluate runs the trainer's evaluation metrics over the full dataset and
// returns the named scalar results.
func Evaluate(trainer *train.Trainer, ds train.Dataset) (result EvalResult, err error) {
	modelType := context.GetParamOr(trainer.Context(), "model", ValidModels[0])
	result = EvalResult{Model: modelType, Dataset: ds.Name()}
	var metricsValues []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		metricsValues = trainer.Eval(ds)
	})
	if err != nil {
		return EvalResult{}, errors.WithMessagef(err, "failed to evaluate on dataset %q", ds.Name())
	}
	ds.Reset()
	for metricIdx, metric := range trainer.EvalMetrics() {
		value := metricScalar(metricsValues[metricIdx])
		switch metric.MetricType() {
		case metrics.LossMetricType:
			result.Loss = value
		case metrics.AccuracyMetricType:
			result.Accuracy = value
		}
	}
	return result, nil
}

// metricScalar converts a scalar metric tensor to float64.
func metricScalar(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	exceptions.Panicf("metric value has dtype %s, expected a float scalar", t.DType())
	panic(nil) // Never reached.
}

// TrainModel trains the model configured in ctx (see CreateDenseContext and
// CreateConvContext) and returns the evaluation on the held-out test data.
//
//   - dataDir: where the dataset is downloaded to (created if missing).
//   - checkpointPath: where to save checkpoints; no checkpointing if empty.
//     A relative path is taken relative to dataDir.
//   - verbosity: -1 silences the progress bar, >= 1 adds extra reporting.
//   - paramsSet: hyperparameters changed on the command line, excluded from
//     checkpoint saving.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, verbosity int, paramsSet []string) (result EvalResult, err error) {
	err = exceptions.TryCatch[error](func() {
		result = must.M1(trainModel(ctx, dataDir, checkpointPath, verbosity, paramsSet))
	})
	return
}

func trainModel(ctx *context.Context, dataDir, checkpointPath string, verbosity int, paramsSet []string) (result EvalResult, err error) {
	dataDir = data.ReplaceTildeInDir(dataDir)
	if !data.FileExists(dataDir) {
		if err = os.MkdirAll(dataDir, 0777); err != nil {
			return result, errors.Wrapf(err, "failed to create data directory %q", dataDir)
		}
	}
	if err = Download(dataDir); err != nil {
		return result, err
	}

	backend := getBackend()
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	modelFn, err := SelectModelFn(ctx)
	if err != nil {
		return result, err
	}
	lossFn, err := selectLossFn(ctx)
	if err != nil {
		return result, err
	}
	modelType := context.GetParamOr(ctx, "model", ValidModels[0])
	if verbosity >= 1 {
		fmt.Printf("Model: %s\n", modelType)
	}

	// Create datasets used for training and evaluation.
	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		return result, errors.Errorf("batch_size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	trainSteps := context.GetParamOr(ctx, "train_steps", 0)
	epochs := context.GetParamOr(ctx, "epochs", 5)
	dsConfig := &DatasetsConfiguration{
		DataDir:        dataDir,
		BatchSize:      batchSize,
		EvalBatchSize:  context.GetParamOr(ctx, "eval_batch_size", 0),
		UseParallelism: true,
		BufferSize:     100,
		Shuffle:        rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
		InfiniteTrain:  trainSteps > 0,
		Verbosity:      verbosity,
	}
	trainDS, trainEvalDS, testEvalDS, err := CreateDatasets(dsConfig)
	if err != nil {
		return result, err
	}

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return result, errors.WithMessagef(err, "failed to set up checkpointing to %q", checkpointPath)
		}
		if verbosity >= 1 {
			fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		}
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Metrics we are interested in.
	meanAccuracyMetric := NewMeanCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := NewMovingAverageCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// The trainer orchestrates running the model graph, feeding results to
	// the optimizer and updating the metrics.
	trainer := train.NewTrainer(backend, ctx, modelFn, lossFn,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving every 3 minutes of training.
	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Run the training loop: a fixed number of epochs by default, or a
	// fixed number of steps if "train_steps" is set.
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if trainSteps > 0 {
		if globalStep < trainSteps {
			_ = must.M1(loop.RunSteps(trainDS, trainSteps-globalStep))
		} else if verbosity >= 0 {
			fmt.Printf("\t - target train_steps=%d already reached at global_step=%d, skipping training.\n",
				trainSteps, globalStep)
		}
	} else {
		_ = must.M1(loop.RunEpochs(trainDS, epochs))
	}
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}

	// Evaluation on train and held-out test data.
	if verbosity >= 1 {
		trainResult := must.M1(Evaluate(trainer, trainEvalDS))
		fmt.Printf("\t%s\n", trainResult)
	}
	result, err = Evaluate(trainer, testEvalDS)
	if err != nil {
		return result, err
	}
	if verbosity >= 0 {
		fmt.Printf("\t%s\n", result)
	}
	return result, nil
}
