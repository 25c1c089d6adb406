// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// MNIST demo trainer.
//
// It trains the dense (fully-connected) baseline, the convolutional model,
// or both in sequence -- in which case it prints a comparison of the two
// models' error rates on the held-out test data.
//
// Hyperparameters can be set with --set, e.g.:
//
//	demo --model=cnn --set="epochs=10;batch_size=32"
package main

import (
	"flag"
	"fmt"
	"path"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	mnist "github.com/alexpberger/mnist-classification"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir  = flag.String("data", "~/work/mnist", "Directory to cache the downloaded dataset.")
	flagModel    = flag.String("model", "both", "Model to train: \"dense\", \"cnn\" or \"both\".")
	flagDownload = flag.Bool("download", false, "Only download the dataset and exit.")

	// Checkpointing: disabled if left empty. With --model=both, each model
	// checkpoints to its own sub-directory.
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from.")

	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity; 0 for progress bar only, -1 for quiet.")
)

func main() {
	// The context settings flag (--set) validates against the default
	// hyperparameters; they are shared by both models.
	settings := commandline.CreateContextSettingsFlag(mnist.CreateDenseContext(), "")
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](func() { run(*settings) })
	if err != nil {
		klog.Fatalf("Failed:\n%+v", err)
	}
}

func run(settings string) {
	if *flagDownload {
		must.M(mnist.Download(*flagDataDir))
		klog.Infof("MNIST dataset available in %s", *flagDataDir)
		return
	}

	var modelTypes []string
	switch *flagModel {
	case "both":
		modelTypes = mnist.ValidModels
	case "dense", "cnn":
		modelTypes = []string{*flagModel}
	default:
		exceptions.Panicf("invalid --model=%q, valid values are \"dense\", \"cnn\" or \"both\"", *flagModel)
	}

	results := make([]mnist.EvalResult, 0, len(modelTypes))
	for _, modelType := range modelTypes {
		ctx := mnist.CreateModelContext(modelType)
		paramsSet := must.M1(commandline.ParseContextSettings(ctx, settings))
		checkpointPath := *flagCheckpoint
		if checkpointPath != "" && len(modelTypes) > 1 {
			checkpointPath = path.Join(checkpointPath, modelType)
		}
		if *flagVerbosity >= 0 {
			if trainSteps := context.GetParamOr(ctx, "train_steps", 0); trainSteps > 0 {
				fmt.Printf("Training %q for %d steps:\n", modelType, trainSteps)
			} else {
				fmt.Printf("Training %q for %d epochs:\n", modelType, context.GetParamOr(ctx, "epochs", 0))
			}
		}
		results = append(results, must.M1(
			mnist.TrainModel(ctx, *flagDataDir, checkpointPath, *flagVerbosity, paramsSet)))
	}

	if len(results) == 2 {
		fmt.Println()
		fmt.Println(mnist.ComparisonTable(results...))
		improvement := mnist.ErrorRateImprovement(results[0], results[1])
		fmt.Printf("The convolutional model's error rate is %.1f%% lower than the dense baseline's.\n",
			100*improvement)
	}
}
