// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
)

// The labels yielded by Dataset are dense one-hot vectors, not sparse
// integer classes, so the stock sparse-categorical accuracy metrics don't
// apply; these are the one-hot counterparts, built on the same metric
// machinery.

// CategoricalAccuracyGraph returns the accuracy of the batch: the fraction
// of examples where argmax(logits) picks the class marked in the one-hot
// labels. It works for both probabilities and logits.
//
// labels and logits (predictions) must both be shaped
// [batch_size, num_classes].
func CategoricalAccuracyGraph(_ *context.Context, labels, logits []*Node) *Node {
	labels0, logits0 := labels[0], logits[0]
	if labels0.Rank() != 2 || !labels0.Shape().Equal(logits0.Shape()) {
		exceptions.Panicf("CategoricalAccuracyGraph requires labels (%s) and logits (%s) to be rank-2 and equal shaped",
			labels0.Shape(), logits0.Shape())
	}
	predicted := ArgMax(logits0, -1, dtypes.Int32)
	truth := ArgMax(labels0, -1, dtypes.Int32)
	correct := ConvertDType(Equal(predicted, truth), logits0.DType())
	return ReduceAllMean(correct)
}

// NewMeanCategoricalAccuracy returns a mean accuracy metric for dense
// one-hot labels, with the given names.
func NewMeanCategoricalAccuracy(name, shortName string) metrics.Interface {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, CategoricalAccuracyGraph, nil)
}

// NewMovingAverageCategoricalAccuracy returns an exponentially moving
// average accuracy metric for dense one-hot labels, with the given names.
// A typical newExampleWeight is 0.01; the smaller the value, the slower the
// average moves.
func NewMovingAverageCategoricalAccuracy(name, shortName string, newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(name, shortName, metrics.AccuracyMetricType,
		CategoricalAccuracyGraph, nil, newExampleWeight)
}
