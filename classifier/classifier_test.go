// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"image"
	"image/color"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mnist "github.com/alexpberger/mnist-classification"

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

func grayImage(width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: byte((x + y) % 256)})
		}
	}
	return img
}

func TestImageToTensor(t *testing.T) {
	input := imageToTensor(grayImage(mnist.Width, mnist.Height))
	require.Equal(t, []int{mnist.Height, mnist.Width, 1}, input.Shape().Dimensions)
	flat := tensors.CopyFlatData[float32](input)
	require.Len(t, flat, mnist.Width*mnist.Height)
	assert.Equal(t, float32(0), flat[0])
	assert.Equal(t, float32(3)/255, flat[1*mnist.Width+2])
}

func TestImageToTensorResizes(t *testing.T) {
	input := imageToTensor(grayImage(56, 70))
	require.Equal(t, []int{mnist.Height, mnist.Width, 1}, input.Shape().Dimensions)
	for p, v := range tensors.CopyFlatData[float32](input) {
		require.Truef(t, v >= 0 && v <= 1, "pixel %d is %f, out of the [0, 1] range", p, v)
	}
}

// TestClassifier trains a throwaway dense model for a few steps, then loads
// it back from its checkpoint and runs inference.
//
// It has to download the training data to the test's temporary directory,
// so it is disabled for short tests.
func TestClassifier(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}

	tmpDir := t.TempDir()
	dataDir := path.Join(tmpDir, "mnist")
	checkpointDir := path.Join(tmpDir, "checkpoint")
	ctx := mnist.CreateDenseContext()
	ctx.SetParam("train_steps", 10) // Only 10 steps.
	_, err := mnist.TrainModel(ctx, dataDir, checkpointDir, -1, nil)
	require.NoError(t, err)

	c, err := New(checkpointDir)
	require.NoError(t, err)

	ds, err := mnist.NewDataset("test", dataDir, mnist.Test)
	require.NoError(t, err)
	img := ds.ImageAt(0)

	digit, err := c.Classify(img)
	require.NoError(t, err)
	assert.True(t, digit >= 0 && digit < mnist.NumClasses, "classified digit %d out of range", digit)

	probs, err := c.Probabilities(img)
	require.NoError(t, err)
	require.Len(t, probs, mnist.NumClasses)
	var sum float32
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, float32(0))
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-4)

	// The most probable digit is the classified one.
	best := mnist.Label(0)
	for class, p := range probs {
		if p > probs[best] {
			best = mnist.Label(class)
		}
	}
	assert.Equal(t, digit, best)
}
