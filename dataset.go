// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist trains and evaluates the two classic classifiers for the
// MNIST database of handwritten digits -- a small fully-connected ("dense")
// network and a small convolutional network -- using GoMLX for all the
// machine learning: tensors, layers, gradients, optimizers and the training
// loop itself.
//
// The package provides the dataset (download + parsing of the original IDX
// files), the two model graph functions and the training/evaluation
// pipeline. See the `demo` sub-directory for a command-line trainer and
// `classifier` for serving a trained model.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"

	"github.com/alexpberger/mnist-classification/downloader"
)

const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	// Width and Height of every MNIST image.
	Width  = 28
	Height = 28

	// NumClasses is the number of different digits, 0 to 9.
	NumClasses = 10

	// NumTrainExamples and NumTestExamples are the sizes of the canonical
	// MNIST split.
	NumTrainExamples = 60000
	NumTestExamples  = 10000

	imagesMagic = 0x00000803
	labelsMagic = 0x00000801
)

// DType used for the images and one-hot labels throughout the package.
var DType = dtypes.Float32

// Image is one MNIST image: a 28x28 grid of bytes, 0 is black (background)
// and 255 is white (the digit stroke). It implements image.Image.
type Image [Width * Height]byte

// Label is the digit depicted in an Image, from 0 to 9.
type Label = int8

var _ image.Image = &Image{}

// ColorModel implements the image.Image interface.
func (img *Image) ColorModel() color.Model { return color.GrayModel }

// Bounds implements the image.Image interface.
func (img *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, Width, Height)
}

// At implements the image.Image interface.
func (img *Image) At(x, y int) color.Color {
	return color.Gray{Y: img[y*Width+x]}
}

// Set modifies the pixel at (x, y).
func (img *Image) Set(x, y int, v byte) {
	img[y*Width+x] = v
}

// Partition refers to one side of the canonical MNIST train/test split.
type Partition int

const (
	// Train partition, with 60000 examples.
	Train Partition = iota

	// Test partition, with 10000 examples, held out for evaluation.
	Test
)

// String implements fmt.Stringer.
func (p Partition) String() string {
	if p == Train {
		return "train"
	}
	return "test"
}

var partitionFiles = map[Partition][2]string{
	Train: {trainImagesFilename, trainLabelsFilename},
	Test:  {testImagesFilename, testLabelsFilename},
}

var partitionSizes = map[Partition]int{
	Train: NumTrainExamples,
	Test:  NumTestExamples,
}

// Download retrieves the 4 MNIST files to baseDir, if they are not there
// already. The files are kept in their original gzip'ed IDX format and
// parsed directly from it.
func Download(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	for _, file := range []string{trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename} {
		fileURL, err := url.JoinPath(downloadURL, file)
		if err != nil {
			return errors.Wrapf(err, "invalid URL for MNIST file %q", file)
		}
		if err := downloader.DownloadIfMissing(fileURL, path.Join(baseDir, file), ""); err != nil {
			return errors.WithMessagef(err, "failed to download MNIST file %q", file)
		}
	}
	return nil
}

// imagesFileHeader and labelsFileHeader mirror the big-endian IDX headers.
type imagesFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelsFileHeader struct {
	Magic     int32
	NumLabels int32
}

// loadImagesFile parses a gzip'ed IDX images file and returns the images in
// their original order.
func loadImagesFile(filePath string) ([]Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	var header imagesFileHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read IDX header of %q", filePath)
	}
	if header.Magic != imagesMagic {
		return nil, errors.Errorf("invalid magic number 0x%08x (wanted 0x%08x) in images file %q",
			header.Magic, imagesMagic, filePath)
	}
	if header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("images file %q holds %dx%d images, expected %dx%d",
			filePath, header.Width, header.Height, Width, Height)
	}
	if header.NumImages < 0 {
		return nil, errors.Errorf("invalid number of images %d in %q", header.NumImages, filePath)
	}

	images := make([]Image, header.NumImages)
	for i := range images {
		if err := binary.Read(reader, binary.BigEndian, &images[i]); err != nil {
			return nil, errors.Wrapf(err, "images file %q truncated at image %d of %d",
				filePath, i, header.NumImages)
		}
	}
	return images, nil
}

// loadLabelsFile parses a gzip'ed IDX labels file and returns the labels in
// their original order.
func loadLabelsFile(filePath string) ([]Label, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	var header labelsFileHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read IDX header of %q", filePath)
	}
	if header.Magic != labelsMagic {
		return nil, errors.Errorf("invalid magic number 0x%08x (wanted 0x%08x) in labels file %q",
			header.Magic, labelsMagic, filePath)
	}
	if header.NumLabels < 0 {
		return nil, errors.Errorf("invalid number of labels %d in %q", header.NumLabels, filePath)
	}

	labels := make([]Label, header.NumLabels)
	if err := binary.Read(reader, binary.BigEndian, labels); err != nil {
		return nil, errors.Wrapf(err, "labels file %q truncated, expected %d labels",
			filePath, header.NumLabels)
	}
	for i, label := range labels {
		if label < 0 || label >= NumClasses {
			return nil, errors.Errorf("labels file %q holds invalid label %d at position %d",
				filePath, label, i)
		}
	}
	return labels, nil
}

// Assert Dataset can be used by train.Loop.
var _ train.Dataset = &Dataset{}

// Dataset implements train.Dataset for one MNIST partition, so it can be
// used directly by train.Trainer and train.Loop for training and
// evaluation.
//
// Every yielded batch holds the images shaped [batch_size, 28, 28, 1],
// rescaled to [0, 1], and the labels one-hot encoded to shape
// [batch_size, NumClasses].
//
// Configure batching and shuffling with the BatchSize, Shuffle and Infinite
// chained setters before the first Yield. Yield and Reset are safe for
// concurrent calls, as required to wrap the dataset with
// data.CustomParallel for parallel prefetching.
type Dataset struct {
	name   string
	images []Image
	labels []Label

	batchSize           int
	dropIncompleteBatch bool
	infinite            bool
	shuffle             *rand.Rand

	muYield sync.Mutex
	indices []int
	pos     int
}

// NewDataset loads the given MNIST partition from the files in baseDir --
// download them first with Download. It returns an error if the files are
// missing or malformed.
//
// The returned dataset yields batches of 1 example, in order, for one
// epoch. Usually one follows with the configuration methods:
//
//	ds := must.M1(mnist.NewDataset("train", baseDir, mnist.Train)).
//		BatchSize(128, true).
//		Shuffle(rng)
func NewDataset(name, baseDir string, partition Partition) (*Dataset, error) {
	baseDir = data.ReplaceTildeInDir(baseDir)
	files := partitionFiles[partition]
	images, err := loadImagesFile(path.Join(baseDir, files[0]))
	if err != nil {
		return nil, err
	}
	labels, err := loadLabelsFile(path.Join(baseDir, files[1]))
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("MNIST %s partition has %d images but %d labels",
			partition, len(images), len(labels))
	}
	if want := partitionSizes[partition]; len(images) != want {
		return nil, errors.Errorf("MNIST %s partition has %d examples, expected %d",
			partition, len(images), want)
	}
	ds := &Dataset{
		name:      name,
		images:    images,
		labels:    labels,
		batchSize: 1,
	}
	ds.resetIndices()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples in the partition this dataset was loaded from.
func (ds *Dataset) NumExamples() int { return len(ds.images) }

// ImageAt returns the i-th image, usable as an image.Image.
func (ds *Dataset) ImageAt(i int) image.Image { return &ds.images[i] }

// LabelAt returns the label of the i-th image.
func (ds *Dataset) LabelAt(i int) Label { return ds.labels[i] }

// BatchSize sets the batch size. If dropIncompleteBatch is set, a last
// batch with fewer than batchSize examples is dropped -- this keeps the
// graph shapes constant during training, avoiding one extra
// JIT-compilation. It returns the updated dataset, to allow chaining of
// configuration calls.
func (ds *Dataset) BatchSize(batchSize int, dropIncompleteBatch bool) *Dataset {
	if batchSize <= 0 {
		batchSize = 1
	}
	ds.batchSize = batchSize
	ds.dropIncompleteBatch = dropIncompleteBatch
	return ds
}

// Shuffle makes the dataset yield examples in random order, reshuffled at
// every epoch. It returns the updated dataset.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.resetIndices()
	return ds
}

// Infinite makes the dataset loop forever, never returning io.EOF -- to be
// used with train.Loop.RunSteps. Finite datasets (the default) yield one
// epoch and then io.EOF, as expected by train.Loop.RunEpochs.
// It returns the updated dataset.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// Copy returns a dataset sharing the loaded examples, but with independent
// batching, shuffling and iteration state.
func (ds *Dataset) Copy() *Dataset {
	ds2 := &Dataset{
		name:                ds.name,
		images:              ds.images,
		labels:              ds.labels,
		batchSize:           ds.batchSize,
		dropIncompleteBatch: ds.dropIncompleteBatch,
		infinite:            ds.infinite,
		shuffle:             ds.shuffle,
	}
	ds2.resetIndices()
	return ds2
}

func (ds *Dataset) resetIndices() {
	if cap(ds.indices) < len(ds.images) {
		ds.indices = make([]int, len(ds.images))
	}
	ds.indices = ds.indices[:len(ds.images)]
	if ds.shuffle != nil {
		copy(ds.indices, ds.shuffle.Perm(len(ds.images)))
	} else {
		for i := range ds.indices {
			ds.indices[i] = i
		}
	}
	ds.pos = 0
}

// Reset implements train.Dataset: it restarts the epoch, reshuffling if
// the dataset is configured to shuffle.
func (ds *Dataset) Reset() {
	ds.muYield.Lock()
	defer ds.muYield.Unlock()
	ds.resetIndices()
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the dataset itself, not used by the models.
//   - inputs: one tensor with the images batch, shaped
//     [batch_size, 28, 28, 1], values rescaled to [0, 1].
//   - labels: one tensor with the one-hot encoded labels, shaped
//     [batch_size, NumClasses].
//
// It returns io.EOF at the end of an epoch, except if configured with
// Infinite(true), in which case it restarts automatically.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muYield.Lock()
	defer ds.muYield.Unlock()

	remaining := len(ds.indices) - ds.pos
	if remaining == 0 || (ds.dropIncompleteBatch && remaining < ds.batchSize) {
		if !ds.infinite {
			return nil, nil, nil, io.EOF
		}
		ds.resetIndices()
		remaining = len(ds.indices)
	}
	batchSize := min(ds.batchSize, remaining)
	batch := ds.indices[ds.pos : ds.pos+batchSize]
	ds.pos += batchSize

	imagesT := batchImagesTensor(Select(ds.images, batch))
	labelsT := batchLabelsTensor(Select(ds.labels, batch))
	return ds, []*tensors.Tensor{imagesT}, []*tensors.Tensor{labelsT}, nil
}

// batchImagesTensor converts the batch of images to a [batch, 28, 28, 1]
// tensor, rescaling the byte pixel values to [0, 1].
func batchImagesTensor(images []Image) *tensors.Tensor {
	flat := make([]float32, len(images)*Width*Height)
	for i := range images {
		base := i * Width * Height
		for p, v := range images[i] {
			flat[base+p] = float32(v) / 255.0
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(images), Height, Width, 1)
}

// batchLabelsTensor one-hot encodes the batch of labels into a
// [batch, NumClasses] tensor.
func batchLabelsTensor(labels []Label) *tensors.Tensor {
	flat := make([]float32, len(labels)*NumClasses)
	for i, label := range labels {
		flat[i*NumClasses+int(label)] = 1
	}
	return tensors.FromFlatDataAndDimensions(flat, len(labels), NumClasses)
}

// IsOwnershipTransferred tells the training loop it may free the yielded
// tensors: new ones are allocated at every batch.
func (ds *Dataset) IsOwnershipTransferred() bool { return true }

// DatasetsConfiguration for CreateDatasets.
type DatasetsConfiguration struct {
	// DataDir where the downloaded dataset files are stored.
	DataDir string

	// BatchSize for training, EvalBatchSize for evaluation batches --
	// evaluation can usually afford larger batches.
	BatchSize, EvalBatchSize int

	// UseParallelism wraps the datasets with parallel prefetching.
	UseParallelism bool

	// BufferSize used by data.CustomParallel to cache pre-generated
	// batches, per dataset.
	BufferSize int

	// Shuffle used for the training dataset. If nil, no shuffling.
	Shuffle *rand.Rand

	// InfiniteTrain makes the training dataset loop forever, for use with
	// train.Loop.RunSteps. The default (false) yields per-epoch io.EOF,
	// for train.Loop.RunEpochs.
	InfiniteTrain bool

	// Verbosity of logging; at >= 1 the dataset sizes are printed.
	Verbosity int
}

// CreateDatasets loads MNIST once and returns the three datasets used by
// the training pipeline: the shuffled training dataset and the two
// evaluation datasets (on the training and on the held-out test data).
//
// The train and test partitions are each parsed from their own raw files,
// so the two model pipelines can prepare their data independently -- there
// is no shared mutable tensor state between them.
func CreateDatasets(config *DatasetsConfiguration) (trainDS, trainEvalDS, testEvalDS train.Dataset, err error) {
	baseTrain, err := NewDataset("train", config.DataDir, Train)
	if err != nil {
		return
	}
	baseTest, err := NewDataset("test", config.DataDir, Test)
	if err != nil {
		return
	}
	if config.Verbosity >= 1 {
		bytesPerExample := int64(Width * Height)
		fmt.Printf("\tMNIST: %s train + %s test examples (%s raw)\n",
			humanize.Comma(int64(baseTrain.NumExamples())),
			humanize.Comma(int64(baseTest.NumExamples())),
			humanize.Bytes(uint64(bytesPerExample*int64(baseTrain.NumExamples()+baseTest.NumExamples()))))
	}

	evalBatchSize := config.EvalBatchSize
	if evalBatchSize <= 0 {
		evalBatchSize = config.BatchSize
	}
	trainDS = baseTrain.Copy().BatchSize(config.BatchSize, true).Shuffle(config.Shuffle).Infinite(config.InfiniteTrain)
	trainEvalDS = baseTrain.Copy().BatchSize(evalBatchSize, false)
	testEvalDS = baseTest.BatchSize(evalBatchSize, false)

	if config.UseParallelism {
		trainDS = data.CustomParallel(trainDS).Buffer(config.BufferSize).Start()
		trainEvalDS = data.CustomParallel(trainEvalDS).Buffer(config.BufferSize).Start()
		testEvalDS = data.CustomParallel(testEvalDS).Buffer(config.BufferSize).Start()
	}
	return
}

// Select returns the items at the given indices, dropping out-of-range
// ones (negative included).
func Select[T any, I constraints.Integer](items []T, indices []I) []T {
	selected := make([]T, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && int(i) < len(items) {
			selected = append(selected, items[i])
		}
	}
	return selected
}
