package dataset

import (
	"image"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset implements train.Dataset over a list of Samples: each Yield returns
// a batch of images shaped [batch, size, size, 3], scaled to [0, 1], and the
// matching labels shaped [batch, 1].
//
// Unreadable images are skipped with a warning. The final batch of an epoch
// may be smaller than the configured batch size.
type Dataset struct {
	name      string
	samples   []Sample
	batchSize int
	imageSize int
	dtype     dtypes.DType
	toTensor  *timage.ToTensorConfig

	augment *Augmentation
	shuffle bool
	rng     *rand.Rand

	// mu protects order and next.
	mu    sync.Mutex
	order []int
	next  int
}

var _ train.Dataset = &Dataset{}

// New creates a Dataset yielding batches of batchSize images resized to
// imageSize². By default it iterates the samples in order, without
// augmentation, and ends the epoch with io.EOF; see WithShuffle and
// WithAugmentation.
func New(name string, samples []Sample, batchSize, imageSize int, dtype dtypes.DType) *Dataset {
	ds := &Dataset{
		name:      name,
		samples:   samples,
		batchSize: batchSize,
		imageSize: imageSize,
		dtype:     dtype,
		toTensor:  timage.ToTensor(dtype),
		rng:       rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
	}
	ds.Reset()
	return ds
}

// WithRand injects the random number generator driving shuffling and
// augmentation, making the dataset reproducible. Returns ds to allow
// chaining.
func (ds *Dataset) WithRand(rng *rand.Rand) *Dataset {
	ds.rng = rng
	return ds
}

// WithShuffle reshuffles the iteration order on every Reset. Returns ds to
// allow chaining.
func (ds *Dataset) WithShuffle() *Dataset {
	ds.shuffle = true
	ds.Reset()
	return ds
}

// WithAugmentation applies the given stochastic transformations to every
// yielded image. Returns ds to allow chaining.
func (ds *Dataset) WithAugmentation(a *Augmentation) *Dataset {
	ds.augment = a
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumSamples returns the number of samples served per epoch.
func (ds *Dataset) NumSamples() int { return len(ds.samples) }

// Yield implements train.Dataset. The spec is the Dataset itself; inputs
// holds one tensor shaped [batch, size, size, 3] and labels one tensor shaped
// [batch, 1] with int32 class indices.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	spec = ds
	images := make([]image.Image, 0, ds.batchSize)
	labelRows := make([][]int32, 0, ds.batchSize)
	attempted := 0
	for len(images) < ds.batchSize && ds.next < len(ds.order) {
		sample := ds.samples[ds.order[ds.next]]
		ds.next++
		attempted++
		img, imgErr := ReadImage(sample.Path)
		if imgErr != nil {
			klog.Warningf("Skipping unreadable image: %v", imgErr)
			continue
		}
		if ds.augment != nil {
			img = ds.augment.Apply(ds.rng, img, ds.imageSize)
		} else {
			img = ResizeForEval(img, ds.imageSize)
		}
		images = append(images, img)
		labelRows = append(labelRows, []int32{sample.Label})
	}
	if len(images) == 0 {
		if attempted > 0 {
			// Every candidate of the batch failed to decode: unlike
			// individual corrupt files, this aborts the run.
			return nil, nil, nil, errors.Errorf(
				"dataset %q: all %d images of a batch failed to decode", ds.name, attempted)
		}
		return nil, nil, nil, io.EOF
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{tensors.FromValue(labelRows)}
	return
}

// Reset implements train.Dataset, restarting the epoch and reshuffling if the
// dataset was configured with WithShuffle.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if len(ds.order) != len(ds.samples) {
		ds.order = make([]int, len(ds.samples))
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	ds.next = 0
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}
