package dataset

import (
	"encoding/json"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
)

// SplitRatios defines the fraction of samples assigned to each split. The
// three values must be non-negative and sum to 1.
type SplitRatios struct {
	Train      float64 `json:"train"`
	Validation float64 `json:"validation"`
	Test       float64 `json:"test"`
}

// DefaultSplitRatios is the usual 80/10/10 partition.
var DefaultSplitRatios = SplitRatios{Train: 0.8, Validation: 0.1, Test: 0.1}

// Validate returns an error if the ratios do not describe a partition.
func (r SplitRatios) Validate() error {
	if r.Train < 0 || r.Validation < 0 || r.Test < 0 {
		return errors.Errorf("split ratios must be non-negative, got %+v", r)
	}
	if sum := r.Train + r.Validation + r.Test; math.Abs(sum-1.0) > 1e-6 {
		return errors.Errorf("split ratios must sum to 1, got %+v (sum=%g)", r, sum)
	}
	return nil
}

// Split is a disjoint partition of the samples.
type Split struct {
	Train      []Sample `json:"train"`
	Validation []Sample `json:"validation"`
	Test       []Sample `json:"test"`
}

// SplitSamples partitions samples into train/validation/test with a shuffle
// seeded by seed: the same samples and seed always produce the same split.
// Validation and test sizes are rounded down, and any remainder goes to the
// training split.
func SplitSamples(samples []Sample, ratios SplitRatios, seed int64) (Split, error) {
	if err := ratios.Validate(); err != nil {
		return Split{}, err
	}
	n := len(samples)
	numValidation := int(ratios.Validation * float64(n))
	numTest := int(ratios.Test * float64(n))
	numTrain := n - numValidation - numTest

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	shuffled := make([]Sample, n)
	for ii, idx := range perm {
		shuffled[ii] = samples[idx]
	}
	return Split{
		Train:      shuffled[:numTrain],
		Validation: shuffled[numTrain : numTrain+numValidation],
		Test:       shuffled[numTrain+numValidation:],
	}, nil
}

// Manifest records how a dataset was split, so a run can be audited or the
// exact split reused later.
type Manifest struct {
	Classes []string    `json:"classes"`
	Seed    int64       `json:"seed"`
	Ratios  SplitRatios `json:"ratios"`
	Split   Split       `json:"split"`
}

// WriteManifest saves the manifest as an indented JSON file.
func WriteManifest(path string, m *Manifest) error {
	encoded, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode split manifest")
	}
	if err = os.WriteFile(path, encoded, 0644); err != nil {
		return errors.Wrapf(err, "failed to write split manifest to %q", path)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read split manifest from %q", path)
	}
	m := &Manifest{}
	if err = json.Unmarshal(encoded, m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse split manifest %q", path)
	}
	return m, nil
}
