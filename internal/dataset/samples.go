// Package dataset loads labeled pet images from a directory tree, splits them
// deterministically into train/validation/test, and serves them as tensor
// batches implementing train.Dataset.
//
// The expected layout is one subdirectory per class, holding jpeg or png files:
//
//	<root>/cats/0001.jpg
//	<root>/dogs/0001.jpg
//
// Exactly two classes are supported. Classes are sorted lexicographically and
// mapped to labels 0 and 1.
package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// NumClasses is fixed: the classifier separates two visually similar classes.
const NumClasses = 2

// Sample is one labeled image on disk. Label is the index of the class in the
// sorted class list.
type Sample struct {
	Path  string `json:"path"`
	Label int32  `json:"label"`
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// ListClasses returns the class subdirectories of root, sorted. It is an
// error (a fatal misconfiguration) if root does not hold exactly NumClasses
// subdirectories.
func ListClasses(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset root %q", root)
	}
	var classes []string
	for _, entry := range entries {
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	if len(classes) != NumClasses {
		return nil, errors.Errorf(
			"dataset root %q must hold exactly %d class directories, found %d (%v)",
			root, NumClasses, len(classes), classes)
	}
	return classes, nil
}

// EnumerateSamples lists the classes of root and every image file under them.
// Samples are returned in deterministic order (classes sorted, files sorted
// within each class). A class directory without a single image file is an
// error.
func EnumerateSamples(root string) (classes []string, samples []Sample, err error) {
	classes, err = ListClasses(root)
	if err != nil {
		return nil, nil, err
	}
	for label, class := range classes {
		dir := filepath.Join(root, class)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read class directory %q", dir)
		}
		count := 0
		for _, entry := range entries {
			if entry.IsDir() || !isImageFile(entry.Name()) {
				continue
			}
			samples = append(samples, Sample{
				Path:  filepath.Join(dir, entry.Name()),
				Label: int32(label),
			})
			count++
		}
		if count == 0 {
			return nil, nil, errors.Errorf("class directory %q holds no image files", dir)
		}
	}
	return classes, samples, nil
}

// ReadImage opens and decodes one image file.
func ReadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return img, nil
}
