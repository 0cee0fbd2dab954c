package dataset

import (
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ManifestFileName is where WriteProcessedImages stores the split manifest,
// relative to the processed-data directory.
const ManifestFileName = "manifest.json"

// WriteProcessedImages materializes the split on disk: every sample is
// resized to imageSize² and saved under <baseDir>/<split>/<class>/, and the
// manifest is written alongside. Corrupt source images are skipped with a
// warning, matching the behavior of the streaming Dataset.
//
// If verbose is set it displays a progress bar.
func WriteProcessedImages(baseDir string, manifest *Manifest, imageSize int, verbose bool) error {
	splits := []struct {
		name    string
		samples []Sample
	}{
		{"train", manifest.Split.Train},
		{"validation", manifest.Split.Validation},
		{"test", manifest.Split.Test},
	}
	total := 0
	for _, split := range splits {
		total += len(split.samples)
		for _, class := range manifest.Classes {
			dir := filepath.Join(baseDir, split.name, class)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.Wrapf(err, "failed to create processed directory %q", dir)
			}
		}
	}

	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Processing images"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}
	for _, split := range splits {
		for _, sample := range split.samples {
			if pBar != nil {
				_ = pBar.Add(1)
			}
			img, err := ReadImage(sample.Path)
			if err != nil {
				klog.Warningf("Skipping unreadable image: %v", err)
				continue
			}
			img = ResizeForEval(img, imageSize)
			class := manifest.Classes[sample.Label]
			target := filepath.Join(baseDir, split.name, class, filepath.Base(sample.Path))
			if err = imaging.Save(img, target); err != nil {
				return errors.Wrapf(err, "failed to save processed image %q", target)
			}
		}
	}
	if pBar != nil {
		_ = pBar.Close()
	}
	return WriteManifest(filepath.Join(baseDir, ManifestFileName), manifest)
}
