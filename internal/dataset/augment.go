package dataset

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Augmentation holds the stochastic image transformations applied to training
// samples. Evaluation and inference never augment; they use ResizeForEval.
type Augmentation struct {
	// FlipProbability of mirroring the image horizontally.
	FlipProbability float64

	// MaxRotationDegrees rotates by an angle sampled uniformly in
	// [-MaxRotationDegrees, +MaxRotationDegrees].
	MaxRotationDegrees float64

	// UpscaleSize: the image is resized to UpscaleSize² and then a random
	// crop of the target size is taken. Values at or below the target size
	// disable the random crop.
	UpscaleSize int

	// BrightnessPercent and ContrastPercent jitter sampled uniformly in
	// [-x, +x], in the percentage scale used by the imaging package.
	BrightnessPercent float64
	ContrastPercent   float64
}

// DefaultAugmentation returns the standard recipe: flip half the time, rotate
// up to ±15°, random 224-crop out of 256, and ±20% brightness/contrast jitter.
func DefaultAugmentation() *Augmentation {
	return &Augmentation{
		FlipProbability:    0.5,
		MaxRotationDegrees: 15,
		UpscaleSize:        256,
		BrightnessPercent:  20,
		ContrastPercent:    20,
	}
}

// Apply transforms img into a size² training input, drawing all randomness
// from rng so a seeded run is reproducible.
func (a *Augmentation) Apply(rng *rand.Rand, img image.Image, size int) image.Image {
	if a.MaxRotationDegrees > 0 {
		angle := (rng.Float64()*2 - 1) * a.MaxRotationDegrees
		img = imaging.Rotate(img, angle, color.RGBA{A: 255})
	}
	if rng.Float64() < a.FlipProbability {
		img = imaging.FlipH(img)
	}
	upscale := a.UpscaleSize
	if upscale < size {
		upscale = size
	}
	img = imaging.Resize(img, upscale, upscale, imaging.Lanczos)
	if upscale > size {
		x0 := rng.Intn(upscale - size + 1)
		y0 := rng.Intn(upscale - size + 1)
		img = imaging.Crop(img, image.Rect(x0, y0, x0+size, y0+size))
	}
	if a.BrightnessPercent > 0 {
		img = imaging.AdjustBrightness(img, (rng.Float64()*2-1)*a.BrightnessPercent)
	}
	if a.ContrastPercent > 0 {
		img = imaging.AdjustContrast(img, (rng.Float64()*2-1)*a.ContrastPercent)
	}
	return img
}

// ResizeForEval scales an image to the size² input expected by the model,
// without any stochastic transformation. Used for validation, test and
// serving, so that training-time and serving-time pixels match.
func ResizeForEval(img image.Image, size int) image.Image {
	return imaging.Resize(img, size, size, imaging.Lanczos)
}
