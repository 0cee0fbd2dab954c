package inference

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petvision/petvision/internal/model"
	"github.com/petvision/petvision/internal/training"
)

func writeClassImages(t *testing.T, dir string, count int, c color.RGBA) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	for ii := 0; ii < count; ii++ {
		img := image.NewRGBA(image.Rect(0, 0, 32, 32))
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				img.Set(x, y, color.RGBA{R: c.R + uint8(ii), G: c.G + uint8(x), B: c.B, A: 255})
			}
		}
		f, err := os.Create(filepath.Join(dir, "img"+string(rune('a'+ii))+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

// trainTinyModel runs a short training and returns its checkpoint directory.
func trainTinyModel(t *testing.T, backend backends.Backend) string {
	t.Helper()
	dataDir := t.TempDir()
	writeClassImages(t, filepath.Join(dataDir, "cats"), 10, color.RGBA{R: 220})
	writeClassImages(t, filepath.Join(dataDir, "dogs"), 10, color.RGBA{B: 220})

	ctx := training.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		training.ParamEpochs:     1,
		training.ParamBatchSize:  4,
		training.ParamImageSize:  16,
		model.ParamNumConvBlocks: 2,
		model.ParamBaseChannels:  4,
		model.ParamHiddenNodes:   8,
		model.ParamEmbeddingSize: 4,
	})
	checkpointDir := t.TempDir()
	_, err := training.Run(backend, ctx, training.Config{
		DataDir:       dataDir,
		CheckpointDir: checkpointDir,
	})
	require.NoError(t, err)
	return checkpointDir
}

func TestPredictor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
	}
	backend := backends.MustNew()
	checkpointDir := trainTinyModel(t, backend)

	predictor, err := New(backend, checkpointDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"cats", "dogs"}, predictor.Classes())
	assert.Equal(t, 16, predictor.ImageSize())

	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: 210, G: 30, B: 10, A: 255})
		}
	}
	prediction, err := predictor.Predict(img)
	require.NoError(t, err)
	assert.Contains(t, predictor.Classes(), prediction.Prediction)

	// Probabilities sum to 1 and the confidence is the winning one.
	sum := 0.0
	for _, p := range prediction.ClassProbabilities {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
	assert.Equal(t, prediction.ClassProbabilities[prediction.Prediction], prediction.Confidence)
	assert.GreaterOrEqual(t, prediction.Confidence, 0.5)

	// The same image always produces the same prediction.
	again, err := predictor.Predict(img)
	require.NoError(t, err)
	assert.Equal(t, prediction, again)
}

func TestNewFailsWithoutCheckpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
	}
	backend := backends.MustNew()
	_, err := New(backend, t.TempDir())
	require.Error(t, err)
}
