// Package inference loads the best checkpoint written by a training run and
// classifies images with it. All hyperparameters, the class names and the
// input size are read back from the checkpoint, so the serving model is built
// exactly like the trained one.
package inference

import (
	"image"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"

	"github.com/petvision/petvision/internal/dataset"
	"github.com/petvision/petvision/internal/model"
	"github.com/petvision/petvision/internal/training"
)

// Prediction is the result of classifying one image.
type Prediction struct {
	// Prediction is the name of the winning class.
	Prediction string `json:"prediction"`

	// ClassProbabilities maps every class name to its softmax probability.
	// The values sum to 1.
	ClassProbabilities map[string]float64 `json:"class_probabilities"`

	// Confidence is the probability of the winning class.
	Confidence float64 `json:"confidence"`
}

// Predictor serves a trained classifier. It is safe for concurrent use: a
// mutex serializes the forward pass only.
type Predictor struct {
	ctx       *context.Context
	classes   []string
	imageSize int

	// mu guards exec.
	mu   sync.Mutex
	exec *context.Exec
}

// New loads the checkpoint in checkpointDir and compiles the forward pass.
// It returns an error if the directory holds no checkpoint; callers serving
// HTTP should treat that as "model not loaded" rather than a fatal failure.
func New(backend backends.Backend, checkpointDir string) (*Predictor, error) {
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(checkpointDir).Done(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load model checkpoint from %q", checkpointDir)
	}
	// Reuse variables: creating a new variable now would mean the graph
	// doesn't match the checkpoint.
	ctx = ctx.Reuse()

	classes := strings.Split(context.GetParamOr(ctx, training.ParamClasses, ""), ",")
	if len(classes) != model.NumClasses || classes[0] == "" {
		return nil, errors.Errorf("checkpoint %q misses the %q metadata with the class names",
			checkpointDir, training.ParamClasses)
	}
	p := &Predictor{
		ctx:       ctx,
		classes:   classes,
		imageSize: context.GetParamOr(ctx, training.ParamImageSize, 224),
	}

	var err error
	p.exec, err = context.NewExec(backend, ctx,
		func(ctx *context.Context, image *graph.Node) *graph.Node {
			image = graph.ExpandAxes(image, 0) // Batch dimension of size 1.
			logits := model.ClassifierGraph(ctx, nil, []*graph.Node{image})[0]
			return graph.Reshape(graph.Softmax(logits), model.NumClasses)
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot build model from checkpoint %q", checkpointDir)
	}
	return p, nil
}

// Classes returns the class names, in label order.
func (p *Predictor) Classes() []string { return p.classes }

// ImageSize returns the model's input size.
func (p *Predictor) ImageSize() int { return p.imageSize }

// Predict classifies one image of any size: it is resized with the same
// transformation used for evaluation during training, and fed through the
// model. The same image bytes always produce the same prediction.
func (p *Predictor) Predict(img image.Image) (*Prediction, error) {
	img = dataset.ResizeForEval(img, p.imageSize)
	input := timage.ToTensor(dtypes.Float32).Single(img)

	var output *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		var execErr error
		output, execErr = p.exec.Exec1(input)
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "model execution failed")
	}

	probabilities := make([]float64, model.NumClasses)
	tensors.MustConstFlatData[float32](output, func(flat []float32) {
		for ii, v := range flat {
			probabilities[ii] = float64(v)
		}
	})
	best := 0
	for ii, v := range probabilities {
		if v > probabilities[best] {
			best = ii
		}
	}
	prediction := &Prediction{
		Prediction:         p.classes[best],
		ClassProbabilities: make(map[string]float64, model.NumClasses),
		Confidence:         probabilities[best],
	}
	for ii, class := range p.classes {
		prediction.ClassProbabilities[class] = probabilities[ii]
	}
	return prediction, nil
}
