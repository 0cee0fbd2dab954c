package training

import (
	"encoding/json"
	"io"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"

	"github.com/petvision/petvision/internal/model"
)

// ConfusionMatrix counts predictions per (true class, predicted class) pair.
// Rows are true classes, columns predicted classes.
type ConfusionMatrix struct {
	Classes []string                                `json:"classes"`
	Counts  [model.NumClasses][model.NumClasses]int `json:"counts"`
}

// Add registers one prediction.
func (cm *ConfusionMatrix) Add(trueLabel, predicted int32) {
	cm.Counts[trueLabel][predicted]++
}

// Total number of predictions registered.
func (cm *ConfusionMatrix) Total() int {
	total := 0
	for _, row := range cm.Counts {
		for _, count := range row {
			total += count
		}
	}
	return total
}

// EvalMetrics derived from a confusion matrix. Precision, recall and F1 are
// averaged over the classes, weighted by class support.
type EvalMetrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Metrics computes the aggregate evaluation metrics of the matrix.
func (cm *ConfusionMatrix) Metrics() EvalMetrics {
	total := cm.Total()
	if total == 0 {
		return EvalMetrics{}
	}
	var m EvalMetrics
	correct := 0
	for class := 0; class < model.NumClasses; class++ {
		correct += cm.Counts[class][class]
		support := 0
		predicted := 0
		for other := 0; other < model.NumClasses; other++ {
			support += cm.Counts[class][other]
			predicted += cm.Counts[other][class]
		}
		var precision, recall, f1 float64
		if predicted > 0 {
			precision = float64(cm.Counts[class][class]) / float64(predicted)
		}
		if support > 0 {
			recall = float64(cm.Counts[class][class]) / float64(support)
		}
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		weight := float64(support) / float64(total)
		m.Precision += weight * precision
		m.Recall += weight * recall
		m.F1 += weight * f1
	}
	m.Accuracy = float64(correct) / float64(total)
	return m
}

// WriteArtifact saves the confusion matrix as a JSON file, next to the
// checkpoint it describes.
func (cm *ConfusionMatrix) WriteArtifact(path string) error {
	encoded, err := json.MarshalIndent(cm, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode confusion matrix")
	}
	if err = os.WriteFile(path, encoded, 0644); err != nil {
		return errors.Wrapf(err, "failed to write confusion matrix to %q", path)
	}
	return nil
}

// Evaluator runs the classifier over a dataset and accumulates a confusion
// matrix. It shares the variables of the training context, so it always
// evaluates the current weights.
type Evaluator struct {
	exec    *context.Exec
	classes []string
}

// NewEvaluator creates an Evaluator over the variables of ctx. The context
// must already hold the model variables (after at least one training step, or
// after loading a checkpoint).
func NewEvaluator(backend backends.Backend, ctx *context.Context, classes []string) (*Evaluator, error) {
	exec, err := context.NewExec(backend, ctx.Reuse(),
		func(ctx *context.Context, images *graph.Node) *graph.Node {
			logits := model.ClassifierGraph(ctx, nil, []*graph.Node{images})[0]
			return graph.ArgMax(logits, -1, dtypes.Int32)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build evaluation executor")
	}
	return &Evaluator{exec: exec, classes: classes}, nil
}

// Run evaluates one full epoch of ds and returns the confusion matrix. The
// dataset is reset before and after.
func (e *Evaluator) Run(ds train.Dataset) (*ConfusionMatrix, error) {
	ds.Reset()
	cm := &ConfusionMatrix{Classes: e.classes}
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluation on dataset %q failed", ds.Name())
		}
		predictions, err := e.exec.Exec1(inputs[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluation on dataset %q failed", ds.Name())
		}
		var trueLabels []int32
		tensors.MustConstFlatData[int32](labels[0], func(flat []int32) {
			trueLabels = append(trueLabels, flat...)
		})
		tensors.MustConstFlatData[int32](predictions, func(flat []int32) {
			for ii, predicted := range flat {
				cm.Add(trueLabels[ii], predicted)
			}
		})
	}
	ds.Reset()
	return cm, nil
}
