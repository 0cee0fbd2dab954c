// Package training orchestrates the full training run: dataset split, the
// epoch loop with divergence detection, per-epoch validation, best-checkpoint
// saving and experiment run records.
package training

import (
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/compute/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/petvision/petvision/internal/dataset"
	"github.com/petvision/petvision/internal/model"
)

// Context hyperparameter names used by the training loop. Model
// hyperparameters live in the model package.
const (
	ParamEpochs        = "epochs"
	ParamBatchSize     = "batch_size"
	ParamEvalBatchSize = "eval_batch_size"
	ParamImageSize     = "image_size"
	ParamSplitSeed     = "split_seed"

	// Checkpoint metadata, saved with the model so the inference service
	// can recover them.
	ParamClasses      = "classes"
	ParamBestEpoch    = "best_epoch"
	ParamBestAccuracy = "best_validation_accuracy"
)

// ConfusionMatrixFileName is written next to the checkpoint after the final
// test evaluation.
const ConfusionMatrixFileName = "confusion_matrix.json"

// ErrDiverged signals a non-finite training loss. The run is aborted, but the
// last saved checkpoint is left intact.
var ErrDiverged = errors.New("training diverged: loss is NaN or infinite")

// CreateDefaultContext sets the context with the default hyperparameters used
// by Run. Any of them can be overridden from the command line.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamEpochs:        10,
		ParamBatchSize:     32,
		ParamEvalBatchSize: 64,
		ParamImageSize:     224,
		ParamSplitSeed:     42,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamEpsilon:  1e-7,
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.5,

		model.ParamNumConvBlocks: 4,
		model.ParamBaseChannels:  32,
		model.ParamHiddenNodes:   512,
		model.ParamEmbeddingSize: 128,
	})
	return ctx
}

// Config holds the file-system side of a training run; hyperparameters come
// from the context.
type Config struct {
	// DataDir is the raw dataset root, with one subdirectory per class.
	DataDir string

	// ProcessedDir, if set, receives the split manifest and eval-resized
	// copies of every image.
	ProcessedDir string

	// CheckpointDir, if set, receives the best model checkpoint, and the
	// confusion matrix artifact of the final test evaluation.
	CheckpointDir string

	// RunLogPath, if set, is the JSONL experiment log to append run
	// records to.
	RunLogPath string

	// Ratios of the train/validation/test split. Zero value means
	// dataset.DefaultSplitRatios.
	Ratios dataset.SplitRatios

	// Augmentation of training images. Nil means
	// dataset.DefaultAugmentation().
	Augmentation *dataset.Augmentation

	// ParamsSet lists context parameters set on the command line, which
	// must not be overwritten when loading a previous checkpoint.
	ParamsSet []string

	// Verbose attaches a progress bar to training and preprocessing.
	Verbose bool
}

// Run trains the classifier end to end and returns the run record. On
// divergence it returns the partial record together with ErrDiverged.
func Run(backend backends.Backend, ctx *context.Context, cfg Config) (*RunRecord, error) {
	record := &RunRecord{
		RunID:         uuid.NewString(),
		Status:        RunStatusRunning,
		StartTime:     time.Now(),
		CheckpointDir: cfg.CheckpointDir,
	}
	var recorder Recorder
	if cfg.RunLogPath != "" {
		recorder = NewJSONLRecorder(cfg.RunLogPath)
	}
	finish := func(err error) (*RunRecord, error) {
		record.EndTime = time.Now()
		if err != nil {
			record.Status = RunStatusFailed
			record.Error = err.Error()
		} else {
			record.Status = RunStatusFinished
		}
		if recorder != nil {
			if recordErr := recorder.Record(record); recordErr != nil {
				klog.Errorf("Failed to record run %s: %v", record.RunID, recordErr)
			}
		}
		return record, err
	}

	ratios := cfg.Ratios
	if ratios == (dataset.SplitRatios{}) {
		ratios = dataset.DefaultSplitRatios
	}
	seed := context.GetParamOr(ctx, ParamSplitSeed, 42)
	classes, samples, err := dataset.EnumerateSamples(cfg.DataDir)
	if err != nil {
		return finish(err)
	}
	split, err := dataset.SplitSamples(samples, ratios, int64(seed))
	if err != nil {
		return finish(err)
	}
	manifest := &dataset.Manifest{Classes: classes, Seed: int64(seed), Ratios: ratios, Split: split}
	imageSize := context.GetParamOr(ctx, ParamImageSize, 224)
	if cfg.ProcessedDir != "" {
		if err = dataset.WriteProcessedImages(cfg.ProcessedDir, manifest, imageSize, cfg.Verbose); err != nil {
			return finish(err)
		}
	}

	batchSize := context.GetParamOr(ctx, ParamBatchSize, 32)
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 64)
	numEpochs := context.GetParamOr(ctx, ParamEpochs, 10)
	record.Params = RunParams{
		Epochs:        numEpochs,
		BatchSize:     batchSize,
		LearningRate:  context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0),
		ImageSize:     imageSize,
		SplitSeed:     seed,
		Classes:       classes,
		NumTrain:      len(split.Train),
		NumValidation: len(split.Validation),
		NumTest:       len(split.Test),
	}
	if recorder != nil {
		if err = recorder.Record(record); err != nil {
			return finish(err)
		}
	}

	augmentation := cfg.Augmentation
	if augmentation == nil {
		augmentation = dataset.DefaultAugmentation()
	}
	rng := rand.New(rand.NewSource(int64(seed)))
	trainDS := dataset.New("train", split.Train, batchSize, imageSize, dtypes.Float32).
		WithRand(rng).
		WithShuffle().
		WithAugmentation(augmentation)
	validationDS := dataset.New("validation", split.Validation, evalBatchSize, imageSize, dtypes.Float32)
	testDS := dataset.New("test", split.Test, evalBatchSize, imageSize, dtypes.Float32)

	// Class names and input size travel with the checkpoint, so the
	// inference service can recover them.
	ctx.SetParam(ParamClasses, strings.Join(classes, ","))

	var checkpoint *checkpoints.Handler
	if cfg.CheckpointDir != "" {
		checkpoint, err = checkpoints.Build(ctx).
			Dir(cfg.CheckpointDir).
			ExcludeParams(cfg.ParamsSet...).
			Keep(1).
			Done()
		if err != nil {
			return finish(errors.WithMessagef(err, "failed to set up checkpoint in %q", cfg.CheckpointDir))
		}
	}

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	trainer := train.NewTrainer(backend, ctx, model.ClassifierGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
	loop := train.NewLoop(trainer)
	if cfg.Verbose {
		commandline.AttachProgressBar(loop)
	}

	// Abort the run as soon as the loss stops being finite.
	loop.OnStep("divergence detection", 100, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
		for ii, desc := range loop.Trainer.TrainMetrics() {
			if desc.Name() != "Batch Loss" {
				continue
			}
			loss := scalarToFloat64(stepMetrics[ii])
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return errors.WithMessagef(ErrDiverged, "at global step %d", loop.LoopStep)
			}
		}
		return nil
	})

	klog.Infof("Training run %s: %d epochs, %d train / %d validation / %d test images, classes %v",
		record.RunID, numEpochs, len(split.Train), len(split.Validation), len(split.Test), classes)

	var evaluator *Evaluator
	bestAccuracy := math.Inf(-1)
	for epoch := 1; epoch <= numEpochs; epoch++ {
		epochMetrics, err := loop.RunEpochs(trainDS, 1)
		if err != nil {
			return finish(err)
		}
		if evaluator == nil {
			// The model variables only exist after the first training
			// step, so the evaluator is built lazily.
			evaluator, err = NewEvaluator(backend, ctx, classes)
			if err != nil {
				return finish(err)
			}
		}
		cm, err := evaluator.Run(validationDS)
		if err != nil {
			return finish(err)
		}
		evalMetrics := cm.Metrics()
		epochRecord := EpochRecord{
			Epoch:               epoch,
			TrainLoss:           trainLossFromMetrics(trainer, epochMetrics),
			ValidationAccuracy:  evalMetrics.Accuracy,
			ValidationPrecision: evalMetrics.Precision,
			ValidationRecall:    evalMetrics.Recall,
			ValidationF1:        evalMetrics.F1,
		}
		if evalMetrics.Accuracy > bestAccuracy {
			// Strict improvement only; ties keep the earlier checkpoint.
			bestAccuracy = evalMetrics.Accuracy
			record.BestEpoch = epoch
			record.BestAccuracy = bestAccuracy
			ctx.SetParam(ParamBestEpoch, epoch)
			ctx.SetParam(ParamBestAccuracy, bestAccuracy)
			if checkpoint != nil {
				if err = checkpoint.Save(); err != nil {
					return finish(errors.WithMessagef(err, "failed to save checkpoint at epoch %d", epoch))
				}
				epochRecord.CheckpointSaved = true
			}
		}
		record.Epochs = append(record.Epochs, epochRecord)
		klog.Infof("Epoch %d/%d: train_loss=%.4f validation accuracy=%.4f precision=%.4f recall=%.4f f1=%.4f saved=%v",
			epoch, numEpochs, epochRecord.TrainLoss, evalMetrics.Accuracy, evalMetrics.Precision,
			evalMetrics.Recall, evalMetrics.F1, epochRecord.CheckpointSaved)
	}

	// Final evaluation on the held-out test split, using the best saved
	// weights when a checkpoint exists.
	testEvaluator := evaluator
	if checkpoint != nil && record.BestEpoch > 0 {
		bestCtx := context.New()
		if _, err = checkpoints.Load(bestCtx).Dir(cfg.CheckpointDir).Done(); err != nil {
			return finish(errors.WithMessagef(err, "failed to load best checkpoint from %q", cfg.CheckpointDir))
		}
		testEvaluator, err = NewEvaluator(backend, bestCtx, classes)
		if err != nil {
			return finish(err)
		}
	}
	if testEvaluator != nil && len(split.Test) > 0 {
		cm, err := testEvaluator.Run(testDS)
		if err != nil {
			return finish(err)
		}
		testMetrics := cm.Metrics()
		record.Test = &testMetrics
		record.Confusion = cm
		klog.Infof("Test: accuracy=%.4f precision=%.4f recall=%.4f f1=%.4f over %d images",
			testMetrics.Accuracy, testMetrics.Precision, testMetrics.Recall, testMetrics.F1, cm.Total())
		if cfg.CheckpointDir != "" {
			if err = cm.WriteArtifact(filepath.Join(cfg.CheckpointDir, ConfusionMatrixFileName)); err != nil {
				return finish(err)
			}
		}
	}
	return finish(nil)
}

// trainLossFromMetrics extracts the smoothed training loss from the metrics
// returned by the loop, falling back to the batch loss.
func trainLossFromMetrics(trainer *train.Trainer, values []*tensors.Tensor) float64 {
	batchLoss := math.NaN()
	for ii, desc := range trainer.TrainMetrics() {
		if ii >= len(values) {
			break
		}
		switch desc.Name() {
		case "Moving Average Loss":
			return scalarToFloat64(values[ii])
		case "Batch Loss":
			batchLoss = scalarToFloat64(values[ii])
		}
	}
	return batchLoss
}

// scalarToFloat64 reads a scalar metric tensor of either float width.
func scalarToFloat64(t *tensors.Tensor) float64 {
	switch t.Shape().DType {
	case dtypes.Float64:
		return tensors.ToScalar[float64](t)
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](t))
	}
	return math.NaN()
}
