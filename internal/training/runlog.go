package training

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// RunStatus of a training run record.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
)

// RunParams are the hyperparameters and dataset sizes logged with a run.
type RunParams struct {
	Epochs        int      `json:"epochs"`
	BatchSize     int      `json:"batch_size"`
	LearningRate  float64  `json:"learning_rate"`
	ImageSize     int      `json:"image_size"`
	SplitSeed     int      `json:"split_seed"`
	Classes       []string `json:"classes"`
	NumTrain      int      `json:"num_train"`
	NumValidation int      `json:"num_validation"`
	NumTest       int      `json:"num_test"`
}

// EpochRecord holds the metrics of one training epoch.
type EpochRecord struct {
	Epoch               int     `json:"epoch"`
	TrainLoss           float64 `json:"train_loss"`
	ValidationAccuracy  float64 `json:"validation_accuracy"`
	ValidationPrecision float64 `json:"validation_precision"`
	ValidationRecall    float64 `json:"validation_recall"`
	ValidationF1        float64 `json:"validation_f1"`
	CheckpointSaved     bool    `json:"checkpoint_saved"`
}

// RunRecord is the experiment log of one training run. It is appended to the
// run log as one JSON line when the run starts (status RUNNING) and again when
// it ends (FINISHED or FAILED).
type RunRecord struct {
	RunID         string           `json:"run_id"`
	Status        RunStatus        `json:"status"`
	StartTime     time.Time        `json:"start_time"`
	EndTime       time.Time        `json:"end_time,omitzero"`
	Params        RunParams        `json:"params"`
	Epochs        []EpochRecord    `json:"epochs,omitempty"`
	BestEpoch     int              `json:"best_epoch,omitempty"`
	BestAccuracy  float64          `json:"best_validation_accuracy,omitempty"`
	Test          *EvalMetrics     `json:"test_metrics,omitempty"`
	Confusion     *ConfusionMatrix `json:"confusion_matrix,omitempty"`
	CheckpointDir string           `json:"checkpoint_dir,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Recorder receives run records as a run progresses.
type Recorder interface {
	Record(record *RunRecord) error
}

// JSONLRecorder appends run records as JSON lines to a file.
type JSONLRecorder struct {
	path string
}

var _ Recorder = &JSONLRecorder{}

// NewJSONLRecorder returns a Recorder appending to the file at path, creating
// it if needed.
func NewJSONLRecorder(path string) *JSONLRecorder {
	return &JSONLRecorder{path: path}
}

// Record implements Recorder.
func (r *JSONLRecorder) Record(record *RunRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to encode run record")
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open run log %q", r.path)
	}
	defer func() { _ = f.Close() }()
	if _, err = f.Write(append(encoded, '\n')); err != nil {
		return errors.Wrapf(err, "failed to append to run log %q", r.path)
	}
	return nil
}

// ReadRunLog parses every record of a run log written by JSONLRecorder.
func ReadRunLog(path string) ([]*RunRecord, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read run log %q", path)
	}
	var records []*RunRecord
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	for decoder.More() {
		record := &RunRecord{}
		if err = decoder.Decode(record); err != nil {
			return nil, errors.Wrapf(err, "failed to parse run log %q", path)
		}
		records = append(records, record)
	}
	return records, nil
}
