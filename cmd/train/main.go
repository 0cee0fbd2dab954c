// train fits the two-class pet classifier on a directory of labeled images,
// evaluates it on a held-out split and saves the best checkpoint.
//
// Minimal usage:
//
//	train --data=~/data/pets --checkpoint=~/models/pets
//
// Any model or training hyperparameter can be overridden with --set, e.g.
// --set="epochs=20;learning_rate=0.0001".
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/petvision/petvision/internal/training"
)

var (
	flagDataDir = flag.String("data", "",
		"Directory with the raw dataset: one subdirectory per class, holding jpeg/png images. Required.")
	flagProcessedDir = flag.String("processed", "",
		"Directory to write the split manifest and eval-resized image copies. If empty the step is skipped.")
	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to save the best checkpoint to. If empty no checkpoint is saved.")
	flagRunLog = flag.String("run_log", "",
		"JSONL file to append experiment run records to. If empty no records are written.")
	flagQuiet = flag.Bool("quiet", false, "Disable the progress bar.")
)

func main() {
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagDataDir == "" {
		_, _ = fmt.Fprintln(os.Stderr, "Flag --data is required.")
		flag.Usage()
		os.Exit(1)
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	record, err := training.Run(backend, ctx, training.Config{
		DataDir:       fsutil.MustReplaceTildeInDir(*flagDataDir),
		ProcessedDir:  fsutil.MustReplaceTildeInDir(*flagProcessedDir),
		CheckpointDir: fsutil.MustReplaceTildeInDir(*flagCheckpoint),
		RunLogPath:    fsutil.MustReplaceTildeInDir(*flagRunLog),
		ParamsSet:     paramsSet,
		Verbose:       !*flagQuiet,
	})
	if err != nil {
		klog.Exitf("Training run failed: %+v", err)
	}
	fmt.Printf("Run %s finished: best epoch %d with validation accuracy %.4f\n",
		record.RunID, record.BestEpoch, record.BestAccuracy)
	if record.Test != nil {
		fmt.Printf("Test: accuracy=%.4f precision=%.4f recall=%.4f f1=%.4f\n",
			record.Test.Accuracy, record.Test.Precision, record.Test.Recall, record.Test.F1)
	}
}
