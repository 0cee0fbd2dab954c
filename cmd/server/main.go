// server exposes a trained pet classifier over HTTP.
//
//	server --checkpoint=~/models/pets --addr=:8080
//
// Endpoints: GET /health, POST /predict (multipart field "file"),
// POST /predict/batch (multipart field "files") and GET /metrics with
// Prometheus telemetry.
//
// If the checkpoint directory holds no checkpoint yet, the server still
// starts: /health reports model_loaded=false and predictions answer 503.
package main

import (
	"flag"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"k8s.io/klog/v2"

	"github.com/petvision/petvision/internal/inference"
	"github.com/petvision/petvision/internal/server"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory with the trained model checkpoint. Required.")
	flagAddr       = flag.String("addr", ":8080", "Address to listen on.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagCheckpoint == "" {
		klog.Exit("Flag --checkpoint is required.")
	}
	checkpointDir := fsutil.MustReplaceTildeInDir(*flagCheckpoint)

	var predictor server.Predictor
	backend := backends.MustNew()
	if p, err := inference.New(backend, checkpointDir); err == nil {
		predictor = p
		klog.Infof("Model loaded from %q: classes %v, input size %d", checkpointDir, p.Classes(), p.ImageSize())
	} else {
		klog.Warningf("Model not loaded, predictions will answer 503 until a checkpoint exists: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(server.RequestLogger())
	server.New(predictor, server.NewMetrics()).Routes(e)

	klog.Infof("Listening on %s", *flagAddr)
	if err := e.Start(*flagAddr); err != nil {
		klog.Exitf("Server stopped: %v", err)
	}
}
