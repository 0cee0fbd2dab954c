// Package server exposes a trained classifier over HTTP: health, single and
// batch prediction, and Prometheus telemetry.
package server

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/petvision/petvision/internal/inference"
)

// Predictor is the part of inference.Predictor the handlers need; tests
// substitute it with a fake.
type Predictor interface {
	Predict(img image.Image) (*inference.Prediction, error)
}

// ErrBadImage marks client payloads that could not be decoded as an image.
var ErrBadImage = errors.New("could not decode image")

// Server holds the handlers' dependencies. A nil predictor means the model is
// not loaded: health says so, and predictions return 503.
type Server struct {
	predictor Predictor
	metrics   *Metrics
}

// New creates a Server. predictor may be nil when no checkpoint was
// available at startup.
func New(predictor Predictor, metrics *Metrics) *Server {
	return &Server{predictor: predictor, metrics: metrics}
}

// Routes registers all endpoints on e.
func (s *Server) Routes(e *echo.Echo) {
	e.GET("/health", s.HealthHandler())
	e.POST("/predict", s.PredictHandler())
	e.POST("/predict/batch", s.PredictBatchHandler())
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// HealthHandler always answers 200 with status "healthy": the service is up
// even when the model is not loaded yet, and model_loaded carries readiness.
func (s *Server) HealthHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:      "healthy",
			ModelLoaded: s.predictor != nil,
		})
	}
}

// predictFile decodes and classifies one uploaded file, maintaining the
// telemetry. Every call counts as one request, failed or not.
func (s *Server) predictFile(fileHeader *multipart.FileHeader) (*inference.Prediction, error) {
	s.metrics.Requests.Inc()
	f, err := fileHeader.Open()
	if err != nil {
		return nil, errors.WithMessagef(ErrBadImage, "failed to open upload %q", fileHeader.Filename)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.WithMessagef(ErrBadImage, "upload %q: %v", fileHeader.Filename, err)
	}

	start := time.Now()
	prediction, err := s.predictor.Predict(img)
	s.metrics.Duration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	s.metrics.Predictions.WithLabelValues(prediction.Prediction).Inc()
	return prediction, nil
}

// PredictHandler serves POST /predict: one image in the multipart field
// "file", answered with the prediction, the per-class probabilities and the
// confidence.
func (s *Server) PredictHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.predictor == nil {
			s.metrics.Requests.Inc()
			return echo.NewHTTPError(http.StatusServiceUnavailable, "model not loaded")
		}
		fileHeader, err := c.FormFile("file")
		if err != nil {
			s.metrics.Requests.Inc()
			return echo.NewHTTPError(http.StatusBadRequest, `multipart field "file" with an image is required`)
		}
		prediction, err := s.predictFile(fileHeader)
		if err != nil {
			if errors.Is(err, ErrBadImage) {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			klog.Errorf("Prediction failed: %+v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "prediction failed")
		}
		return c.JSON(http.StatusOK, prediction)
	}
}

// BatchItem is the per-file result of POST /predict/batch. Either the
// prediction fields or Error are set.
type BatchItem struct {
	FileName           string             `json:"filename"`
	Prediction         string             `json:"prediction,omitempty"`
	ClassProbabilities map[string]float64 `json:"class_probabilities,omitempty"`
	Confidence         float64            `json:"confidence,omitempty"`
	Error              string             `json:"error,omitempty"`
}

// BatchResponse is the body of POST /predict/batch.
type BatchResponse struct {
	Results []BatchItem `json:"results"`
}

// PredictBatchHandler serves POST /predict/batch: any number of images in the
// multipart field "files". A file that fails to decode yields an error entry
// for that file only; the other files are still classified.
func (s *Server) PredictBatchHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.predictor == nil {
			s.metrics.Requests.Inc()
			return echo.NewHTTPError(http.StatusServiceUnavailable, "model not loaded")
		}
		form, err := c.MultipartForm()
		if err != nil || len(form.File["files"]) == 0 {
			s.metrics.Requests.Inc()
			return echo.NewHTTPError(http.StatusBadRequest, `multipart field "files" with images is required`)
		}
		response := BatchResponse{Results: make([]BatchItem, 0, len(form.File["files"]))}
		for _, fileHeader := range form.File["files"] {
			item := BatchItem{FileName: fileHeader.Filename}
			prediction, err := s.predictFile(fileHeader)
			if err != nil {
				if !errors.Is(err, ErrBadImage) {
					klog.Errorf("Prediction of %q failed: %+v", fileHeader.Filename, err)
				}
				item.Error = err.Error()
			} else {
				item.Prediction = prediction.Prediction
				item.ClassProbabilities = prediction.ClassProbabilities
				item.Confidence = prediction.Confidence
			}
			response.Results = append(response.Results, item)
		}
		return c.JSON(http.StatusOK, response)
	}
}

// RequestLogger is an echo middleware logging method, path, status and
// latency of every request.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					status = httpErr.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			klog.Infof("%s %s -> %d (%s)", c.Request().Method, c.Request().URL.Path, status, time.Since(start))
			return err
		}
	}
}
