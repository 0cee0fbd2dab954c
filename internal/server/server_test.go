package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petvision/petvision/internal/inference"
)

type fakePredictor struct {
	prediction *inference.Prediction
	err        error
}

func (f *fakePredictor) Predict(img image.Image) (*inference.Prediction, error) {
	return f.prediction, f.err
}

func catsPrediction() *inference.Prediction {
	return &inference.Prediction{
		Prediction:         "cats",
		ClassProbabilities: map[string]float64{"cats": 0.9, "dogs": 0.1},
		Confidence:         0.9,
	}
}

func newTestServer(predictor Predictor) (*echo.Echo, *Server) {
	s := New(predictor, NewMetrics())
	e := echo.New()
	s.Routes(e)
	return e, s
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// multipartBody builds a multipart form with one part per (field, content)
// pair and returns the body and its content type.
func multipartBody(t *testing.T, field string, contents ...[]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for ii, content := range contents {
		part, err := writer.CreateFormFile(field, "upload"+string(rune('0'+ii))+".png")
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func doRequest(e *echo.Echo, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(&fakePredictor{prediction: catsPrediction()})
	rec := doRequest(e, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.ModelLoaded)

	// Without a model the service is still healthy, but says so.
	e, _ = newTestServer(nil)
	rec = doRequest(e, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.False(t, health.ModelLoaded)
}

func TestPredict(t *testing.T) {
	e, s := newTestServer(&fakePredictor{prediction: catsPrediction()})
	body, contentType := multipartBody(t, "file", pngBytes(t))
	rec := doRequest(e, http.MethodPost, "/predict", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code)

	var prediction inference.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prediction))
	assert.Equal(t, "cats", prediction.Prediction)
	assert.Equal(t, 0.9, prediction.Confidence)
	assert.Len(t, prediction.ClassProbabilities, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Requests))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Predictions.WithLabelValues("cats")))
}

func TestPredictBadImage(t *testing.T) {
	e, s := newTestServer(&fakePredictor{prediction: catsPrediction()})
	body, contentType := multipartBody(t, "file", []byte("not an image"))
	rec := doRequest(e, http.MethodPost, "/predict", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Failures still count as requests, but not as predictions.
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Requests))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.Predictions.WithLabelValues("cats")))
}

func TestPredictMissingField(t *testing.T) {
	e, s := newTestServer(&fakePredictor{prediction: catsPrediction()})
	body, contentType := multipartBody(t, "wrong_field", pngBytes(t))
	rec := doRequest(e, http.MethodPost, "/predict", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Requests))
}

func TestPredictNotReady(t *testing.T) {
	e, s := newTestServer(nil)
	body, contentType := multipartBody(t, "file", pngBytes(t))
	rec := doRequest(e, http.MethodPost, "/predict", body, contentType)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Requests))

	body, contentType = multipartBody(t, "files", pngBytes(t))
	rec = doRequest(e, http.MethodPost, "/predict/batch", body, contentType)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPredictBatch(t *testing.T) {
	e, s := newTestServer(&fakePredictor{prediction: catsPrediction()})
	body, contentType := multipartBody(t, "files", pngBytes(t), []byte("garbage"), pngBytes(t))
	rec := doRequest(e, http.MethodPost, "/predict/batch", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code)

	var response BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response.Results, 3)
	assert.Equal(t, "cats", response.Results[0].Prediction)
	assert.Empty(t, response.Results[0].Error)
	assert.Empty(t, response.Results[1].Prediction)
	assert.NotEmpty(t, response.Results[1].Error)
	assert.Equal(t, "cats", response.Results[2].Prediction)

	// One request per file, one prediction per success.
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.Requests))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.Predictions.WithLabelValues("cats")))
}

func TestMetricsEndpoint(t *testing.T) {
	e, _ := newTestServer(&fakePredictor{prediction: catsPrediction()})
	body, contentType := multipartBody(t, "file", pngBytes(t))
	doRequest(e, http.MethodPost, "/predict", body, contentType)

	rec := doRequest(e, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	exposition := rec.Body.String()
	assert.Contains(t, exposition, "inference_requests_total 1")
	assert.Contains(t, exposition, `predictions_total{class="cats"} 1`)
	assert.Contains(t, exposition, "inference_request_duration_seconds")
}
