package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the telemetry of the inference service, backed by its own
// registry so tests can inspect it in isolation.
type Metrics struct {
	registry *prometheus.Registry

	// Requests counts every prediction attempt, successful or not; one
	// increment per image in batch requests.
	Requests prometheus.Counter

	// Duration observes the latency of the model forward pass.
	Duration prometheus.Histogram

	// Predictions counts successful predictions per winning class.
	Predictions *prometheus.CounterVec
}

// NewMetrics creates and registers the service metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Total number of inference requests, including failed ones.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "inference_request_duration_seconds",
			Help: "Latency of the model forward pass.",
		}),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Successful predictions, partitioned by predicted class.",
		}, []string{"class"}),
	}
	m.registry.MustRegister(m.Requests, m.Duration, m.Predictions)
	return m
}

// Handler returns the Prometheus text exposition handler for these metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
