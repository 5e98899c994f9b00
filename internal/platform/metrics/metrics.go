// Package metrics exposes the Prometheus collectors of the diagnostic
// service. A *Metrics satisfies registry.Observer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "healthai"

// Metrics holds the service collectors.
type Metrics struct {
	PredictionsTotal  *prometheus.CounterVec   // predictions by model and outcome
	PredictionSeconds *prometheus.HistogramVec // end-to-end pipeline latency
	RegistryModels    prometheus.Gauge         // connectors loaded at startup
	StorageFailures   *prometheus.CounterVec   // results returned without a stored record
	UploadsTotal      prometheus.Counter       // MRI uploads accepted
	AuthFailuresTotal *prometheus.CounterVec   // rejected logins by reason

	gatherer prometheus.Gatherer
}

// New registers the collectors with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the collectors with registerer. Tests pass a
// private prometheus.NewRegistry().
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	m := &Metrics{
		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Total number of predictions, partitioned by model and outcome.",
		}, []string{"model", "outcome"}),
		PredictionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_seconds",
			Help:      "Prediction pipeline latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"model"}),
		RegistryModels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_models",
			Help:      "Number of models loaded in the registry.",
		}),
		StorageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Predictions whose record could not be stored.",
		}, []string{"model"}),
		UploadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Diagnostic images accepted for storage.",
		}),
		AuthFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected login attempts by reason.",
		}, []string{"reason"}),
	}
	if g, ok := registerer.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) ObservePrediction(model, outcome string, elapsed time.Duration) {
	m.PredictionsTotal.WithLabelValues(model, outcome).Inc()
	if elapsed < 0 {
		elapsed = 0
	}
	m.PredictionSeconds.WithLabelValues(model).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveStorageFailure(model string) {
	m.StorageFailures.WithLabelValues(model).Inc()
}

func (m *Metrics) SetModels(n int) {
	m.RegistryModels.Set(float64(n))
}

func (m *Metrics) ObserveUpload() {
	m.UploadsTotal.Inc()
}

func (m *Metrics) ObserveAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// Handler serves the registry the collectors were registered with, falling
// back to the default gatherer.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer != nil {
		return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
