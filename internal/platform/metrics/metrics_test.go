package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObservePrediction(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ObservePrediction("diabetes", "success", 20*time.Millisecond)
	m.ObservePrediction("diabetes", "success", 30*time.Millisecond)
	m.ObservePrediction("diabetes", "validation", -time.Second)

	if got := testutil.ToFloat64(m.PredictionsTotal.WithLabelValues("diabetes", "success")); got != 2 {
		t.Errorf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(m.PredictionsTotal.WithLabelValues("diabetes", "validation")); got != 1 {
		t.Errorf("expected 1 validation failure, got %v", got)
	}
	if got := testutil.CollectAndCount(m.PredictionSeconds); got != 1 {
		t.Errorf("expected one histogram series, got %d", got)
	}
}

func TestRegistryGaugeAndStorageFailures(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.SetModels(3)
	m.SetModels(2)
	m.ObserveStorageFailure("alzheimer")
	m.ObserveUpload()
	m.ObserveAuthFailure("bad_password")

	if got := testutil.ToFloat64(m.RegistryModels); got != 2 {
		t.Errorf("expected gauge 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.StorageFailures.WithLabelValues("alzheimer")); got != 1 {
		t.Errorf("expected 1 storage failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.UploadsTotal); got != 1 {
		t.Errorf("expected 1 upload, got %v", got)
	}
	if got := testutil.ToFloat64(m.AuthFailuresTotal.WithLabelValues("bad_password")); got != 1 {
		t.Errorf("expected 1 auth failure, got %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.ObservePrediction("breast_cancer", "success", time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`healthai_predictions_total{model="breast_cancer",outcome="success"} 1`,
		"healthai_registry_models 0",
		"healthai_prediction_seconds_bucket",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}
