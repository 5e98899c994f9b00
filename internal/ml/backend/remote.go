package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Remote scores through an HTTP inference server speaking the
// TensorFlow-Serving style predict protocol.
type Remote struct {
	url  string
	rest *resty.Client
}

type predictRequest struct {
	Instances any `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
	Error       string      `json:"error,omitempty"`
}

// NewRemote returns a client for the predict endpoint at url.
func NewRemote(url string, timeout time.Duration) *Remote {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(10 * time.Second)
	}
	r.SetHeader("Content-Type", "application/json")
	return &Remote{url: url, rest: r}
}

func (r *Remote) PredictProba(ctx context.Context, x []float64) ([]float64, error) {
	return r.predict(ctx, [][]float64{x})
}

func (r *Remote) Classify(ctx context.Context, t Tensor) ([]float64, error) {
	return r.predict(ctx, [][][][3]float32{t.Nested()})
}

func (r *Remote) predict(ctx context.Context, instances any) ([]float64, error) {
	out := &predictResponse{}
	resp, err := r.rest.R().
		SetContext(ctx).
		SetBody(predictRequest{Instances: instances}).
		SetResult(out).
		SetError(out).
		Post(r.url)
	if err != nil {
		return nil, fmt.Errorf("remote backend: %w", err)
	}
	if resp.IsError() {
		if out.Error != "" {
			return nil, fmt.Errorf("remote backend: %d %s", resp.StatusCode(), out.Error)
		}
		return nil, fmt.Errorf("remote backend: unexpected status %d", resp.StatusCode())
	}
	if len(out.Predictions) == 0 || len(out.Predictions[0]) == 0 {
		return nil, fmt.Errorf("remote backend: empty predictions")
	}
	return out.Predictions[0], nil
}
