package diagnostics

import (
	"context"

	"github.com/healthai/healthai/internal/ml/connector"
)

// Recorder lets connectors persist into a PredictionRepository.
type Recorder struct {
	repo PredictionRepository
}

func NewRecorder(repo PredictionRepository) *Recorder {
	return &Recorder{repo: repo}
}

func (r *Recorder) Record(ctx context.Context, rec connector.Record) (string, error) {
	p, err := FromRecord(rec)
	if err != nil {
		return "", err
	}
	if err := r.repo.Create(ctx, p); err != nil {
		return "", err
	}
	return p.ID.String(), nil
}
