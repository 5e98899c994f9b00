package diagnostics

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PredictionRepository stores prediction records. Implementations return
// ErrNotFound for unknown ids.
type PredictionRepository interface {
	Create(ctx context.Context, p *Prediction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prediction, error)
	UpdateAssessment(ctx context.Context, p *Prediction) error
	// ListByPatient returns newest first. An empty model matches all.
	ListByPatient(ctx context.Context, patientID uuid.UUID, model string) ([]*Prediction, error)
	// CountByModel counts predictions created at or after since.
	CountByModel(ctx context.Context, since time.Time) (map[string]int, error)
}
