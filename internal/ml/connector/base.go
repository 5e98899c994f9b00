package connector

import (
	"context"
	"fmt"

	"github.com/healthai/healthai/internal/ml/backend"
	"github.com/rs/zerolog"
)

// base carries what every connector shares: its descriptor, the storage
// recorder and a component logger.
type base struct {
	desc     Descriptor
	recorder Recorder
	logger   zerolog.Logger
}

func newBase(d Descriptor, deps Deps) base {
	return base{
		desc:     d,
		recorder: deps.Recorder,
		logger: deps.Logger.With().
			Str("component", "connector").
			Str("model", d.Name).
			Logger(),
	}
}

func (b *base) Describe() Descriptor { return b.desc }

func (b *base) record(ctx context.Context, in map[string]any, r *Result, pc PredictContext) (string, error) {
	if b.recorder == nil {
		return "", nil
	}
	id, err := b.recorder.Record(ctx, Record{
		Model:     b.desc.Name,
		Kind:      b.desc.Kind,
		PatientID: pc.PatientID,
		DoctorID:  pc.DoctorID,
		ImagePath: pc.ImagePath,
		Input:     in,
		Result:    r,
	})
	if err != nil {
		b.logger.Error().Err(err).Str("patient_id", pc.PatientID).Msg("failed to store prediction")
		return "", &Error{Kind: KindPersistence, Message: fmt.Sprintf("store prediction: %v", err), Err: err}
	}
	b.logger.Info().Str("prediction_id", id).Str("patient_id", pc.PatientID).Msg("stored prediction")
	return id, nil
}

func (b *base) inferTabular(ctx context.Context, s backend.TabularScorer, f Features, classes int) (Scores, error) {
	raw, err := s.PredictProba(ctx, f.Vector)
	if err != nil {
		b.logger.Error().Err(err).Msg("backend inference failed")
		return nil, backendError(err)
	}
	return checkScores(raw, classes)
}

func checkScores(raw []float64, classes int) (Scores, error) {
	p := backend.Sanitize(raw)
	if len(p) != classes {
		return nil, Errorf(KindBackend, "backend returned %d class scores, expected %d", len(p), classes)
	}
	return Scores(p), nil
}
