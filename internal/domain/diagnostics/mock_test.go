package diagnostics

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/healthai/healthai/internal/ml/connector"
	"github.com/healthai/healthai/internal/ml/registry"
)

// -- Mock Prediction Repository --

type mockPredictionRepo struct {
	records map[uuid.UUID]*Prediction
	failOn  error
}

func newMockPredictionRepo() *mockPredictionRepo {
	return &mockPredictionRepo{records: make(map[uuid.UUID]*Prediction)}
}

func (m *mockPredictionRepo) Create(_ context.Context, p *Prediction) error {
	if m.failOn != nil {
		return m.failOn
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.records[p.ID] = &cp
	return nil
}

func (m *mockPredictionRepo) GetByID(_ context.Context, id uuid.UUID) (*Prediction, error) {
	p, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPredictionRepo) UpdateAssessment(_ context.Context, p *Prediction) error {
	stored, ok := m.records[p.ID]
	if !ok {
		return ErrNotFound
	}
	stored.DoctorAssessment = p.DoctorAssessment
	stored.DoctorNotes = p.DoctorNotes
	stored.UpdatedAt = time.Now()
	return nil
}

func (m *mockPredictionRepo) ListByPatient(_ context.Context, patientID uuid.UUID, model string) ([]*Prediction, error) {
	var out []*Prediction
	for _, p := range m.records {
		if p.PatientID == patientID && (model == "" || p.Model == model) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockPredictionRepo) CountByModel(_ context.Context, since time.Time) (map[string]int, error) {
	counts := make(map[string]int)
	for _, p := range m.records {
		if !p.CreatedAt.Before(since) {
			counts[p.Model]++
		}
	}
	return counts, nil
}

// -- Fake Predictor --

// fakePredictor scores every request with a fixed result and, when given a
// recorder, persists like a connector would.
type fakePredictor struct {
	recorder *Recorder
	fail     *connector.Error
	calls    []connector.PredictContext
}

func (f *fakePredictor) Predict(ctx context.Context, name string, in connector.Input, pc connector.PredictContext) registry.Outcome {
	f.calls = append(f.calls, pc)
	if name != "diabetes" && name != "alzheimer" {
		return registry.Outcome{Err: connector.Errorf(connector.KindNotFound, "Model %s not found", name)}
	}
	if f.fail != nil {
		return registry.Outcome{Err: f.fail}
	}
	res := &connector.Result{Model: name, Label: "Positive", Prediction: true, Probability: 0.8, Confidence: 0.8, Factors: []connector.Factor{}}
	if f.recorder != nil && pc.PatientID != "" {
		id, err := f.recorder.Record(ctx, connector.Record{
			Model: name, Kind: connector.Kind(name), PatientID: pc.PatientID, DoctorID: pc.DoctorID,
			ImagePath: pc.ImagePath, Input: in.Fields, Result: res,
		})
		if err != nil {
			res.StorageError = "Failed to store prediction in database"
		}
		res.ID = id
	}
	return registry.Outcome{Result: res}
}

func (f *fakePredictor) List() map[string]registry.ModelInfo {
	return map[string]registry.ModelInfo{
		"diabetes":  {Info: connector.Descriptor{Name: "diabetes", Kind: connector.KindDiabetes, Type: connector.TypeTabular}},
		"alzheimer": {Info: connector.Descriptor{Name: "alzheimer", Kind: connector.KindAlzheimer, Type: connector.TypeImage}},
	}
}

func (f *fakePredictor) Names() []string { return []string{"alzheimer", "diabetes"} }

// -- Fake Patient Lookup --

type fakePatients struct {
	owners map[string]string
	err    error
}

func (f *fakePatients) PatientBelongsTo(_ context.Context, patientID, doctorID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.owners[patientID] == doctorID, nil
}

var errLookup = errors.New("lookup unavailable")
