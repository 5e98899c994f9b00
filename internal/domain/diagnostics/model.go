package diagnostics

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/healthai/healthai/internal/ml/connector"
)

var (
	ErrNotFound        = errors.New("prediction not found")
	ErrPatientNotFound = errors.New("patient not found")
)

type validationError string

func (e validationError) Error() string { return string(e) }

// Prediction is a stored model run for one patient.
type Prediction struct {
	ID               uuid.UUID         `json:"id"`
	Model            string            `json:"model"`
	Kind             string            `json:"kind"`
	PatientID        uuid.UUID         `json:"patient_id"`
	DoctorID         *uuid.UUID        `json:"doctor_id"`
	Input            map[string]any    `json:"input_data"`
	Result           *connector.Result `json:"result"`
	Label            string            `json:"label"`
	Probability      float64           `json:"probability"`
	Confidence       float64           `json:"confidence"`
	ImagePath        *string           `json:"image_path"`
	DoctorAssessment *string           `json:"doctor_assessment"`
	DoctorNotes      *string           `json:"doctor_notes"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// FromRecord converts what a connector hands to storage into a Prediction.
func FromRecord(rec connector.Record) (*Prediction, error) {
	patientID, err := uuid.Parse(rec.PatientID)
	if err != nil {
		return nil, ErrPatientNotFound
	}
	p := &Prediction{
		Model:     rec.Model,
		Kind:      string(rec.Kind),
		PatientID: patientID,
		Input:     rec.Input,
		Result:    rec.Result,
	}
	if rec.Result != nil {
		p.Label = rec.Result.Label
		p.Probability = rec.Result.Probability
		p.Confidence = rec.Result.Confidence
	}
	if id, err := uuid.Parse(rec.DoctorID); err == nil {
		p.DoctorID = &id
	}
	if rec.ImagePath != "" {
		path := rec.ImagePath
		p.ImagePath = &path
	}
	if p.Input == nil {
		p.Input = map[string]any{}
	}
	return p, nil
}

// AssessmentUpdate is the body of PUT /predictions/:id. A field left out of
// the body is not changed; an explicit null clears it.
type AssessmentUpdate struct {
	DoctorAssessment json.RawMessage `json:"doctor_assessment"`
	DoctorNotes      json.RawMessage `json:"doctor_notes"`
}

func (u *AssessmentUpdate) Empty() bool {
	return len(u.DoctorAssessment) == 0 && len(u.DoctorNotes) == 0
}

// Apply copies the present fields onto p. Assessments may be sent as a
// string or as a boolean confirmation of the model's finding.
func (u *AssessmentUpdate) Apply(p *Prediction) error {
	if len(u.DoctorAssessment) > 0 {
		v, err := textValue(u.DoctorAssessment)
		if err != nil {
			return validationError("doctor_assessment must be a string or boolean")
		}
		p.DoctorAssessment = v
	}
	if len(u.DoctorNotes) > 0 {
		v, err := textValue(u.DoctorNotes)
		if err != nil {
			return validationError("doctor_notes must be a string")
		}
		p.DoctorNotes = v
	}
	return nil
}

func textValue(raw json.RawMessage) (*string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &t, nil
	case bool:
		s := strconv.FormatBool(t)
		return &s, nil
	default:
		return nil, errors.New("unsupported type")
	}
}

// -- Statistics --

// ModelStats counts one model's predictions.
type ModelStats struct {
	Total      int     `json:"total"`
	Period     int     `json:"period"`
	Percentage float64 `json:"percentage"`
}

// Stats summarises predictions overall and since a cut-off.
type Stats struct {
	Total   int                   `json:"totalDiagnostics"`
	Period  int                   `json:"periodDiagnostics"`
	ByModel map[string]ModelStats `json:"diagnosticsByType"`
}

func buildStats(models []string, total, period map[string]int) *Stats {
	s := &Stats{ByModel: make(map[string]ModelStats)}
	for _, m := range models {
		s.ByModel[m] = ModelStats{}
	}
	for m, n := range total {
		ms := s.ByModel[m]
		ms.Total = n
		s.ByModel[m] = ms
		s.Total += n
	}
	for m, n := range period {
		ms := s.ByModel[m]
		ms.Period = n
		s.ByModel[m] = ms
		s.Period += n
	}
	if s.Total > 0 {
		for m, ms := range s.ByModel {
			ms.Percentage = math.Round(float64(ms.Total)/float64(s.Total)*1000) / 10
			s.ByModel[m] = ms
		}
	}
	return s
}
