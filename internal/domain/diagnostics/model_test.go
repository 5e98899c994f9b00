package diagnostics

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/healthai/healthai/internal/ml/connector"
)

func TestFromRecord(t *testing.T) {
	patient, doctor := uuid.New(), uuid.New()
	p, err := FromRecord(connector.Record{
		Model:     "alzheimer",
		Kind:      connector.KindAlzheimer,
		PatientID: patient.String(),
		DoctorID:  doctor.String(),
		ImagePath: "/uploads/x.png",
		Result:    &connector.Result{Label: "NonDemented", Probability: 0.7, Confidence: 0.7},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.PatientID != patient || *p.DoctorID != doctor || *p.ImagePath != "/uploads/x.png" {
		t.Errorf("unexpected ids %+v", p)
	}
	if p.Label != "NonDemented" || p.Probability != 0.7 || p.Input == nil {
		t.Errorf("unexpected fields %+v", p)
	}

	p, _ = FromRecord(connector.Record{Model: "diabetes", PatientID: patient.String()})
	if p.DoctorID != nil || p.ImagePath != nil {
		t.Error("optional fields should stay nil")
	}

	if _, err := FromRecord(connector.Record{PatientID: "42"}); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestAssessmentUpdate_Apply(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *string
		wantErr bool
	}{
		{"string", `"Type 2 confirmed"`, strp("Type 2 confirmed"), false},
		{"bool", `false`, strp("false"), false},
		{"null clears", `null`, nil, false},
		{"number rejected", `3`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Prediction{DoctorAssessment: strp("previous")}
			err := (&AssessmentUpdate{DoctorAssessment: []byte(tt.raw)}).Apply(p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (tt.want == nil) != (p.DoctorAssessment == nil) || (tt.want != nil && *tt.want != *p.DoctorAssessment) {
				t.Errorf("got %v, want %v", p.DoctorAssessment, tt.want)
			}
		})
	}
}

func TestBuildStats_NoPredictions(t *testing.T) {
	s := buildStats([]string{"diabetes"}, map[string]int{}, map[string]int{})
	if s.Total != 0 || s.ByModel["diabetes"].Percentage != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func strp(s string) *string { return &s }
