package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthai/healthai/internal/ml/connector"
	"github.com/healthai/healthai/internal/ml/registry"
	"github.com/healthai/healthai/internal/platform/blobstore"
)

// Predictor is the slice of the model registry the service needs.
type Predictor interface {
	Predict(ctx context.Context, name string, in connector.Input, pc connector.PredictContext) registry.Outcome
	List() map[string]registry.ModelInfo
	Names() []string
}

// PatientLookup answers whether a patient belongs to a doctor.
type PatientLookup interface {
	PatientBelongsTo(ctx context.Context, patientID, doctorID string) (bool, error)
}

// UploadObserver counts stored uploads.
type UploadObserver interface {
	ObserveUpload()
}

type Service struct {
	repo     PredictionRepository
	models   Predictor
	patients PatientLookup
	uploads  blobstore.BlobStore
	observer UploadObserver
	logger   zerolog.Logger
}

func NewService(repo PredictionRepository, models Predictor, patients PatientLookup, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		models:   models,
		patients: patients,
		logger:   logger.With().Str("component", "diagnostics").Logger(),
	}
}

// WithUploads keeps submitted images in store before scoring them.
func (s *Service) WithUploads(store blobstore.BlobStore, observer UploadObserver) *Service {
	s.uploads = store
	s.observer = observer
	return s
}

// PredictRequest is one scoring request on behalf of a doctor.
type PredictRequest struct {
	Model     string
	PatientID string
	DoctorID  string
	Fields    map[string]any
	Image     []byte
	FileName  string
}

// Models lists the registered models.
func (s *Service) Models() map[string]registry.ModelInfo {
	return s.models.List()
}

func (s *Service) checkPatient(ctx context.Context, patientID, doctorID string) error {
	ok, err := s.patients.PatientBelongsTo(ctx, patientID, doctorID)
	if err != nil {
		return fmt.Errorf("look up patient: %w", err)
	}
	if !ok {
		s.logger.Warn().Str("patient_id", patientID).Str("doctor_id", doctorID).Msg("patient not found or not owned by doctor")
		return ErrPatientNotFound
	}
	return nil
}

// Predict scores req after checking patient ownership. A scoring failure
// comes back in the Outcome; the error is reserved for failures around
// the pipeline. An upload made for a failed prediction is removed again.
func (s *Service) Predict(ctx context.Context, req PredictRequest) (registry.Outcome, error) {
	if err := s.checkPatient(ctx, req.PatientID, req.DoctorID); err != nil {
		return registry.Outcome{}, err
	}

	pc := connector.PredictContext{PatientID: req.PatientID, DoctorID: req.DoctorID}
	var upload *blobstore.BlobMetadata
	if len(req.Image) > 0 && s.uploads != nil {
		meta, err := s.uploads.Upload(ctx, blobstore.BlobMetadata{
			FileName:  req.FileName,
			PatientID: req.PatientID,
			Model:     req.Model,
			CreatedBy: req.DoctorID,
		}, bytes.NewReader(req.Image))
		if err != nil {
			if errors.Is(err, blobstore.ErrInvalidContentType) || errors.Is(err, blobstore.ErrFileTooLarge) {
				return registry.Outcome{Err: connector.Errorf(connector.KindValidation, "Invalid image data: %v", err)}, nil
			}
			return registry.Outcome{}, fmt.Errorf("store upload: %w", err)
		}
		if s.observer != nil {
			s.observer.ObserveUpload()
		}
		upload = meta
		pc.ImagePath = meta.Path
	}

	out := s.models.Predict(ctx, req.Model, connector.Input{Fields: req.Fields, Image: req.Image}, pc)
	if !out.OK() && upload != nil {
		if err := s.uploads.Delete(ctx, upload.ID); err != nil {
			s.logger.Error().Err(err).Str("upload_id", upload.ID).Msg("failed to remove upload of failed prediction")
		}
	}
	return out, nil
}

// History returns a patient's predictions for model, newest first.
func (s *Service) History(ctx context.Context, model, patientID, doctorID string) ([]*Prediction, error) {
	if err := s.checkPatient(ctx, patientID, doctorID); err != nil {
		return nil, err
	}
	pid, _ := uuid.Parse(patientID)
	return s.repo.ListByPatient(ctx, pid, model)
}

// Get returns a prediction whose patient belongs to doctorID.
func (s *Service) Get(ctx context.Context, id uuid.UUID, doctorID string) (*Prediction, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkPatient(ctx, p.PatientID.String(), doctorID); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateAssessment records the doctor's own judgement of a prediction.
func (s *Service) UpdateAssessment(ctx context.Context, id uuid.UUID, doctorID string, upd AssessmentUpdate) (*Prediction, error) {
	p, err := s.Get(ctx, id, doctorID)
	if err != nil {
		return nil, err
	}
	if err := upd.Apply(p); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateAssessment(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("prediction_id", id.String()).Msg("prediction assessment updated")
	return p, nil
}

// Stats counts predictions per model, overall and since the cut-off.
// Every registered model appears even without predictions.
func (s *Service) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	total, err := s.repo.CountByModel(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("count predictions: %w", err)
	}
	period, err := s.repo.CountByModel(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count predictions since %s: %w", since.Format(time.RFC3339), err)
	}
	return buildStats(s.models.Names(), total, period), nil
}
