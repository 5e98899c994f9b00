// Package connector wraps each scoring backend behind a uniform prediction
// pipeline: validate, preprocess, infer, explain and persist. Connectors are
// built once at startup and are read-only afterwards.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/healthai/healthai/internal/ml/backend"
	"github.com/healthai/healthai/internal/ml/features"
	"github.com/rs/zerolog"
)

// Kind identifies a connector implementation. The set is closed: every
// value has a constructor in the registry's table.
type Kind string

const (
	KindDiabetes     Kind = "diabetes"
	KindBreastCancer Kind = "breast_cancer"
	KindAlzheimer    Kind = "alzheimer"
)

// Model input types.
const (
	TypeTabular = "tabular"
	TypeImage   = "image"
)

// Descriptor is the immutable metadata of a loaded model.
type Descriptor struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Type        string `json:"type"`
	Backend     string `json:"backend"`
	Version     string `json:"version"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
	Schema      Schema `json:"input_schema,omitempty"`
}

// Input is one prediction request. Tabular models read Fields; image
// models read Image.
type Input struct {
	Fields map[string]any
	Image  []byte
}

// PredictContext carries request metadata used when persisting.
type PredictContext struct {
	PatientID string
	DoctorID  string
	ImagePath string
}

// Features is the preprocessed input handed to the backend.
type Features struct {
	Names      []string
	Vector     []float64
	Tensor     *backend.Tensor
	Engineered features.Engineered
}

// Scores is the sanitised class distribution returned by a backend.
type Scores []float64

// Severity levels for explanatory factors.
const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"
)

// Factor is one explanatory entry attached to a prediction.
type Factor struct {
	Factor      string  `json:"factor"`
	Value       any     `json:"value"`
	Level       string  `json:"level"`
	Importance  float64 `json:"importance,omitempty"`
	Description string  `json:"description"`
}

// Result is the outcome of a successful pipeline run.
type Result struct {
	ID               string             `json:"id,omitempty"`
	Model            string             `json:"model"`
	Label            string             `json:"label"`
	Prediction       any                `json:"prediction"`
	Probability      float64            `json:"probability"`
	Confidence       float64            `json:"confidence"`
	Probabilities    map[string]float64 `json:"probabilities,omitempty"`
	ClassDescription string             `json:"description,omitempty"`
	Factors          []Factor           `json:"factors"`
	Timestamp        time.Time          `json:"timestamp"`
	StorageError     string             `json:"storage_error,omitempty"`
	StorageErrorHint string             `json:"storage_error_hint,omitempty"`
}

// Connector is the per-model prediction pipeline.
type Connector interface {
	Describe() Descriptor
	Validate(in Input) error
	Preprocess(in Input) (Features, error)
	Infer(ctx context.Context, f Features) (Scores, error)
	Interpret(s Scores) *Result
	Explain(in Input, f Features, s Scores) []Factor
	Persist(ctx context.Context, in Input, r *Result, pc PredictContext) (string, error)
}

// Record is what a connector hands to the storage layer.
type Record struct {
	Model     string
	Kind      Kind
	PatientID string
	DoctorID  string
	ImagePath string
	Input     map[string]any
	Result    *Result
}

// Recorder persists predictions. Implementations roll back their own
// pending writes on failure.
type Recorder interface {
	Record(ctx context.Context, rec Record) (string, error)
}

// Deps are the collaborators shared by every connector.
type Deps struct {
	Recorder Recorder
	Backend  backend.Options
	Features features.Config
	Logger   zerolog.Logger
}

// Constructor builds a connector from its descriptor.
type Constructor func(d Descriptor, deps Deps) (Connector, error)

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

const (
	storageErrorMessage = "Failed to store prediction in database"
	storageErrorHint    = "Database tables may not be initialized. Run `healthai-server migrate up`."
)

// Run drives one request through the pipeline. Validation and inference
// failures reject the request with an *Error. Persistence runs only when a
// patient is given, and its failure is reported on the result instead of
// failing the request.
func Run(ctx context.Context, c Connector, in Input, pc PredictContext) (*Result, error) {
	if err := c.Validate(in); err != nil {
		return nil, wrap(err, KindValidation)
	}
	f, err := c.Preprocess(in)
	if err != nil {
		return nil, wrap(err, KindValidation)
	}
	scores, err := c.Infer(ctx, f)
	if err != nil {
		return nil, wrap(err, KindBackend)
	}

	r := c.Interpret(scores)
	r.Model = c.Describe().Name
	r.Probability = clamp01(r.Probability)
	r.Confidence = clamp01(r.Confidence)
	r.Factors = c.Explain(in, f, scores)
	if r.Factors == nil {
		r.Factors = []Factor{}
	}
	r.Timestamp = time.Now().UTC()

	if pc.PatientID == "" {
		return r, nil
	}
	id, err := c.Persist(ctx, in, r, pc)
	if err != nil {
		r.StorageError = storageErrorMessage
		msg := err.Error()
		if strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist") {
			r.StorageErrorHint = storageErrorHint
		}
		return r, nil
	}
	r.ID = id
	return r, nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindBackend       ErrorKind = "backend"
	KindPersistence   ErrorKind = "persistence"
	KindConfiguration ErrorKind = "configuration"
	KindInternal      ErrorKind = "internal"
	KindNotFound      ErrorKind = "not_found"
)

// Error is the typed failure returned by pipeline stages. Message is safe
// to show to API clients.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func wrap(err error, kind ErrorKind) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// backendError converts a scorer failure into a result-shaped error.
func backendError(err error) *Error {
	if errors.Is(err, backend.ErrNotLoaded) {
		return &Error{Kind: KindBackend, Message: "Model not loaded - please check server configuration", Err: err}
	}
	return &Error{Kind: KindBackend, Message: err.Error(), Err: err}
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
