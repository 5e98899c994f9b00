package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/healthai/healthai/internal/platform/db"
)

// Bucket layout:
//
//	predictions/<model>/<id>     -> JSON record
//	prediction_models/<id>       -> model name
//	patient_predictions/<pid>/<id> -> model name
const (
	predictionsBucket        = "predictions"
	predictionModelsBucket   = "prediction_models"
	patientPredictionsBucket = "patient_predictions"
)

// PredictionRepoBolt is the PredictionRepository of the embedded store.
type PredictionRepoBolt struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewPredictionRepoBolt creates the prediction buckets in store when
// missing.
func NewPredictionRepoBolt(store *db.Bolt) (*PredictionRepoBolt, error) {
	if err := store.EnsureBuckets(predictionsBucket, predictionModelsBucket, patientPredictionsBucket); err != nil {
		return nil, err
	}
	return &PredictionRepoBolt{db: store.DB, now: time.Now}, nil
}

func (r *PredictionRepoBolt) Create(_ context.Context, p *Prediction) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = r.now().UTC()
	p.UpdatedAt = p.CreatedAt

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prediction: %w", err)
	}
	id := []byte(p.ID.String())
	model := []byte(p.Model)

	// a failed Put aborts the whole transaction, so no index entry can
	// outlive its record
	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket([]byte(predictionsBucket)).CreateBucketIfNotExists(model)
		if err != nil {
			return fmt.Errorf("create model bucket: %w", err)
		}
		if err := b.Put(id, data); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(predictionModelsBucket)).Put(id, model); err != nil {
			return err
		}
		pb, err := tx.Bucket([]byte(patientPredictionsBucket)).CreateBucketIfNotExists([]byte(p.PatientID.String()))
		if err != nil {
			return fmt.Errorf("create patient bucket: %w", err)
		}
		return pb.Put(id, model)
	})
}

func getPrediction(tx *bbolt.Tx, id []byte) (*Prediction, error) {
	model := tx.Bucket([]byte(predictionModelsBucket)).Get(id)
	if model == nil {
		return nil, ErrNotFound
	}
	b := tx.Bucket([]byte(predictionsBucket)).Bucket(model)
	if b == nil {
		return nil, ErrNotFound
	}
	data := b.Get(id)
	if data == nil {
		return nil, ErrNotFound
	}
	var p Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode prediction %s: %w", id, err)
	}
	return &p, nil
}

func (r *PredictionRepoBolt) GetByID(_ context.Context, id uuid.UUID) (*Prediction, error) {
	var p *Prediction
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		p, err = getPrediction(tx, []byte(id.String()))
		return err
	})
	return p, err
}

func (r *PredictionRepoBolt) UpdateAssessment(_ context.Context, p *Prediction) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		id := []byte(p.ID.String())
		stored, err := getPrediction(tx, id)
		if err != nil {
			return err
		}
		stored.DoctorAssessment = p.DoctorAssessment
		stored.DoctorNotes = p.DoctorNotes
		stored.UpdatedAt = r.now().UTC()

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal prediction: %w", err)
		}
		if err := tx.Bucket([]byte(predictionsBucket)).Bucket([]byte(stored.Model)).Put(id, data); err != nil {
			return err
		}
		p.UpdatedAt = stored.UpdatedAt
		return nil
	})
}

func (r *PredictionRepoBolt) ListByPatient(_ context.Context, patientID uuid.UUID, model string) ([]*Prediction, error) {
	var out []*Prediction
	err := r.db.View(func(tx *bbolt.Tx) error {
		pb := tx.Bucket([]byte(patientPredictionsBucket)).Bucket([]byte(patientID.String()))
		if pb == nil {
			return nil
		}
		return pb.ForEach(func(id, m []byte) error {
			if model != "" && string(m) != model {
				return nil
			}
			p, err := getPrediction(tx, id)
			if err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *PredictionRepoBolt) CountByModel(_ context.Context, since time.Time) (map[string]int, error) {
	counts := make(map[string]int)
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(predictionsBucket)).ForEach(func(model, v []byte) error {
			if v != nil {
				return nil
			}
			name := string(model)
			return tx.Bucket([]byte(predictionsBucket)).Bucket(model).ForEach(func(_, data []byte) error {
				var head struct {
					CreatedAt time.Time `json:"created_at"`
				}
				if err := json.Unmarshal(data, &head); err != nil {
					return nil // skip malformed records
				}
				if !head.CreatedAt.Before(since) {
					counts[name]++
				}
				return nil
			})
		})
	})
	return counts, err
}

// DeleteByPatient removes every prediction of a patient. The embedded
// store has no foreign keys, so patient deletion calls it explicitly.
func (r *PredictionRepoBolt) DeleteByPatient(_ context.Context, patientID uuid.UUID) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		patients := tx.Bucket([]byte(patientPredictionsBucket))
		pid := []byte(patientID.String())
		pb := patients.Bucket(pid)
		if pb == nil {
			return nil
		}
		err := pb.ForEach(func(id, model []byte) error {
			if b := tx.Bucket([]byte(predictionsBucket)).Bucket(model); b != nil {
				if err := b.Delete(id); err != nil {
					return err
				}
			}
			return tx.Bucket([]byte(predictionModelsBucket)).Delete(id)
		})
		if err != nil {
			return err
		}
		return patients.DeleteBucket(pid)
	})
}
