package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthai/healthai/internal/platform/db"
)

type predictionRepoPG struct {
	pool *pgxpool.Pool
}

func NewPredictionRepoPG(pool *pgxpool.Pool) PredictionRepository {
	return &predictionRepoPG{pool: pool}
}

func (r *predictionRepoPG) conn(ctx context.Context) db.Querier {
	if q := db.ConnFromContext(ctx); q != nil {
		return q
	}
	return r.pool
}

const predictionCols = `id, model, kind, patient_id, doctor_id, input_data, result, label,
	probability, confidence, image_path, doctor_assessment, doctor_notes, created_at, updated_at`

func scanPrediction(row pgx.Row) (*Prediction, error) {
	var p Prediction
	err := row.Scan(&p.ID, &p.Model, &p.Kind, &p.PatientID, &p.DoctorID, &p.Input, &p.Result, &p.Label,
		&p.Probability, &p.Confidence, &p.ImagePath, &p.DoctorAssessment, &p.DoctorNotes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts p in its own transaction, nested in the request's ambient
// connection when there is one.
func (r *predictionRepoPG) Create(ctx context.Context, p *Prediction) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO predictions (id, model, kind, patient_id, doctor_id, input_data, result, label,
				probability, confidence, image_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at, updated_at`,
			p.ID, p.Model, p.Kind, p.PatientID, p.DoctorID, p.Input, p.Result, p.Label,
			p.Probability, p.Confidence, p.ImagePath,
		).Scan(&p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert prediction: %w", err)
		}
		return nil
	})
}

func (r *predictionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prediction, error) {
	return scanPrediction(r.conn(ctx).QueryRow(ctx, `SELECT `+predictionCols+` FROM predictions WHERE id = $1`, id))
}

func (r *predictionRepoPG) UpdateAssessment(ctx context.Context, p *Prediction) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE predictions SET doctor_assessment = $2, doctor_notes = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.DoctorAssessment, p.DoctorNotes,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *predictionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, model string) ([]*Prediction, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+predictionCols+` FROM predictions
		WHERE patient_id = $1 AND ($2 = '' OR model = $2)
		ORDER BY created_at DESC`, patientID, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *predictionRepoPG) CountByModel(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT model, COUNT(*) FROM predictions
		WHERE created_at >= $1
		GROUP BY model`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, err
		}
		counts[model] = n
	}
	return counts, rows.Err()
}
