package connector

import (
	"context"
	"sort"

	"github.com/healthai/healthai/internal/ml/backend"
	"github.com/healthai/healthai/internal/ml/features"
)

// DiabetesSchema is the raw input accepted by the diabetes model.
var DiabetesSchema = Schema{
	{Name: "gender", Type: Categorical, Options: []string{"Male", "Female", "Other"}},
	{Name: "smoking_history", Type: Categorical, Options: []string{"never", "former", "current", "not current", "ever", "unknown"}},
	{Name: "hypertension", Type: Binary},
	{Name: "heart_disease", Type: Binary},
	{Name: "age", Type: Continuous, Min: 0, Max: 120},
	{Name: "bmi", Type: Continuous, Min: 10, Max: 60},
	{Name: "HbA1c_level", Type: Continuous, Min: 3, Max: 15},
	{Name: "blood_glucose_level", Type: Continuous, Min: 50, Max: 400},
}

// DiabetesFeatureOrder is the vector layout the diabetes model was trained on.
var DiabetesFeatureOrder = []string{
	"gender",
	"age",
	"hypertension",
	"heart_disease",
	"smoking_history",
	"bmi",
	features.BMICategory,
	features.AgeRisk,
	features.AgeBMIInteraction,
	features.MedicalRiskScore,
	features.MetabolicScore,
	features.LifestyleScore,
	features.AgeHypertension,
	features.AgeHeartDisease,
	features.CardioMetabolicRisk,
	features.CombinedRiskScore,
	features.SmokingRisk,
	"HbA1c_level",
	"blood_glucose_level",
}

var (
	genderCodes = map[string]float64{"Male": 0, "Female": 1, "Other": 2}

	smokingCodes = map[string]float64{
		"never":       0,
		"former":      1,
		"current":     2,
		"not current": 3,
		"ever":        4,
		"unknown":     5,
	}
)

// Diabetes predicts diabetes risk from clinical measurements.
type Diabetes struct {
	base
	engineer *features.Engineer
	scorer   backend.TabularScorer
}

// NewDiabetes builds the diabetes connector. A backend that fails to load
// leaves the connector usable; every prediction then reports the failure.
func NewDiabetes(d Descriptor, deps Deps) (Connector, error) {
	d.Type = TypeTabular
	d.Schema = DiabetesSchema
	return &Diabetes{
		base:     newBase(d, deps),
		engineer: features.NewEngineer(deps.Features),
		scorer:   backend.LoadTabular(d.Backend, deps.Backend),
	}, nil
}

func (c *Diabetes) Validate(in Input) error {
	return DiabetesSchema.Validate(in.Fields)
}

func (c *Diabetes) Preprocess(in Input) (Features, error) {
	eng := c.engineer.Transform(in.Fields)
	vec := make([]float64, len(DiabetesFeatureOrder))
	for i, name := range DiabetesFeatureOrder {
		switch name {
		case "gender":
			s, _ := eng[name].(string)
			vec[i] = genderCodes[s]
		case "smoking_history":
			s, _ := eng[name].(string)
			vec[i] = smokingCodes[s]
		default:
			v, ok := eng.Float(name)
			if !ok {
				c.logger.Warn().Str("feature", name).Msg("feature missing from engineered input, using 0")
			}
			vec[i] = v
		}
	}
	return Features{Names: DiabetesFeatureOrder, Vector: vec, Engineered: eng}, nil
}

func (c *Diabetes) Infer(ctx context.Context, f Features) (Scores, error) {
	return c.inferTabular(ctx, c.scorer, f, 2)
}

func (c *Diabetes) Interpret(s Scores) *Result {
	p := s[1]
	prediction, label := 0, "no_diabetes"
	if p >= 0.5 {
		prediction, label = 1, "diabetes"
	}
	return &Result{
		Label:       label,
		Prediction:  prediction,
		Probability: p,
		Confidence:  max(s[0], s[1]),
	}
}

// Explain lists the clinically notable thresholds crossed by the raw
// input, most severe first.
func (c *Diabetes) Explain(in Input, _ Features, _ Scores) []Factor {
	f := in.Fields
	age, _ := features.Number(f["age"])
	bmi, _ := features.Number(f["bmi"])
	glucose, _ := features.Number(f["blood_glucose_level"])
	hba1c, _ := features.Number(f["HbA1c_level"])
	hypertension, _ := features.Number(f["hypertension"])
	heartDisease, _ := features.Number(f["heart_disease"])
	smoking, _ := f["smoking_history"].(string)

	var out []Factor
	if age > 45 {
		out = append(out, Factor{
			Factor:      "age",
			Value:       age,
			Level:       levelAbove(age > 65),
			Description: "Age above 45 increases diabetes risk",
		})
	}
	if bmi >= 25 {
		out = append(out, Factor{
			Factor:      "bmi",
			Value:       bmi,
			Level:       levelAbove(bmi >= 30),
			Description: "BMI of 25 or higher indicates overweight/obesity, increasing diabetes risk",
		})
	}
	if glucose >= 140 {
		out = append(out, Factor{
			Factor:      "blood_glucose_level",
			Value:       glucose,
			Level:       levelAbove(glucose >= 200),
			Description: "Elevated blood glucose level indicates potential diabetes",
		})
	}
	if hba1c >= 5.7 {
		out = append(out, Factor{
			Factor:      "HbA1c_level",
			Value:       hba1c,
			Level:       levelAbove(hba1c >= 6.5),
			Description: "HbA1c of 5.7 or higher indicates prediabetes or diabetes",
		})
	}
	if hypertension == 1 {
		out = append(out, Factor{
			Factor:      "hypertension",
			Value:       "Yes",
			Level:       LevelMedium,
			Description: "Hypertension is associated with increased diabetes risk",
		})
	}
	if heartDisease == 1 {
		out = append(out, Factor{
			Factor:      "heart_disease",
			Value:       "Yes",
			Level:       LevelMedium,
			Description: "Heart disease is associated with increased diabetes risk",
		})
	}
	if smoking == "current" || smoking == "ever" {
		out = append(out, Factor{
			Factor:      "smoking_history",
			Value:       smoking,
			Level:       LevelMedium,
			Description: "Smoking is associated with increased diabetes risk",
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return levelRank(out[i].Level) < levelRank(out[j].Level)
	})
	return out
}

func (c *Diabetes) Persist(ctx context.Context, in Input, r *Result, pc PredictContext) (string, error) {
	return c.record(ctx, in.Fields, r, pc)
}

func levelAbove(high bool) string {
	if high {
		return LevelHigh
	}
	return LevelMedium
}
