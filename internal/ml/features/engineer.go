// Package features derives the engineered diabetes feature set from raw
// clinical input. Every formula here is part of the contract with the
// pre-trained diabetes model: thresholds, weights and divisors must not drift.
package features

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Derived attribute names added by Transform.
const (
	BMICategory         = "bmi_category"
	AgeRisk             = "age_risk"
	AgeBMIInteraction   = "age_bmi_interaction"
	MedicalRiskScore    = "medical_risk_score"
	MetabolicScore      = "metabolic_score"
	SmokingRisk         = "smoking_risk"
	LifestyleScore      = "lifestyle_score"
	AgeHypertension     = "age_hypertension"
	AgeHeartDisease     = "age_heart_disease"
	CardioMetabolicRisk = "cardio_metabolic_risk"
	CombinedRiskScore   = "combined_risk_score"
)

// Config holds the thresholds used by the derivations.
type Config struct {
	AgeRiskThreshold     float64
	UnderweightBelow     float64
	NormalBelow          float64
	OverweightBelow      float64
	GlucoseRiskThreshold float64
	HbA1cRiskThreshold   float64
	SmokingRiskWeights   map[string]float64
	DefaultSmokingRisk   float64
}

// DefaultConfig returns the thresholds the diabetes model was trained with.
func DefaultConfig() Config {
	return Config{
		AgeRiskThreshold:     40.0,
		UnderweightBelow:     18.5,
		NormalBelow:          25.0,
		OverweightBelow:      30.0,
		GlucoseRiskThreshold: 140.0,
		HbA1cRiskThreshold:   5.7,
		SmokingRiskWeights: map[string]float64{
			"current":     1.0,
			"former":      0.7,
			"ever":        0.7,
			"not current": 0.5,
			"never":       0.0,
			"unknown":     0.5,
		},
		DefaultSmokingRisk: 0.5,
	}
}

// Engineer applies the derivations. It holds no mutable state and is safe
// for concurrent use.
type Engineer struct {
	cfg Config
}

// NewEngineer returns an Engineer using cfg.
func NewEngineer(cfg Config) *Engineer {
	return &Engineer{cfg: cfg}
}

// Engineered is the raw input plus every derived attribute. Derived values
// are always float64.
type Engineered map[string]any

// Float returns the numeric value stored under name, or 0 and false.
func (e Engineered) Float(name string) (float64, bool) {
	v, ok := e[name]
	if !ok {
		return 0, false
	}
	return Number(v)
}

// Transform enriches a validated raw input. The input map is not modified.
// Fields that cannot be read as numbers are treated as zero: validation is
// expected to have rejected such input already.
func (en *Engineer) Transform(raw map[string]any) Engineered {
	out := make(Engineered, len(raw)+11)
	for k, v := range raw {
		out[k] = v
	}

	age := num(raw["age"])
	bmi := num(raw["bmi"])
	hypertension := num(raw["hypertension"])
	heartDisease := num(raw["heart_disease"])
	glucose := num(raw["blood_glucose_level"])
	hba1c := num(raw["HbA1c_level"])

	category := en.bmiCategory(bmi)
	out[BMICategory] = category

	ageRisk := flag(age > en.cfg.AgeRiskThreshold)
	out[AgeRisk] = ageRisk
	out[AgeBMIInteraction] = age * bmi / 100.0

	overweight := flag(category >= 2)

	medical := (hypertension*2.0 +
		heartDisease*2.0 +
		ageRisk*1.5 +
		overweight*1.0) / 6.5
	out[MedicalRiskScore] = medical

	metabolic := (flag(glucose > en.cfg.GlucoseRiskThreshold)*2.0 +
		flag(hba1c > en.cfg.HbA1cRiskThreshold)*2.0 +
		overweight*1.0) / 5.0
	out[MetabolicScore] = metabolic

	smoking := en.smokingRisk(raw["smoking_history"])
	out[SmokingRisk] = smoking
	lifestyle := smoking*0.6 + overweight*0.4
	out[LifestyleScore] = lifestyle

	out[AgeHypertension] = age * hypertension
	out[AgeHeartDisease] = age * heartDisease
	out[CardioMetabolicRisk] = hypertension * heartDisease * metabolic
	out[CombinedRiskScore] = medical*0.4 + metabolic*0.4 + lifestyle*0.2

	return out
}

// BMICategoryOf returns the ordinal BMI category for bmi using the default
// thresholds: 0 underweight, 1 normal, 2 overweight, 3 obese.
func BMICategoryOf(bmi float64) int {
	return int(NewEngineer(DefaultConfig()).bmiCategory(bmi))
}

func (en *Engineer) bmiCategory(bmi float64) float64 {
	switch {
	case bmi < en.cfg.UnderweightBelow:
		return 0
	case bmi < en.cfg.NormalBelow:
		return 1
	case bmi < en.cfg.OverweightBelow:
		return 2
	default:
		return 3
	}
}

func (en *Engineer) smokingRisk(v any) float64 {
	s, _ := v.(string)
	if w, ok := en.cfg.SmokingRiskWeights[s]; ok {
		return w
	}
	return en.cfg.DefaultSmokingRisk
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func num(v any) float64 {
	f, _ := Number(v)
	return f
}

// Number reads v as a float64. JSON numbers, Go numeric types, booleans and
// numeric strings are accepted.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		return flag(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
