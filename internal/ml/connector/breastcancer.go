package connector

import (
	"context"
	"sort"

	"github.com/healthai/healthai/internal/ml/backend"
	"github.com/healthai/healthai/internal/ml/features"
)

// BreastCancerSchema holds the cell-nucleus measurements, in model order.
var BreastCancerSchema = Schema{
	{Name: "radius_mean", Type: Continuous, Min: 5, Max: 30},
	{Name: "texture_mean", Type: Continuous, Min: 5, Max: 50},
	{Name: "perimeter_mean", Type: Continuous, Min: 40, Max: 200},
	{Name: "area_mean", Type: Continuous, Min: 100, Max: 2500},
	{Name: "smoothness_mean", Type: Continuous, Min: 0.05, Max: 0.2},
	{Name: "compactness_mean", Type: Continuous, Min: 0.01, Max: 0.5},
	{Name: "concavity_mean", Type: Continuous, Min: 0, Max: 0.5},
	{Name: "concave_points_mean", Type: Continuous, Min: 0, Max: 0.3},
	{Name: "symmetry_mean", Type: Continuous, Min: 0.1, Max: 0.4},
	{Name: "fractal_dimension_mean", Type: Continuous, Min: 0.04, Max: 0.1},
}

// breastCancerWeights are used when the backend exposes no importances.
// They follow the relative predictive strength of the WDBC mean features
// and sum to 1.
var breastCancerWeights = map[string]float64{
	"radius_mean":            0.14,
	"texture_mean":           0.06,
	"perimeter_mean":         0.15,
	"area_mean":              0.13,
	"smoothness_mean":        0.04,
	"compactness_mean":       0.07,
	"concavity_mean":         0.14,
	"concave_points_mean":    0.20,
	"symmetry_mean":          0.04,
	"fractal_dimension_mean": 0.03,
}

var breastCancerDescriptions = map[string]string{
	"radius_mean":            "Mean distance from center to points on the perimeter",
	"texture_mean":           "Standard deviation of gray-scale values",
	"perimeter_mean":         "Mean size of the core tumor",
	"area_mean":              "Mean area of the core tumor",
	"smoothness_mean":        "Mean local variation in radius lengths",
	"compactness_mean":       "Mean of perimeter^2 / area - 1.0",
	"concavity_mean":         "Mean severity of concave portions of the contour",
	"concave_points_mean":    "Mean number of concave portions of the contour",
	"symmetry_mean":          "Mean symmetry of the cell nuclei",
	"fractal_dimension_mean": "Mean coastline approximation - 1",
}

// BreastCancer classifies a tumor as malignant or benign.
type BreastCancer struct {
	base
	scorer backend.TabularScorer
}

// NewBreastCancer builds the breast cancer connector.
func NewBreastCancer(d Descriptor, deps Deps) (Connector, error) {
	d.Type = TypeTabular
	d.Schema = BreastCancerSchema
	return &BreastCancer{
		base:   newBase(d, deps),
		scorer: backend.LoadTabular(d.Backend, deps.Backend),
	}, nil
}

func (c *BreastCancer) Validate(in Input) error {
	return BreastCancerSchema.Validate(in.Fields)
}

func (c *BreastCancer) Preprocess(in Input) (Features, error) {
	names := BreastCancerSchema.Names()
	vec := make([]float64, len(names))
	for i, name := range names {
		v, ok := features.Number(in.Fields[name])
		if !ok {
			c.logger.Warn().Str("feature", name).Msg("feature missing or invalid, using 0")
		}
		vec[i] = v
	}
	return Features{Names: names, Vector: vec}, nil
}

func (c *BreastCancer) Infer(ctx context.Context, f Features) (Scores, error) {
	return c.inferTabular(ctx, c.scorer, f, 2)
}

func (c *BreastCancer) Interpret(s Scores) *Result {
	p := s[1]
	label := "benign"
	if p >= 0.5 {
		label = "malignant"
	}
	return &Result{
		Label:       label,
		Prediction:  label,
		Probability: p,
		Confidence:  max(s[0], s[1]),
	}
}

// Explain ranks the input measurements by importance, highest first.
func (c *BreastCancer) Explain(in Input, f Features, _ Scores) []Factor {
	weights := c.importances(f.Names)
	out := make([]Factor, 0, len(f.Names))
	for i, name := range f.Names {
		w := weights[i]
		out = append(out, Factor{
			Factor:      name,
			Value:       f.Vector[i],
			Level:       importanceLevel(w),
			Importance:  w,
			Description: breastCancerDescriptions[name],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Importance > out[j].Importance
	})
	return out
}

func (c *BreastCancer) importances(names []string) []float64 {
	if ip, ok := c.scorer.(backend.ImportanceProvider); ok {
		if native := ip.FeatureImportances(); len(native) == len(names) {
			return native
		}
	}
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = breastCancerWeights[name]
	}
	return out
}

func (c *BreastCancer) Persist(ctx context.Context, in Input, r *Result, pc PredictContext) (string, error) {
	return c.record(ctx, in.Fields, r, pc)
}

func importanceLevel(w float64) string {
	switch {
	case w >= 0.15:
		return LevelHigh
	case w >= 0.08:
		return LevelMedium
	default:
		return LevelLow
	}
}
