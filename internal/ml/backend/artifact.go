package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Artifact formats.
const (
	FormatLinear = "linear"
	FormatForest = "forest"
)

// Artifact is the on-disk JSON form of a locally evaluated model.
//
// A linear artifact holds one weight row per class, or a single row for a
// binary logistic model. Mean and Scale, when present, standardise the
// input before the dot product. A forest artifact holds binary decision
// trees whose leaves carry class distributions; tree outputs are averaged.
type Artifact struct {
	Format      string      `json:"format"`
	Version     string      `json:"version,omitempty"`
	Classes     int         `json:"classes"`
	Features    []string    `json:"features,omitempty"`
	Weights     [][]float64 `json:"weights,omitempty"`
	Bias        []float64   `json:"bias,omitempty"`
	Mean        []float64   `json:"mean,omitempty"`
	Scale       []float64   `json:"scale,omitempty"`
	Trees       []Tree      `json:"trees,omitempty"`
	Importances []float64   `json:"importances,omitempty"`
}

// Tree is a flattened binary decision tree. Node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is an internal split when Feature >= 0, otherwise a leaf whose
// Value holds per-class weights.
type Node struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

// ReadArtifact loads and validates an artifact file.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	return &a, nil
}

// Validate checks the artifact's internal consistency.
func (a *Artifact) Validate() error {
	if a.Classes < 2 {
		return fmt.Errorf("classes must be at least 2, got %d", a.Classes)
	}
	switch a.Format {
	case FormatLinear:
		return a.validateLinear()
	case FormatForest:
		return a.validateForest()
	default:
		return fmt.Errorf("unsupported artifact format %q", a.Format)
	}
}

func (a *Artifact) validateLinear() error {
	rows := len(a.Weights)
	if rows == 0 {
		return fmt.Errorf("linear artifact has no weights")
	}
	if rows != 1 && rows != a.Classes {
		return fmt.Errorf("linear artifact needs 1 or %d weight rows, got %d", a.Classes, rows)
	}
	if rows == 1 && a.Classes != 2 {
		return fmt.Errorf("single weight row requires 2 classes")
	}
	width := len(a.Weights[0])
	for i, row := range a.Weights {
		if len(row) != width {
			return fmt.Errorf("weight row %d has %d entries, want %d", i, len(row), width)
		}
	}
	if len(a.Bias) != 0 && len(a.Bias) != rows {
		return fmt.Errorf("bias has %d entries, want %d", len(a.Bias), rows)
	}
	if len(a.Mean) != 0 && len(a.Mean) != width {
		return fmt.Errorf("mean has %d entries, want %d", len(a.Mean), width)
	}
	if len(a.Scale) != 0 && len(a.Scale) != width {
		return fmt.Errorf("scale has %d entries, want %d", len(a.Scale), width)
	}
	return nil
}

func (a *Artifact) validateForest() error {
	if len(a.Trees) == 0 {
		return fmt.Errorf("forest artifact has no trees")
	}
	for ti, t := range a.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Feature < 0 {
				if len(n.Value) != a.Classes {
					return fmt.Errorf("tree %d leaf %d has %d values, want %d", ti, ni, len(n.Value), a.Classes)
				}
				continue
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
		}
	}
	return nil
}

func (a *Artifact) tabular() (TabularScorer, error) {
	switch a.Format {
	case FormatLinear:
		return &Linear{a: a}, nil
	case FormatForest:
		return &Forest{a: a}, nil
	}
	return nil, fmt.Errorf("unsupported artifact format %q", a.Format)
}

func (a *Artifact) image() (ImageScorer, error) {
	if a.Format != FormatLinear {
		return nil, fmt.Errorf("image backends support only %q artifacts", FormatLinear)
	}
	if w := len(a.Weights[0]); w != PooledFeatures {
		return nil, fmt.Errorf("image artifact expects %d pooled features, got %d", PooledFeatures, w)
	}
	return &pooledLinear{lin: &Linear{a: a}}, nil
}

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear is a logistic (binary) or softmax (multi-class) model.
type Linear struct {
	a *Artifact
}

func (l *Linear) PredictProba(_ context.Context, x []float64) ([]float64, error) {
	return l.proba(x)
}

func (l *Linear) proba(x []float64) ([]float64, error) {
	a := l.a
	if len(x) != len(a.Weights[0]) {
		return nil, fmt.Errorf("expected %d features, got %d", len(a.Weights[0]), len(x))
	}

	z := make([]float64, len(a.Weights))
	for r, row := range a.Weights {
		var s float64
		if len(a.Bias) > 0 {
			s = a.Bias[r]
		}
		for i, w := range row {
			s += w * l.standardise(i, x[i])
		}
		z[r] = s
	}

	if len(z) == 1 {
		p := 1 / (1 + math.Exp(-z[0]))
		return []float64{1 - p, p}, nil
	}
	return Softmax(z), nil
}

func (l *Linear) standardise(i int, v float64) float64 {
	if len(l.a.Mean) > 0 {
		v -= l.a.Mean[i]
	}
	if len(l.a.Scale) > 0 && l.a.Scale[i] != 0 {
		v /= l.a.Scale[i]
	}
	return v
}

// FeatureImportances returns the artifact's stored importances, or the
// normalised absolute weights of the positive class row.
func (l *Linear) FeatureImportances() []float64 {
	if len(l.a.Importances) > 0 {
		return append([]float64(nil), l.a.Importances...)
	}
	row := l.a.Weights[len(l.a.Weights)-1]
	out := make([]float64, len(row))
	var sum float64
	for i, w := range row {
		out[i] = math.Abs(w)
		sum += out[i]
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Forest
// ---------------------------------------------------------------------------

// Forest averages the normalised leaf distributions of its trees.
type Forest struct {
	a *Artifact
}

func (f *Forest) PredictProba(_ context.Context, x []float64) ([]float64, error) {
	out := make([]float64, f.a.Classes)
	for ti, t := range f.a.Trees {
		leaf, err := walk(t, x)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", ti, err)
		}
		var sum float64
		for _, v := range leaf.Value {
			sum += v
		}
		for c, v := range leaf.Value {
			if sum > 0 {
				out[c] += v / sum
			}
		}
	}
	for c := range out {
		out[c] /= float64(len(f.a.Trees))
	}
	return out, nil
}

func walk(t Tree, x []float64) (Node, error) {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n, nil
		}
		if n.Feature >= len(x) {
			return Node{}, fmt.Errorf("split on feature %d but only %d features given", n.Feature, len(x))
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// FeatureImportances returns the stored importances. Forests without them
// report split counts per feature, normalised.
func (f *Forest) FeatureImportances() []float64 {
	if len(f.a.Importances) > 0 {
		return append([]float64(nil), f.a.Importances...)
	}
	width := 0
	for _, t := range f.a.Trees {
		for _, n := range t.Nodes {
			if n.Feature+1 > width {
				width = n.Feature + 1
			}
		}
	}
	if len(f.a.Features) > width {
		width = len(f.a.Features)
	}
	out := make([]float64, width)
	var total float64
	for _, t := range f.a.Trees {
		for _, n := range t.Nodes {
			if n.Feature >= 0 {
				out[n.Feature]++
				total++
			}
		}
	}
	if total > 0 {
		for i := range out {
			out[i] /= total
		}
	}
	return out
}

// pooledLinear classifies images from their pooled channel statistics.
type pooledLinear struct {
	lin *Linear
}

func (p *pooledLinear) Classify(_ context.Context, t Tensor) ([]float64, error) {
	return p.lin.proba(t.Pool())
}
