// Package backend loads the opaque scoring functions behind each model
// connector. A backend is located by a string: a path to a JSON artifact
// (relative paths resolve against the models directory) or an http(s) URL
// of a remote inference server. Backends are read-only once loaded and are
// safe for concurrent use.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotLoaded is wrapped by every error returned from an Unavailable scorer.
var ErrNotLoaded = errors.New("model not loaded")

// TabularScorer maps an ordered feature vector to class probabilities.
type TabularScorer interface {
	PredictProba(ctx context.Context, x []float64) ([]float64, error)
}

// ImageScorer maps a normalised image tensor to a class distribution.
type ImageScorer interface {
	Classify(ctx context.Context, t Tensor) ([]float64, error)
}

// ImportanceProvider is implemented by backends that expose native
// per-feature importances, aligned with the feature order they were
// trained on.
type ImportanceProvider interface {
	FeatureImportances() []float64
}

// Options control how locators are resolved.
type Options struct {
	ModelsDir string
	Timeout   time.Duration
	Logger    zerolog.Logger
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadTabular resolves locator into a TabularScorer. Load failures are
// logged and yield an Unavailable scorer, so a broken artifact surfaces per
// request instead of aborting startup.
func LoadTabular(locator string, opts Options) TabularScorer {
	s, err := loadTabular(locator, opts)
	if err != nil {
		opts.Logger.Error().Err(err).Str("backend", locator).Msg("failed to load tabular backend")
		return &Unavailable{Err: err}
	}
	return s
}

// LoadImage resolves locator into an ImageScorer, with the same failure
// behaviour as LoadTabular.
func LoadImage(locator string, opts Options) ImageScorer {
	s, err := loadImage(locator, opts)
	if err != nil {
		opts.Logger.Error().Err(err).Str("backend", locator).Msg("failed to load image backend")
		return &Unavailable{Err: err}
	}
	return s
}

func loadTabular(locator string, opts Options) (TabularScorer, error) {
	if locator == "" {
		return nil, fmt.Errorf("empty backend locator")
	}
	if isRemote(locator) {
		return NewRemote(locator, opts.Timeout), nil
	}
	a, err := ReadArtifact(resolve(locator, opts.ModelsDir))
	if err != nil {
		return nil, err
	}
	return a.tabular()
}

func loadImage(locator string, opts Options) (ImageScorer, error) {
	if locator == "" {
		return nil, fmt.Errorf("empty backend locator")
	}
	if isRemote(locator) {
		return NewRemote(locator, opts.Timeout), nil
	}
	a, err := ReadArtifact(resolve(locator, opts.ModelsDir))
	if err != nil {
		return nil, err
	}
	return a.image()
}

func isRemote(locator string) bool {
	return strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://")
}

func resolve(locator, dir string) string {
	if filepath.IsAbs(locator) || dir == "" {
		return locator
	}
	return filepath.Join(dir, locator)
}

// ---------------------------------------------------------------------------
// Unavailable
// ---------------------------------------------------------------------------

// Unavailable stands in for a backend that failed to load.
type Unavailable struct {
	Err error
}

func (u *Unavailable) PredictProba(context.Context, []float64) ([]float64, error) {
	return nil, u.loadErr()
}

func (u *Unavailable) Classify(context.Context, Tensor) ([]float64, error) {
	return nil, u.loadErr()
}

func (u *Unavailable) loadErr() error {
	return fmt.Errorf("%w: %v", ErrNotLoaded, u.Err)
}

// ---------------------------------------------------------------------------
// Output sanitation
// ---------------------------------------------------------------------------

// Sanitize turns raw backend output into a probability distribution. A
// single value is read as P(positive class). Vectors with entries outside
// [0,1] are treated as logits and passed through softmax; other vectors are
// renormalised. Every entry of the result lies in [0,1].
func Sanitize(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) == 1 {
		p := clamp01(raw[0])
		return []float64{1 - p, p}
	}

	out := make([]float64, len(raw))
	logits := false
	for i, v := range raw {
		if math.IsNaN(v) {
			v = 0
		}
		out[i] = v
		if v < 0 || v > 1 {
			logits = true
		}
	}

	if logits {
		out = Softmax(out)
	} else {
		var sum float64
		for _, v := range out {
			sum += v
		}
		switch {
		case sum == 0:
			for i := range out {
				out[i] = 1 / float64(len(out))
			}
		case math.Abs(sum-1) > 1e-9:
			for i := range out {
				out[i] /= sum
			}
		}
	}

	for i := range out {
		out[i] = clamp01(out[i])
	}
	return out
}

// Softmax returns the normalised exponentials of z. +Inf entries share all
// the mass; a vector of only -Inf is uniform.
func Softmax(z []float64) []float64 {
	if len(z) == 0 {
		return nil
	}
	max := z[0]
	for _, v := range z[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(z))
	if math.IsInf(max, 0) {
		var n float64
		for _, v := range z {
			if v == max {
				n++
			}
		}
		for i, v := range z {
			if v == max {
				out[i] = 1 / n
			}
		}
		return out
	}
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the largest entry, or -1 for an empty slice.
func Argmax(p []float64) int {
	best := -1
	for i, v := range p {
		if best < 0 || v > p[best] {
			best = i
		}
	}
	return best
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
