package connector

import (
	"context"
	"sort"

	"github.com/healthai/healthai/internal/ml/backend"
)

// AlzheimerClasses are the ordinal outputs of the MRI classifier.
var AlzheimerClasses = []string{"CN", "EMCI", "LMCI", "AD"}

var alzheimerDescriptions = map[string]string{
	"CN":   "Cognitive Normal (Non Demented)",
	"EMCI": "Early Mild Cognitive Impairment (Very Mild Dementia)",
	"LMCI": "Late Mild Cognitive Impairment (Mild Dementia)",
	"AD":   "Alzheimer's Disease (Moderate Dementia)",
}

// Alzheimer classifies a brain MRI slice into a dementia stage.
type Alzheimer struct {
	base
	scorer backend.ImageScorer
}

// NewAlzheimer builds the MRI connector.
func NewAlzheimer(d Descriptor, deps Deps) (Connector, error) {
	d.Type = TypeImage
	return &Alzheimer{
		base:   newBase(d, deps),
		scorer: backend.LoadImage(d.Backend, deps.Backend),
	}, nil
}

func (c *Alzheimer) Validate(in Input) error {
	if len(in.Image) == 0 {
		return Errorf(KindValidation, "No image data provided")
	}
	if _, _, err := backend.DecodeImageConfig(in.Image); err != nil {
		return &Error{Kind: KindValidation, Message: "Invalid image data: " + err.Error(), Err: err}
	}
	return nil
}

func (c *Alzheimer) Preprocess(in Input) (Features, error) {
	img, _, err := backend.DecodeImage(in.Image)
	if err != nil {
		return Features{}, &Error{Kind: KindValidation, Message: "Invalid image data: " + err.Error(), Err: err}
	}
	t := backend.Preprocess(img, backend.InputSize)
	return Features{Tensor: &t}, nil
}

func (c *Alzheimer) Infer(ctx context.Context, f Features) (Scores, error) {
	raw, err := c.scorer.Classify(ctx, *f.Tensor)
	if err != nil {
		c.logger.Error().Err(err).Msg("backend inference failed")
		return nil, backendError(err)
	}
	return checkScores(raw, len(AlzheimerClasses))
}

func (c *Alzheimer) Interpret(s Scores) *Result {
	best := backend.Argmax(s)
	class := AlzheimerClasses[best]
	probs := make(map[string]float64, len(AlzheimerClasses))
	for i, name := range AlzheimerClasses {
		probs[name] = s[i]
	}
	return &Result{
		Label:            class,
		Prediction:       class,
		Probability:      s[best],
		Confidence:       s[best],
		Probabilities:    probs,
		ClassDescription: alzheimerDescriptions[class],
	}
}

// Explain lists every class with its probability, most likely first.
func (c *Alzheimer) Explain(_ Input, _ Features, s Scores) []Factor {
	out := make([]Factor, 0, len(AlzheimerClasses))
	for i, name := range AlzheimerClasses {
		out = append(out, Factor{
			Factor:      name,
			Value:       s[i],
			Level:       probabilityLevel(s[i]),
			Importance:  s[i],
			Description: alzheimerDescriptions[name],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Importance > out[j].Importance
	})
	return out
}

// Persist stores the prediction only when the uploaded scan was saved.
func (c *Alzheimer) Persist(ctx context.Context, in Input, r *Result, pc PredictContext) (string, error) {
	if pc.ImagePath == "" {
		return "", nil
	}
	return c.record(ctx, map[string]any{
		"image_path": pc.ImagePath,
		"image_size": len(in.Image),
	}, r, pc)
}

func probabilityLevel(p float64) string {
	switch {
	case p >= 0.5:
		return LevelHigh
	case p >= 0.2:
		return LevelMedium
	default:
		return LevelLow
	}
}
