package connector

import (
	"math"
	"strconv"
	"strings"

	"github.com/healthai/healthai/internal/ml/features"
)

// FieldType is the kind of constraint applied to an input field.
type FieldType string

const (
	Continuous  FieldType = "continuous"
	Categorical FieldType = "categorical"
	Binary      FieldType = "binary"
)

// FieldSpec constrains one required input field.
type FieldSpec struct {
	Name    string    `json:"name"`
	Type    FieldType `json:"type"`
	Min     float64   `json:"min,omitempty"`
	Max     float64   `json:"max,omitempty"`
	Options []string  `json:"options,omitempty"`
}

// Schema is an ordered list of field constraints. Validation messages list
// fields in schema order.
type Schema []FieldSpec

// Validate checks presence of every field, then each value. Missing fields
// are reported on their own; only a complete input gets value errors.
func (s Schema) Validate(fields map[string]any) error {
	var missing, invalid []string
	for _, fs := range s {
		v, ok := fields[fs.Name]
		if !ok || v == nil {
			missing = append(missing, fs.Name)
			continue
		}
		if msg := fs.check(v); msg != "" {
			invalid = append(invalid, msg)
		}
	}
	if len(missing) > 0 {
		return Errorf(KindValidation, "Missing required fields: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Errorf(KindValidation, "Invalid field values: %s", strings.Join(invalid, "; "))
	}
	return nil
}

func (fs FieldSpec) check(v any) string {
	switch fs.Type {
	case Categorical:
		s, ok := v.(string)
		if ok {
			for _, opt := range fs.Options {
				if s == opt {
					return ""
				}
			}
		}
		return fs.Name + " must be one of " + strings.Join(fs.Options, ", ")
	case Binary:
		// Flags must be JSON numbers or booleans; "1" is rejected.
		if _, isString := v.(string); isString {
			return fs.Name + " must be one of 0, 1"
		}
		f, ok := features.Number(v)
		if !ok || (f != 0 && f != 1) {
			return fs.Name + " must be one of 0, 1"
		}
	case Continuous:
		f, ok := features.Number(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return fs.Name + " must be a number"
		}
		if f < fs.Min || f > fs.Max {
			return fs.Name + " must be between " + formatBound(fs.Min) + " and " + formatBound(fs.Max)
		}
	}
	return ""
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Field returns the constraint for name.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, fs := range s {
		if fs.Name == name {
			return fs, true
		}
	}
	return FieldSpec{}, false
}

// Names returns the field names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, fs := range s {
		out[i] = fs.Name
	}
	return out
}

func levelRank(level string) int {
	switch level {
	case LevelHigh:
		return 0
	case LevelMedium:
		return 1
	default:
		return 2
	}
}
