// Package registry owns the loaded model connectors and gives callers a
// uniform way to run predictions by model name. A Registry is built once by
// the process entry point and is read-only afterwards.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/healthai/healthai/internal/ml/connector"
	"github.com/rs/zerolog"
)

// Observer receives prediction telemetry.
type Observer interface {
	ObservePrediction(model, outcome string, elapsed time.Duration)
	ObserveStorageFailure(model string)
	SetModels(n int)
}

// Deps are the collaborators handed to every connector.
type Deps struct {
	Connector connector.Deps
	Observer  Observer
}

// Constructors returns the registration table: one constructor per
// connector kind.
func Constructors() map[connector.Kind]connector.Constructor {
	return map[connector.Kind]connector.Constructor{
		connector.KindDiabetes:     connector.NewDiabetes,
		connector.KindBreastCancer: connector.NewBreastCancer,
		connector.KindAlzheimer:    connector.NewAlzheimer,
	}
}

// ModelInfo is the public listing entry for a model.
type ModelInfo struct {
	Info connector.Descriptor `json:"info"`
}

// Outcome is either a result or an error, never both.
type Outcome struct {
	Result *connector.Result
	Err    *connector.Error
}

// OK reports whether the prediction succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// MarshalJSON renders failures as {"error": message}.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.Err != nil {
		return json.Marshal(map[string]string{"error": o.Err.Message})
	}
	return json.Marshal(o.Result)
}

type model struct {
	conn connector.Connector
	desc connector.Descriptor
}

// Registry maps model names to connectors.
type Registry struct {
	models   map[string]model
	observer Observer
	logger   zerolog.Logger
}

// New builds a registry from cfg with the default constructor table.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Registry {
	return NewWithConstructors(cfg, Constructors(), deps, logger)
}

// NewWithConstructors builds a registry using table. Entries that are
// disabled, have an unknown kind, or fail to construct are skipped; the
// failure is logged and the remaining entries still load.
func NewWithConstructors(cfg Config, table map[connector.Kind]connector.Constructor, deps Deps, logger zerolog.Logger) *Registry {
	r := &Registry{
		models:   make(map[string]model),
		observer: deps.Observer,
		logger:   logger.With().Str("component", "model_registry").Logger(),
	}

	names := make([]string, 0, len(cfg.Models))
	for name := range cfg.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := cfg.Models[name]
		if !entry.Enabled {
			r.logger.Info().Str("model", name).Msg("model disabled, skipping")
			continue
		}
		conn, err := construct(table, name, entry, deps.Connector)
		if err != nil {
			r.logger.Error().Err(err).Str("model", name).Msg("failed to register model")
			continue
		}
		r.models[name] = model{conn: conn, desc: conn.Describe()}
		r.logger.Info().Str("model", name).Str("version", entry.Version).Msg("registered model")
	}

	if r.observer != nil {
		r.observer.SetModels(len(r.models))
	}
	return r
}

func construct(table map[connector.Kind]connector.Constructor, name string, e Entry, deps connector.Deps) (c connector.Connector, err error) {
	ctor, ok := table[e.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown model kind %q", e.Kind)
	}
	defer func() {
		if p := recover(); p != nil {
			c, err = nil, fmt.Errorf("constructor panic: %v", p)
		}
	}()
	return ctor(connector.Descriptor{
		Name:        name,
		Kind:        e.Kind,
		Type:        e.Type,
		Backend:     e.Backend,
		Version:     e.Version,
		Enabled:     e.Enabled,
		Description: e.Description,
	}, deps)
}

// Get returns the connector registered under name.
func (r *Registry) Get(name string) (connector.Connector, bool) {
	m, ok := r.models[name]
	if !ok {
		r.logger.Warn().Str("model", name).Msg("model not found in registry")
		return nil, false
	}
	return m.conn, true
}

// Describe returns the descriptor of the named model.
func (r *Registry) Describe(name string) (connector.Descriptor, bool) {
	m, ok := r.models[name]
	return m.desc, ok
}

// List returns every registered model's descriptor keyed by name.
func (r *Registry) List() map[string]ModelInfo {
	out := make(map[string]ModelInfo, len(r.models))
	for name, m := range r.models {
		out[name] = ModelInfo{Info: m.desc}
	}
	return out
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.models))
	for name := range r.models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Predict runs the named model's pipeline. Unknown models, pipeline errors
// and panics all come back as an Outcome carrying an error.
func (r *Registry) Predict(ctx context.Context, name string, in connector.Input, pc connector.PredictContext) (out Outcome) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("model", name).
				Str("panic", fmt.Sprint(p)).
				Str("stack", string(debug.Stack())).
				Msg("prediction panicked")
			out = Outcome{Err: connector.Errorf(connector.KindInternal, "%v", p)}
		}
		r.observe(name, out, time.Since(start))
	}()

	conn, ok := r.Get(name)
	if !ok {
		return Outcome{Err: connector.Errorf(connector.KindNotFound, "Model %s not found", name)}
	}

	res, err := connector.Run(ctx, conn, in, pc)
	if err != nil {
		var ce *connector.Error
		if !errors.As(err, &ce) {
			ce = &connector.Error{Kind: connector.KindInternal, Message: err.Error(), Err: err}
		}
		r.logger.Warn().Str("model", name).Str("kind", string(ce.Kind)).Msg(ce.Message)
		return Outcome{Err: ce}
	}

	r.logger.Info().
		Str("model", name).
		Str("label", res.Label).
		Float64("probability", res.Probability).
		Msg("prediction made")
	return Outcome{Result: res}
}

func (r *Registry) observe(name string, out Outcome, elapsed time.Duration) {
	if r.observer == nil {
		return
	}
	outcome := "success"
	if out.Err != nil {
		outcome = string(out.Err.Kind)
		if out.Err.Kind == connector.KindNotFound {
			// keep label cardinality bounded by the catalog
			name = "unknown"
		}
	}
	r.observer.ObservePrediction(name, outcome, elapsed)
	if out.Result != nil && out.Result.StorageError != "" {
		r.observer.ObserveStorageFailure(name)
	}
}
