package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/healthai/healthai/internal/ml/connector"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the declarative model catalog.
type Config struct {
	Models map[string]Entry `yaml:"models"`
}

// Entry describes one model. Backend is a path relative to the models
// directory or an http(s) URL.
type Entry struct {
	Kind        connector.Kind `yaml:"kind"`
	Backend     string         `yaml:"backend"`
	Type        string         `yaml:"type,omitempty"`
	Version     string         `yaml:"version"`
	Enabled     bool           `yaml:"enabled"`
	Description string         `yaml:"description,omitempty"`
}

// DefaultConfig is written when no configuration file exists.
func DefaultConfig() Config {
	return Config{
		Models: map[string]Entry{
			"diabetes": {
				Kind:        connector.KindDiabetes,
				Backend:     "diabetes/model.json",
				Type:        connector.TypeTabular,
				Version:     "1.0.0",
				Enabled:     true,
				Description: "Diabetes risk from clinical measurements",
			},
		},
	}
}

// LoadConfig reads the catalog at path. A missing file is replaced by the
// default catalog, which is also written to path. Any other failure is
// logged and yields an empty catalog so the process still starts.
func LoadConfig(path string, logger zerolog.Logger) Config {
	cfg, err := readConfig(path)
	switch {
	case err == nil:
		logger.Info().Str("path", path).Int("models", len(cfg.Models)).Msg("loaded model configuration")
		return cfg
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := WriteConfig(path, cfg); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("failed to write default model configuration")
		} else {
			logger.Info().Str("path", path).Msg("created default model configuration")
		}
		return cfg
	default:
		logger.Error().Err(err).Str("path", path).Msg("failed to load model configuration")
		return Config{Models: map[string]Entry{}}
	}
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse model config: %w", err)
	}
	if cfg.Models == nil {
		cfg.Models = map[string]Entry{}
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML, creating parent directories.
func WriteConfig(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
