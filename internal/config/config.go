package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers for prediction records.
const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

// Auth modes.
const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

// MinSecretKeyLength is the shortest SECRET_KEY accepted outside development.
const MinSecretKeyLength = 32

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	AuthMode        string        `mapstructure:"AUTH_MODE"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	StorageDriver   string        `mapstructure:"STORAGE_DRIVER"`
	BoltPath        string        `mapstructure:"BOLT_PATH"`
	SecretKey       string        `mapstructure:"SECRET_KEY"`
	TokenTTL        time.Duration `mapstructure:"TOKEN_TTL"`
	TokenIssuer     string        `mapstructure:"TOKEN_ISSUER"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	ModelConfigPath string        `mapstructure:"MODEL_CONFIG_PATH"`
	ModelsDir       string        `mapstructure:"MODELS_DIR"`
	UploadDir       string        `mapstructure:"UPLOAD_DIR"`
	MaxUploadSize   string        `mapstructure:"MAX_UPLOAD_SIZE"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	BackendTimeout  time.Duration `mapstructure:"BACKEND_TIMEOUT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	MetricsEnabled  bool          `mapstructure:"METRICS_ENABLED"`
}

var defaults = map[string]any{
	"PORT":              "8000",
	"ENV":               "development",
	"AUTH_MODE":         "",
	"DB_MAX_CONNS":      20,
	"DB_MIN_CONNS":      5,
	"STORAGE_DRIVER":    DriverPostgres,
	"BOLT_PATH":         "./data/healthai.db",
	"TOKEN_TTL":         "24h",
	"TOKEN_ISSUER":      "healthai",
	"CORS_ORIGINS":      "http://localhost:3000",
	"MODEL_CONFIG_PATH": "./models/model_config.yaml",
	"MODELS_DIR":        "./models",
	"UPLOAD_DIR":        "./uploads",
	"MAX_UPLOAD_SIZE":   "10M",
	"BODY_LIMIT":        "1M",
	"BACKEND_TIMEOUT":   "10s",
	"REQUEST_TIMEOUT":   "60s",
	"RATE_LIMIT_RPS":    10,
	"RATE_LIMIT_BURST":  20,
	"METRICS_ENABLED":   true,
}

var envOnly = []string{"DATABASE_URL", "SECRET_KEY"}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		v.BindEnv(key)
	}
	for _, key := range envOnly {
		v.BindEnv(key)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)

	switch cfg.StorageDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=%s", DriverPostgres)
		}
	case DriverBolt:
		if cfg.BoltPath == "" {
			return nil, fmt.Errorf("BOLT_PATH is required when STORAGE_DRIVER=%s", DriverBolt)
		}
	default:
		return nil, fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverBolt, cfg.StorageDriver)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" in
// development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != AuthModeDevelopment && mode != AuthModeJWT {
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}
	if c.IsProduction() && mode == AuthModeDevelopment {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}
	if c.IsProduction() && len(c.SecretKey) < MinSecretKeyLength {
		return fmt.Errorf("SECRET_KEY must be at least %d bytes in production, got %d", MinSecretKeyLength, len(c.SecretKey))
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// SigningKey returns the HMAC key for access tokens. Development falls back
// to a fixed key so tokens survive restarts.
func (c *Config) SigningKey() []byte {
	if c.SecretKey == "" && !c.IsProduction() {
		return []byte("healthai-development-signing-key!")
	}
	return []byte(c.SecretKey)
}
