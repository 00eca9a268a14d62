// Package config loads worldsim settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"worldsim/internal/game/narration"
	"worldsim/internal/llm"
	"worldsim/internal/logging"
)

type StoreDriver string

const (
	DriverMemory   StoreDriver = "memory"
	DriverSQLite   StoreDriver = "sqlite"
	DriverPostgres StoreDriver = "postgres"
)

func (d StoreDriver) IsValid() bool {
	switch d {
	case DriverMemory, DriverSQLite, DriverPostgres:
		return true
	}
	return false
}

type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Store         StoreConfig         `yaml:"store"`
	Engine        EngineConfig        `yaml:"engine"`
	Debug         DebugConfig         `yaml:"debug"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	CompletionLog CompletionLogConfig `yaml:"completion_log"`
	Seed          SeedConfig          `yaml:"seed"`
}

// LLMConfig configures the OpenAI-compatible provider. APIKey is only a
// fallback for callers that do not bring their own key.
type LLMConfig struct {
	APIKey          string        `yaml:"api_key"          env:"OPENAI_API_KEY"`
	BaseURL         string        `yaml:"base_url"         env:"WORLDSIM_LLM_BASE_URL"`
	NarrationModel  string        `yaml:"narration_model"  env:"WORLDSIM_NARRATION_MODEL"`
	ExtractionModel string        `yaml:"extraction_model" env:"WORLDSIM_EXTRACTION_MODEL"`
	MaxTokens       int           `yaml:"max_tokens"       env:"WORLDSIM_LLM_MAX_TOKENS"`
	MaxRetries      int           `yaml:"max_retries"      env:"WORLDSIM_LLM_MAX_RETRIES"`
	Timeout         time.Duration `yaml:"timeout"          env:"WORLDSIM_LLM_TIMEOUT"`
}

type StoreConfig struct {
	Driver StoreDriver `yaml:"driver" env:"WORLDSIM_STORE_DRIVER"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn" env:"WORLDSIM_STORE_DSN"`
}

type EngineConfig struct {
	StalePendingAfter time.Duration `yaml:"stale_pending_after" env:"WORLDSIM_STALE_PENDING_AFTER"`
}

type DebugConfig struct {
	Enabled bool   `yaml:"enabled" env:"DEBUG"`
	Path    string `yaml:"path"    env:"WORLDSIM_DEBUG_LOG"`
	Level   string `yaml:"level"   env:"WORLDSIM_LOG_LEVEL"`
}

type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"       env:"OTEL_TRACES_ENABLED"`
	LangfuseHost string `yaml:"langfuse_host" env:"LANGFUSE_HOST"`
	PublicKey    string `yaml:"public_key"    env:"LANGFUSE_PUBLIC_KEY"`
	SecretKey    string `yaml:"secret_key"    env:"LANGFUSE_SECRET_KEY"`
	Environment  string `yaml:"environment"   env:"ENVIRONMENT"`
}

// MetricsConfig.ListenAddr empty disables the /metrics listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"WORLDSIM_METRICS_ADDR"`
}

// CompletionLogConfig.Path empty disables the completion log.
type CompletionLogConfig struct {
	Path string `yaml:"path" env:"WORLDSIM_COMPLETION_LOG"`
}

type SeedConfig struct {
	Path string `yaml:"path" env:"WORLDSIM_SEED"`
}

func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:         llm.DefaultBaseURL,
			NarrationModel:  llm.DefaultNarrationModel,
			ExtractionModel: llm.DefaultStructuredModel,
			MaxTokens:       400,
			MaxRetries:      2,
			Timeout:         2 * time.Minute,
		},
		Store:         StoreConfig{Driver: DriverMemory},
		Engine:        EngineConfig{StalePendingAfter: narration.DefaultStalePendingAfter},
		Debug:         DebugConfig{Path: "debug.log", Level: "info"},
		Tracing:       TracingConfig{LangfuseHost: "https://cloud.langfuse.com", Environment: "development"},
		CompletionLog: CompletionLogConfig{Path: logging.DefaultPath},
	}
}

// Load reads the YAML file at path, if any, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromReader(nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader is Load for an already open YAML document. A nil or empty
// reader leaves the defaults in place.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if r != nil {
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv overrides fields whose environment variable is set.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if cfg.LLM.NarrationModel == "" || cfg.LLM.ExtractionModel == "" {
		errs = append(errs, errors.New("llm.narration_model and llm.extraction_model are required"))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d is negative", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("llm.max_retries %d is negative", cfg.LLM.MaxRetries))
	}
	if cfg.LLM.Timeout < 0 {
		errs = append(errs, fmt.Errorf("llm.timeout %s is negative", cfg.LLM.Timeout))
	}

	if !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Driver))
	} else if cfg.Store.Driver != DriverMemory && cfg.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", cfg.Store.Driver))
	}

	if cfg.Engine.StalePendingAfter < 0 {
		errs = append(errs, fmt.Errorf("engine.stale_pending_after %s is negative", cfg.Engine.StalePendingAfter))
	}

	switch cfg.Debug.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("debug.level %q is invalid; valid values: debug, info, warn, error", cfg.Debug.Level))
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.PublicKey == "" || cfg.Tracing.SecretKey == "") {
		errs = append(errs, errors.New("tracing.public_key and tracing.secret_key are required when tracing is enabled"))
	}

	return errors.Join(errs...)
}
