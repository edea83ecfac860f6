// Package config loads the chunkforge configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/chunkforge/internal/llm"
	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
)

// #region types
// StoreConfig selects the checkpoint medium and the session log database.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=sqlite badger"`
	Path    string `yaml:"path"`
	LogPath string `yaml:"log_path" validate:"required"`
}

// InferenceConfig selects what generates and extracts chunks.
type InferenceConfig struct {
	Engine    string     `yaml:"engine" validate:"oneof=codec openai"`
	CodecAddr string     `yaml:"codec_addr"`
	OpenAI    llm.Config `yaml:"openai"`
}

// ServerConfig configures the job HTTP surface.
type ServerConfig struct {
	Addr           string        `yaml:"addr" validate:"required"`
	MaxConcurrent  int64         `yaml:"max_concurrent" validate:"gte=1"`
	JobTTL         time.Duration `yaml:"job_ttl" validate:"gte=0"`
	ExpiryInterval time.Duration `yaml:"expiry_interval" validate:"gte=0"`
}

// Config is the full process configuration.
type Config struct {
	LogLevel     string              `yaml:"log_level" validate:"oneof=debug info warn error"`
	Store        StoreConfig         `yaml:"store"`
	Inference    InferenceConfig     `yaml:"inference"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Server       ServerConfig        `yaml:"server"`
}

// #endregion types

var validate = validator.New()

// #region defaults
// Default returns a SQLite-backed configuration talking to a local codec sidecar.
func Default() Config {
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "chunkforge.db",
			LogPath: "chunkforge.db",
		},
		Inference: InferenceConfig{
			Engine:    "codec",
			CodecAddr: "localhost:50051",
			OpenAI:    llm.DefaultConfig(),
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Server: ServerConfig{
			Addr:           ":8080",
			MaxConcurrent:  4,
			JobTTL:         time.Hour,
			ExpiryInterval: time.Minute,
		},
	}
}

// #endregion defaults

// #region load
// Load merges defaults, the YAML file at path (if any) and the environment,
// then validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Inference.Engine == "codec" && c.Inference.CodecAddr == "" {
		return fmt.Errorf("invalid config: inference.codec_addr is required for the codec engine")
	}
	if c.Inference.Engine == "openai" && c.Inference.OpenAI.APIKey == "" && c.Inference.OpenAI.BaseURL == "" {
		return fmt.Errorf("invalid config: openai needs an api key or a base url")
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("invalid config: store.path is required for sqlite")
	}
	return nil
}

// #endregion load

// #region env
func applyEnv(c *Config) {
	c.LogLevel = envOr("CHUNKFORGE_LOG_LEVEL", c.LogLevel)
	c.Store.Backend = envOr("CHUNKFORGE_STORE", c.Store.Backend)
	c.Store.Path = envOr("CHUNKFORGE_DB", c.Store.Path)
	c.Store.LogPath = envOr("CHUNKFORGE_LOG_DB", c.Store.LogPath)
	c.Inference.Engine = envOr("CHUNKFORGE_ENGINE", c.Inference.Engine)
	c.Inference.CodecAddr = envOr("CHUNKFORGE_CODEC_ADDR", c.Inference.CodecAddr)
	c.Inference.OpenAI.APIKey = envOr("OPENAI_API_KEY", c.Inference.OpenAI.APIKey)
	c.Inference.OpenAI.BaseURL = envOr("OPENAI_BASE_URL", c.Inference.OpenAI.BaseURL)
	c.Inference.OpenAI.Model = envOr("OPENAI_MODEL", c.Inference.OpenAI.Model)
	c.Server.Addr = envOr("CHUNKFORGE_ADDR", c.Server.Addr)

	if v := os.Getenv("CHUNKFORGE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.MaxConcurrent = n
		}
	}
	if v := os.Getenv("CHUNKFORGE_STRICT_MONOTONICITY"); v != "" {
		c.Orchestrator.StrictMonotonicity = v == "true" || v == "1"
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion env

// Level maps LogLevel onto slog.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
