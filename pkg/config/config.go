// Package config provides configuration types and loading for the mizan engine.
//
// Configuration is resolved in priority order:
//  1. Environment variables (LLM_HOST, PRIMARY_MODEL, ...)
//  2. Config file (yaml)
//  3. Defaults
//
// A .env file in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server,omitempty"`
	LLM     LLMConfig     `yaml:"llm,omitempty"`
	Vector  VectorConfig  `yaml:"vector,omitempty"`
	Storage StorageConfig `yaml:"storage,omitempty"`
	Limits  LimitsConfig  `yaml:"limits,omitempty"`
	Logger  LoggerConfig  `yaml:"logger,omitempty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address (host:port).
	Addr string `yaml:"addr,omitempty"`
}

// LLMConfig configures the local LLM runtime.
type LLMConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// PrimaryModel runs the insights two-call protocol and chat answers.
	PrimaryModel string `yaml:"primary_model,omitempty"`

	// RouterModel is the small model used for routing and query understanding.
	// Small models never receive think=true.
	RouterModel string `yaml:"router_model,omitempty"`

	// VisionModel extracts structured data from PDF page images.
	VisionModel string `yaml:"vision_model,omitempty"`

	// EmbedModel produces document embeddings.
	EmbedModel string `yaml:"embed_model,omitempty"`

	// Concurrency bounds in-flight LLM calls during an insights run.
	// Local runtimes typically serve 1-2 concurrent requests.
	Concurrency int `yaml:"concurrency,omitempty"`

	// InsightsTimeout bounds a single insights call.
	InsightsTimeout time.Duration `yaml:"insights_timeout,omitempty"`

	// ChatTimeout bounds a single chat call.
	ChatTimeout time.Duration `yaml:"chat_timeout,omitempty"`
}

// BaseURL returns the runtime URL, e.g. http://localhost:11434.
func (c *LLMConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// VectorConfig configures the embedded vector index.
type VectorConfig struct {
	// PersistDir stores the vector collection and metadata sidecar.
	// Empty means in-memory only.
	PersistDir string `yaml:"persist_dir,omitempty"`
}

// StorageConfig configures durable storage.
type StorageConfig struct {
	// DataDir is the root for the sqlite database, uploaded files and
	// the embedding cache.
	DataDir string `yaml:"data_dir,omitempty"`
}

// DatabasePath returns the sqlite database file path.
func (c *StorageConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "mizan.db")
}

// UploadsDir returns the directory holding original uploaded files.
func (c *StorageConfig) UploadsDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// EmbeddingCacheDir returns the hash-keyed embedding cache directory.
func (c *StorageConfig) EmbeddingCacheDir() string {
	return filepath.Join(c.DataDir, "embeddings")
}

// LimitsConfig holds tunable limits.
type LimitsConfig struct {
	MaxFileSizeMB int `yaml:"max_file_size_mb,omitempty"`
	CacheTTLHours int `yaml:"cache_ttl_hours,omitempty"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	// Level specifies the log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// File specifies the log file path. Empty logs to stderr.
	File string `yaml:"file,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.LLM.Host == "" {
		c.LLM.Host = "localhost"
	}
	if c.LLM.Port == 0 {
		c.LLM.Port = 11434
	}
	if c.LLM.PrimaryModel == "" {
		c.LLM.PrimaryModel = "qwen3:14b"
	}
	if c.LLM.RouterModel == "" {
		c.LLM.RouterModel = "qwen3:1.7b"
	}
	if c.LLM.VisionModel == "" {
		c.LLM.VisionModel = "qwen2.5vl:7b"
	}
	if c.LLM.EmbedModel == "" {
		c.LLM.EmbedModel = "nomic-embed-text"
	}
	if c.LLM.Concurrency == 0 {
		c.LLM.Concurrency = 1
	}
	if c.LLM.InsightsTimeout == 0 {
		c.LLM.InsightsTimeout = 180 * time.Second
	}
	if c.LLM.ChatTimeout == 0 {
		c.LLM.ChatTimeout = 30 * time.Second
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = ".mizan"
	}
	if c.Vector.PersistDir == "" {
		c.Vector.PersistDir = filepath.Join(c.Storage.DataDir, "vectors")
	}
	if c.Limits.MaxFileSizeMB == 0 {
		c.Limits.MaxFileSizeMB = 50
	}
	if c.Limits.CacheTTLHours == 0 {
		c.Limits.CacheTTLHours = 24
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.LLM.Port <= 0 || c.LLM.Port > 65535 {
		return fmt.Errorf("invalid llm port: %d", c.LLM.Port)
	}
	if c.LLM.Concurrency < 1 {
		return fmt.Errorf("llm concurrency must be >= 1, got %d", c.LLM.Concurrency)
	}
	if c.Limits.MaxFileSizeMB < 1 {
		return fmt.Errorf("max_file_size_mb must be >= 1, got %d", c.Limits.MaxFileSizeMB)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logger.Level] {
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Logger.Level)
	}
	return nil
}

// CacheTTL returns the in-memory result cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Limits.CacheTTLHours) * time.Hour
}

// MaxFileSize returns the upload size cap in bytes.
func (c *Config) MaxFileSize() int64 {
	return int64(c.Limits.MaxFileSizeMB) << 20
}

// Load reads configuration from an optional yaml file, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	// Best-effort .env load; absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from environment variables.
func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.Server.Addr, "HTTP_ADDR")
	setStr(&c.LLM.Host, "LLM_HOST")
	setInt(&c.LLM.Port, "LLM_PORT")
	setStr(&c.LLM.PrimaryModel, "PRIMARY_MODEL")
	setStr(&c.LLM.RouterModel, "ROUTER_MODEL")
	setStr(&c.LLM.VisionModel, "VISION_MODEL")
	setStr(&c.LLM.EmbedModel, "EMBED_MODEL")
	setInt(&c.LLM.Concurrency, "LLM_CONCURRENCY")
	setStr(&c.Vector.PersistDir, "VECTOR_PERSIST_DIR")
	setStr(&c.Storage.DataDir, "DATA_DIR")
	setInt(&c.Limits.MaxFileSizeMB, "MAX_FILE_SIZE_MB")
	setInt(&c.Limits.CacheTTLHours, "CACHE_TTL_HOURS")
	setStr(&c.Logger.Level, "LOG_LEVEL")
	setStr(&c.Logger.File, "LOG_FILE")
}
