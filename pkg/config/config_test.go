package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL())
	assert.Equal(t, "qwen3:14b", cfg.LLM.PrimaryModel)
	assert.Equal(t, "qwen3:1.7b", cfg.LLM.RouterModel)
	assert.Equal(t, 1, cfg.LLM.Concurrency)
	assert.Equal(t, 180*time.Second, cfg.LLM.InsightsTimeout)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL())
	assert.Equal(t, int64(50)<<20, cfg.MaxFileSize())
}

func TestStoragePaths(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.DataDir = "/var/lib/mizan"
	cfg.SetDefaults()

	assert.Equal(t, filepath.Join("/var/lib/mizan", "mizan.db"), cfg.Storage.DatabasePath())
	assert.Equal(t, filepath.Join("/var/lib/mizan", "uploads"), cfg.Storage.UploadsDir())
	assert.Equal(t, filepath.Join("/var/lib/mizan", "embeddings"), cfg.Storage.EmbeddingCacheDir())
	assert.Equal(t, filepath.Join("/var/lib/mizan", "vectors"), cfg.Vector.PersistDir)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
llm:
  primary_model: custom-model
  concurrency: 2
limits:
  max_file_size_mb: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "custom-model", cfg.LLM.PrimaryModel)
	assert.Equal(t, 2, cfg.LLM.Concurrency)
	assert.Equal(t, int64(10)<<20, cfg.MaxFileSize())
	// unset fields still get defaults
	assert.Equal(t, "qwen3:1.7b", cfg.LLM.RouterModel)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  host: filehost\n"), 0o644))

	t.Setenv("LLM_HOST", "envhost")
	t.Setenv("LLM_PORT", "12345")
	t.Setenv("PRIMARY_MODEL", "env-model")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://envhost:12345", cfg.LLM.BaseURL())
	assert.Equal(t, "env-model", cfg.LLM.PrimaryModel)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.LLM.Port = -1 }},
		{"zero concurrency", func(c *Config) { c.LLM.Concurrency = -1 }},
		{"bad file size", func(c *Config) { c.Limits.MaxFileSizeMB = -5 }},
		{"bad log level", func(c *Config) { c.Logger.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
