package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, 0.85, cfg.Confidence.LowConfidence)
	assert.Equal(t, 30*time.Second, cfg.FileTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "revspec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 4
file_timeout: 5s
confidence:
  low_confidence: 0.8
ai:
  enabled: true
  provider: openai
repository:
  driver: sqlite
dialects:
  python:
    enabled: false
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REVSPEC_API_KEY=from-dotenv\n"), 0o644))
	t.Setenv("REVSPEC_WORKERS", "2")
	// registered for restore, then cleared so the .env value applies
	t.Setenv("REVSPEC_API_KEY", "")
	require.NoError(t, os.Unsetenv("REVSPEC_API_KEY"))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.FileTimeout)
	assert.Equal(t, 0.8, cfg.Confidence.LowConfidence)
	assert.Equal(t, 0.98, cfg.Confidence.HeuristicCap)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, "openai", cfg.AI.Provider)
	assert.Equal(t, "from-dotenv", cfg.AI.APIKey)
	require.NoError(t, cfg.Validate())

	exts := cfg.Extensions()
	assert.Equal(t, "plpgsql", exts[".sql"])
	assert.NotContains(t, exts, ".py")

	h := cfg.HeuristicConfig()
	assert.Equal(t, 0.8, h.LowConfidence)
	assert.Equal(t, 0.8, cfg.AIOptions().Threshold)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Confidence.AICap = 0.99
	cfg.Confidence.LowConfidence = 1.5
	cfg.Workers = -1
	cfg.Repository.Driver = "postgres"
	cfg.AI.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"ai_cap", "low_confidence", "workers", "repository.driver", "ai.provider"} {
		assert.Contains(t, err.Error(), want)
	}
}
