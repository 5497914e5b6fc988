package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Worker.Workers)
	assert.Equal(t, "calliope-workers", cfg.Worker.Group)
	assert.Equal(t, 5, cfg.Worker.BlockSeconds)
	assert.Equal(t, 60, cfg.Worker.RedeliverIdleSeconds)
	assert.Equal(t, 10, cfg.Model.MaxToolIterations)
	assert.Equal(t, 24, cfg.Convo.TTLHours)
	assert.Equal(t, 256, cfg.Convo.FallbackCapacity)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calliope.toml")
	content := `
[database]
path = "/var/lib/calliope/data.db"

[worker]
workers = 4
group = "staging-workers"

[model]
max_tool_iterations = 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/calliope/data.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Worker.Workers)
	assert.Equal(t, "staging-workers", cfg.Worker.Group)
	assert.Equal(t, 3, cfg.Model.MaxToolIterations)
	// Untouched sections keep defaults
	assert.Equal(t, 24, cfg.Convo.TTLHours)
}

func TestSensitiveValuesComeFromEnv(t *testing.T) {
	t.Setenv("CALLIOPE_NOTIFY_API_KEY", "sk-test-123")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.Notify.APIKey)
}

func TestLoadWithViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("worker.workers", 2)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Worker.Workers)
}
