package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 5007, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "actual-assist.db", cfg.Store.Path)
	assert.Equal(t, "http://localhost:5006", cfg.Budget.BaseURL)
	assert.Equal(t, "https://api.openai.com/v1", cfg.OpenAI.BaseURL)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.Equal(t, 60, cfg.OpenAI.RequestsPerMinute)

	assert.Equal(t, 5*time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, time.Hour, cfg.Sweeper.Timeout)

	assert.Empty(t, cfg.Archive.Bucket, "archival is off by default")
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ACTUAL_ASSIST_SERVER_PORT", "9999")
	t.Setenv("ACTUAL_ASSIST_LOGGING_LEVEL", "debug")
	t.Setenv("ACTUAL_ASSIST_SWEEPER_TIMEOUT", "90m")
	t.Setenv("ACTUAL_ASSIST_BUDGET_API_KEY", "secret-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 90*time.Minute, cfg.Sweeper.Timeout)
	assert.Equal(t, "secret-key", cfg.Budget.APIKey)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8088
store:
  path: /var/lib/assist/assist.db
sweeper:
  interval: 1m
archive:
  bucket: assist-archives
  region: us-west-2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "/var/lib/assist/assist.db", cfg.Store.Path)
	assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, "assist-archives", cfg.Archive.Bucket)
	assert.Equal(t, "us-west-2", cfg.Archive.Region)

	// Untouched keys keep their defaults.
	assert.Equal(t, "localhost", cfg.Server.Host)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8088\n"), 0o600))

	t.Setenv("ACTUAL_ASSIST_SERVER_PORT", "7001")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
