package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittobus/internal/bytesize"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, bytesize.MiB, cfg.Broker.DefaultPoolSize)
	assert.Equal(t, DefaultAPIPort, cfg.API.Port)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
  output: stderr
broker:
  default_pool_size: 4Mi
  send_timeout: 250ms
metrics:
  enabled: true
  port: 9999
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// Levels are normalized to uppercase.
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 4*bytesize.MiB, cfg.Broker.DefaultPoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Broker.SendTimeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9999, cfg.Metrics.Port)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: LOUD
  format: text
  output: stdout
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: INFO
  format: text
  output: stdout
metrics:
  enabled: true
  port: 70000
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved", "config.yaml")
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true

	require.NoError(t, SaveConfig(cfg, path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.True(t, got.Metrics.Enabled)
	assert.Equal(t, cfg.Logging.Level, got.Logging.Level)
}

func TestInitConfigToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, InitConfigToPath(path, false))

	// A second init without force refuses to overwrite.
	require.Error(t, InitConfigToPath(path, false))
	require.NoError(t, InitConfigToPath(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.True(t, cfg.API.Enabled)
}
