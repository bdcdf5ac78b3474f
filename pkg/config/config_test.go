package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lstored.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /var/lib/lstore
  buffer_pool_size: 64
merge:
  interval: 5s
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_port: 9464
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/lstore", cfg.Storage.DataDir)
	assert.Equal(t, 64, cfg.Storage.BufferPoolSize)
	assert.Equal(t, 512, cfg.Storage.PageCapacity, "unset keys keep their default")
	assert.Equal(t, 5*time.Second, cfg.Merge.Interval)
	assert.Equal(t, 512, cfg.Merge.TailRecordThreshold)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 9464, cfg.Telemetry.PrometheusPort)
	assert.Equal(t, "lstored", cfg.Telemetry.ServiceName)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "storage: [not, a, map]"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "storage:\n  buffer_pool_size: 0\n  page_capacity: -1\n"))
	require.ErrorContains(t, err, "buffer_pool_size")
	require.ErrorContains(t, err, "page_capacity")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Merge.Interval = -time.Second
	require.ErrorContains(t, cfg.Validate(), "merge.interval")

	cfg = Default()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.PrometheusPort = 0
	require.ErrorContains(t, cfg.Validate(), "prometheus_port")

	cfg = Default()
	cfg.Storage.DataDir = ""
	require.ErrorContains(t, cfg.Validate(), "data_dir")
}
