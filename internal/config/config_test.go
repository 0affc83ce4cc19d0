package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9190, cfg.Server.Port)
	assert.Equal(t, 0.7, cfg.Validator.ApplyThreshold)
	assert.Equal(t, []int{0, 10, 100}, cfg.Ring.ExposurePercents)
	assert.Equal(t, 15*time.Minute, cfg.Cycle.Deadline.Duration())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "threshold above one", mutate: func(c *Config) { c.Validator.ApplyThreshold = 1.5 }},
		{name: "zero weights", mutate: func(c *Config) { c.Validator.StaticWeight, c.Validator.DynamicWeight = 0, 0 }},
		{name: "single ring", mutate: func(c *Config) { c.Ring.ExposurePercents = []int{100} }},
		{name: "decreasing exposure", mutate: func(c *Config) { c.Ring.ExposurePercents = []int{0, 50, 10} }},
		{name: "exposure not ending at 100", mutate: func(c *Config) { c.Ring.ExposurePercents = []int{0, 10, 90} }},
		{name: "exposure above 100", mutate: func(c *Config) { c.Ring.ExposurePercents = []int{0, 10, 150} }},
		{name: "zero deadline", mutate: func(c *Config) { c.Cycle.Deadline = 0 }},
		{name: "zero generate concurrency", mutate: func(c *Config) { c.Cycle.MaxGenerateConcurrent = 0 }},
		{name: "zero queue size", mutate: func(c *Config) { c.Alerts.QueueSize = 0 }},
		{name: "empty audit dir", mutate: func(c *Config) { c.Audit.Dir = "" }},
		{name: "negative retries", mutate: func(c *Config) { c.Generator.MaxRetries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
validator:
  apply_threshold: 0.8
cycle:
  deadline: 5m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 0.8, cfg.Validator.ApplyThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Cycle.Deadline.Duration())
	// Untouched fields keep defaults.
	assert.Equal(t, "localhost", cfg.Server.Host)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644))

	t.Setenv("REMEDYD_SERVER_PORT", "7777")
	t.Setenv("REMEDYD_CRAWLER_DEDUP_WINDOW", "30m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Crawler.DedupWindow.Duration())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadInvalidConfigRejected(t *testing.T) {
	t.Setenv("REMEDYD_SERVER_PORT", "-1")
	_, err := Load("")
	assert.Error(t, err)
}

func TestTransformEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", transformEnvKey("REMEDYD_SERVER_PORT"))
	assert.Equal(t, "crawler.dedup_window", transformEnvKey("REMEDYD_CRAWLER_DEDUP_WINDOW"))
	assert.Equal(t, "generator.api_key", transformEnvKey("REMEDYD_GENERATOR_API_KEY"))
}
