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
	// A named but missing file is an error; no path means defaults.
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "framemart.db", cfg.Database.DSN)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 4, cfg.Pipeline.ExtractionFPS)
	assert.Equal(t, 2, cfg.Worker.Count)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Worker.RetryBackoff)
	assert.Equal(t, 200*time.Millisecond, cfg.Worker.ProgressThrottle)
	assert.Equal(t, 24*time.Hour, cfg.Worker.CompletedJobTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Worker.FailedJobTTL)
	assert.False(t, cfg.Pipeline.StrictIOValidation)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  driver: postgres
  dsn: "host=localhost user=fm dbname=fm"
logging:
  level: debug
  format: text
pipeline:
  extraction_fps: 10
  strict_io_validation: true
worker:
  count: 4
  job_timeout: 30m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 10, cfg.Pipeline.ExtractionFPS)
	assert.True(t, cfg.Pipeline.StrictIOValidation)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 30*time.Minute, cfg.Worker.JobTimeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FRAMEMART_DATABASE_DSN", "env.db")
	t.Setenv("FRAMEMART_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate_Errors(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"empty work dir", func(c *Config) { c.Storage.WorkDir = "" }, "storage.work_dir"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"fps too high", func(c *Config) { c.Pipeline.ExtractionFPS = 60 }, "extraction_fps"},
		{"fps too low", func(c *Config) { c.Pipeline.ExtractionFPS = 0 }, "extraction_fps"},
		{"batch too big", func(c *Config) { c.Pipeline.ClassifyBatchSize = 500 }, "classify_batch_size"},
		{"zero workers", func(c *Config) { c.Worker.Count = 0 }, "worker.count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
