// Package config provides configuration management for framemart using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultHTTPTimeout       = 60 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryDelay        = 5 * time.Second
	defaultWorkerCount       = 2
	defaultPollInterval      = 5 * time.Second
	defaultLockTimeout       = 30 * time.Minute
	defaultJobTimeout        = time.Hour
	defaultJobMaxAttempts    = 3
	defaultJobBackoff        = 5 * time.Second
	defaultProgressThrottle  = 200 * time.Millisecond
	defaultCompletedJobTTL   = 24 * time.Hour
	defaultFailedJobTTL      = 7 * 24 * time.Hour
	defaultExtractionFPS     = 4
	defaultClassifyBatchSize = 10
	defaultFrameConcurrency  = 5
	defaultUploadConcurrency = 8
	defaultWebhookAttempts   = 3
	defaultWebhookBackoff    = 2 * time.Second
	defaultWebhookTimeout    = 15 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file and blob storage configuration.
type StorageConfig struct {
	// WorkDir is the root directory under which per-job sandboxes are created.
	WorkDir string `mapstructure:"work_dir"`

	// BlobDir is the root directory of the filesystem blob store.
	BlobDir string `mapstructure:"blob_dir"`

	// BlobBaseURL is the public URL prefix for uploaded objects.
	BlobBaseURL string `mapstructure:"blob_base_url"`

	// RetainSandboxOnFailure keeps a job's working directory after failure
	// or cancellation for debugging.
	RetainSandboxOnFailure bool `mapstructure:"retain_sandbox_on_failure"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// PipelineConfig holds pipeline execution configuration.
type PipelineConfig struct {
	// ExtractionFPS is the default frame sampling rate.
	ExtractionFPS int `mapstructure:"extraction_fps"`

	// ClassifyBatchSize is the number of frames sent per classification call.
	ClassifyBatchSize int `mapstructure:"classify_batch_size"`

	// FrameConcurrency bounds per-frame parallel work within a step.
	// Zero means auto-size from detected hardware.
	FrameConcurrency int `mapstructure:"frame_concurrency"`

	// UploadConcurrency bounds parallel blob uploads.
	UploadConcurrency int `mapstructure:"upload_concurrency"`

	// StrictIOValidation fails a job when a runtime IO requirement is
	// missing instead of logging and proceeding.
	StrictIOValidation bool `mapstructure:"strict_io_validation"`

	// HTTPTimeout is the timeout for video downloads.
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`

	// RetryAttempts is the download retry budget.
	RetryAttempts int `mapstructure:"retry_attempts"`

	// RetryDelay is the initial download retry delay.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// WorkerConfig holds queue consumer configuration.
type WorkerConfig struct {
	Count            int           `mapstructure:"count"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	ProgressThrottle time.Duration `mapstructure:"progress_throttle"`
	CompletedJobTTL  time.Duration `mapstructure:"completed_job_ttl"`
	FailedJobTTL     time.Duration `mapstructure:"failed_job_ttl"`
	CleanupCron      string        `mapstructure:"cleanup_cron"`
	RecoveryCron     string        `mapstructure:"recovery_cron"`
}

// ProviderConfig holds configuration for a single provider implementation.
type ProviderConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProvidersConfig holds per-provider configuration keyed by provider id.
type ProvidersConfig struct {
	Gemini ProviderConfig `mapstructure:"gemini"`
	Claid  ProviderConfig `mapstructure:"claid"`
	Rembg  ProviderConfig `mapstructure:"rembg"`
}

// WebhookConfig holds completion callback configuration.
type WebhookConfig struct {
	Secret   string        `mapstructure:"secret"`
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = $PATH lookup)
	ProbePath  string `mapstructure:"probe_path"`  // Path to ffprobe binary (empty = $PATH lookup)
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with FRAMEMART_ and use underscores
// for nesting. Example: FRAMEMART_DATABASE_DSN=framemart.db.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/framemart")
		v.AddConfigPath("$HOME/.framemart")
	}

	// Environment variable settings
	v.SetEnvPrefix("FRAMEMART")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "framemart.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.work_dir", "./data/work")
	v.SetDefault("storage.blob_dir", "./data/blobs")
	v.SetDefault("storage.blob_base_url", "")
	v.SetDefault("storage.retain_sandbox_on_failure", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Pipeline defaults
	v.SetDefault("pipeline.extraction_fps", defaultExtractionFPS)
	v.SetDefault("pipeline.classify_batch_size", defaultClassifyBatchSize)
	v.SetDefault("pipeline.frame_concurrency", defaultFrameConcurrency)
	v.SetDefault("pipeline.upload_concurrency", defaultUploadConcurrency)
	v.SetDefault("pipeline.strict_io_validation", false)
	v.SetDefault("pipeline.http_timeout", defaultHTTPTimeout)
	v.SetDefault("pipeline.retry_attempts", defaultRetryAttempts)
	v.SetDefault("pipeline.retry_delay", defaultRetryDelay)

	// Worker defaults
	v.SetDefault("worker.count", defaultWorkerCount)
	v.SetDefault("worker.poll_interval", defaultPollInterval)
	v.SetDefault("worker.lock_timeout", defaultLockTimeout)
	v.SetDefault("worker.job_timeout", defaultJobTimeout)
	v.SetDefault("worker.max_attempts", defaultJobMaxAttempts)
	v.SetDefault("worker.retry_backoff", defaultJobBackoff)
	v.SetDefault("worker.progress_throttle", defaultProgressThrottle)
	v.SetDefault("worker.completed_job_ttl", defaultCompletedJobTTL)
	v.SetDefault("worker.failed_job_ttl", defaultFailedJobTTL)
	v.SetDefault("worker.cleanup_cron", "0 0 * * * *")    // Hourly (6-field cron)
	v.SetDefault("worker.recovery_cron", "0 */5 * * * *") // Every 5 minutes

	// Provider defaults
	v.SetDefault("providers.gemini.timeout", 2*time.Minute)
	v.SetDefault("providers.gemini.model", "gemini-2.0-flash")
	v.SetDefault("providers.claid.timeout", time.Minute)
	v.SetDefault("providers.rembg.timeout", time.Minute)

	// Webhook defaults
	v.SetDefault("webhook.attempts", defaultWebhookAttempts)
	v.SetDefault("webhook.backoff", defaultWebhookBackoff)
	v.SetDefault("webhook.timeout", defaultWebhookTimeout)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Storage validation
	if c.Storage.WorkDir == "" {
		return fmt.Errorf("storage.work_dir is required")
	}
	if c.Storage.BlobDir == "" {
		return fmt.Errorf("storage.blob_dir is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Pipeline validation
	if c.Pipeline.ExtractionFPS < 1 || c.Pipeline.ExtractionFPS > 30 {
		return fmt.Errorf("pipeline.extraction_fps must be between 1 and 30")
	}
	if c.Pipeline.ClassifyBatchSize < 1 || c.Pipeline.ClassifyBatchSize > 100 {
		return fmt.Errorf("pipeline.classify_batch_size must be between 1 and 100")
	}

	// Worker validation
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be at least 1")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}

	return nil
}
