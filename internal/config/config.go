// Package config provides the configuration structure for the
// narration-service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"

	"github.com/zhuiye8/narration-service/internal/core"
)

// Configuration validation errors.
var (
	ErrNATSURLRequired      = errors.New("nats url is required")
	ErrAudioDirRequired     = errors.New("storage audio_dir is required")
	ErrDatabasePathRequired = errors.New("storage database_path is required")
)

// Defaults applied when the corresponding TOML key is absent.
const (
	defaultBatchRequestSubject   = "narration.batch.request"
	defaultItemRequestSubject    = "narration.item.request"
	defaultCleanupRequestSubject = "narration.cleanup.request"
	defaultContentRequestPrefix  = "narration.content.request"
	defaultContentTimeoutSeconds = 10
	defaultProgressSubjectPrefix = "narration.progress"
	defaultResultSubjectPrefix   = "narration.result"
	defaultPollIntervalSeconds   = 5
	defaultMaxPollRounds         = 120
	defaultDownloadWorkers       = 3
	defaultDownloadAttempts      = 3
	defaultDownloadTimeoutSecs   = 60
	defaultBatchPauseMillis      = 500
	defaultMinPayloadBytes       = 1024
	defaultProviderTimeoutSecs   = 30
)

// NATSConfig holds the configuration for the NATS message transport.
type NATSConfig struct {
	URL                   string `toml:"url"`
	BatchRequestSubject   string `toml:"batch_request_subject"`
	ItemRequestSubject    string `toml:"item_request_subject"`
	CleanupRequestSubject string `toml:"cleanup_request_subject"`
	ContentRequestPrefix  string `toml:"content_request_subject_prefix"`
	ContentTimeoutSeconds int    `toml:"content_timeout_seconds"`
	ProgressSubjectPrefix string `toml:"progress_subject_prefix"`
	ResultSubjectPrefix   string `toml:"result_subject_prefix"`
}

// ContentTimeout returns the timeout for one content-domain item fetch.
func (n NATSConfig) ContentTimeout() time.Duration {
	return time.Duration(n.ContentTimeoutSeconds) * time.Second
}

// ProviderConfig holds the external speech-synthesis provider settings. An
// empty BaseURL or APIKey selects the disabled provider variant.
type ProviderConfig struct {
	BaseURL        string           `toml:"base_url"`
	APIKey         string           `toml:"api_key"`
	TimeoutSeconds int              `toml:"timeout_seconds"`
	Voice          core.VoiceConfig `toml:"voice"`
}

// Configured reports whether the provider credentials are present.
func (p ProviderConfig) Configured() bool {
	return p.BaseURL != "" && p.APIKey != ""
}

// Timeout returns the per-call provider timeout.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// StorageConfig holds the durable asset store and media file locations.
type StorageConfig struct {
	DatabasePath  string `toml:"database_path"`
	AudioDir      string `toml:"audio_dir"`
	PublicBaseURL string `toml:"public_base_url"`
	ListenAddr    string `toml:"listen_addr"`
}

// PipelineConfig holds the batch pipeline tuning knobs.
type PipelineConfig struct {
	PollIntervalSeconds    int      `toml:"poll_interval_seconds"`
	MaxPollRounds          int      `toml:"max_poll_rounds"`
	DownloadWorkers        int      `toml:"download_workers"`
	DownloadAttempts       int      `toml:"download_attempts"`
	DownloadTimeoutSeconds int      `toml:"download_timeout_seconds"`
	BatchPauseMillis       int      `toml:"batch_pause_millis"`
	MinPayloadBytes        int64    `toml:"min_payload_bytes"`
	AllowedHosts           []string `toml:"allowed_hosts"`
}

// PollInterval returns the delay between provider status polls.
func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// DownloadTimeout returns the per-attempt download timeout.
func (p PipelineConfig) DownloadTimeout() time.Duration {
	return time.Duration(p.DownloadTimeoutSeconds) * time.Second
}

// BatchPause returns the pause between sequential download batches.
func (p PipelineConfig) BatchPause() time.Duration {
	return time.Duration(p.BatchPauseMillis) * time.Millisecond
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig     `toml:"nats"`
	Provider ProviderConfig `toml:"provider"`
	Storage  StorageConfig  `toml:"storage"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Paths    PathsConfig    `toml:"paths"`
}

// Load loads the configuration for the narration-service, applies defaults,
// and validates the required fields. A missing provider section is not an
// error: the pipeline runs in degraded mode without one.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validationErr := cfg.Validate()
	if validationErr != nil {
		return nil, validationErr
	}

	return &cfg, nil
}

// ApplyDefaults fills absent tuning values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.NATS.BatchRequestSubject == "" {
		c.NATS.BatchRequestSubject = defaultBatchRequestSubject
	}

	if c.NATS.ItemRequestSubject == "" {
		c.NATS.ItemRequestSubject = defaultItemRequestSubject
	}

	if c.NATS.CleanupRequestSubject == "" {
		c.NATS.CleanupRequestSubject = defaultCleanupRequestSubject
	}

	if c.NATS.ContentRequestPrefix == "" {
		c.NATS.ContentRequestPrefix = defaultContentRequestPrefix
	}

	if c.NATS.ContentTimeoutSeconds <= 0 {
		c.NATS.ContentTimeoutSeconds = defaultContentTimeoutSeconds
	}

	if c.NATS.ProgressSubjectPrefix == "" {
		c.NATS.ProgressSubjectPrefix = defaultProgressSubjectPrefix
	}

	if c.NATS.ResultSubjectPrefix == "" {
		c.NATS.ResultSubjectPrefix = defaultResultSubjectPrefix
	}

	if c.Provider.TimeoutSeconds <= 0 {
		c.Provider.TimeoutSeconds = defaultProviderTimeoutSecs
	}

	if c.Pipeline.PollIntervalSeconds <= 0 {
		c.Pipeline.PollIntervalSeconds = defaultPollIntervalSeconds
	}

	if c.Pipeline.MaxPollRounds <= 0 {
		c.Pipeline.MaxPollRounds = defaultMaxPollRounds
	}

	if c.Pipeline.DownloadWorkers <= 0 {
		c.Pipeline.DownloadWorkers = defaultDownloadWorkers
	}

	if c.Pipeline.DownloadAttempts <= 0 {
		c.Pipeline.DownloadAttempts = defaultDownloadAttempts
	}

	if c.Pipeline.DownloadTimeoutSeconds <= 0 {
		c.Pipeline.DownloadTimeoutSeconds = defaultDownloadTimeoutSecs
	}

	if c.Pipeline.BatchPauseMillis <= 0 {
		c.Pipeline.BatchPauseMillis = defaultBatchPauseMillis
	}

	if c.Pipeline.MinPayloadBytes <= 0 {
		c.Pipeline.MinPayloadBytes = defaultMinPayloadBytes
	}
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return ErrNATSURLRequired
	}

	if c.Storage.AudioDir == "" {
		return ErrAudioDirRequired
	}

	if c.Storage.DatabasePath == "" {
		return ErrDatabasePathRequired
	}

	return nil
}
