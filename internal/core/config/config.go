package config

import (
	"time"

	redisclient "github.com/pinwork/enrichd/internal/infra/redis"
	"github.com/pinwork/enrichd/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Workers  WorkersConfig      `yaml:"workers"`
	Analysis AnalysisConfig     `yaml:"analysis"`
	Stages   StagesConfig       `yaml:"stages"`
	Adaptive AdaptiveConfig     `yaml:"adaptive"`
	Proxy    ProxyConfig        `yaml:"proxy"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
}

// AnalysisConfig points at the upstream analysis service.
type AnalysisConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// WorkersConfig controls the enrichment worker pool.
type WorkersConfig struct {
	Count      int           `yaml:"count"`
	CrashPause time.Duration `yaml:"crash_pause"` // pause after an unexpected worker failure
}

// StagesConfig carries the per-stage request settings.
type StagesConfig struct {
	Discovery  StageConfig `yaml:"discovery"`
	Extraction StageConfig `yaml:"extraction"`
}

// StageConfig holds settings for one analysis stage.
type StageConfig struct {
	Provider       string        `yaml:"provider"`    // credential provider identifier
	Models         []string      `yaml:"models"`      // rotated round-robin
	RetryModel     string        `yaml:"retry_model"` // used on extraction retries after the first attempt
	Cooldown       time.Duration `yaml:"cooldown"`    // minimum credential rest between leases
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout"`
	InitialDelay   time.Duration `yaml:"initial_delay"` // starting inter-request pacing delay
}

// AdaptiveConfig tunes the runtime delay controller.
type AdaptiveConfig struct {
	Enabled      bool          `yaml:"enabled"`
	EvalInterval time.Duration `yaml:"eval_interval"`
	Step         time.Duration `yaml:"step"`
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// ProxyConfig holds the shared egress proxy settings.
type ProxyConfig struct {
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ProbeURL returns the caller's public IP as plain text.
	ProbeURL string `yaml:"probe_url"`
}
