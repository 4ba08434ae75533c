// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all daemon configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr   string `env:"QS_ADDR" envDefault:":8420"`
	DBPath string `env:"QS_DB_PATH" envDefault:"quietsend.db"`

	// Vault master key. Required; the credential vault derives per-blob
	// keys from it. Must be long enough to resist online guessing.
	MasterKey string `env:"QS_MASTER_KEY"`

	// Chat gateway
	GatewayURL string `env:"QS_GATEWAY_URL" envDefault:"ws://127.0.0.1:8477/chat"`

	// Daily send budget (IST calendar day) and the warning threshold as a
	// percentage of the cap.
	DailyCap    int `env:"QS_DAILY_CAP" envDefault:"50"`
	WarnPercent int `env:"QS_WARN_PERCENT" envDefault:"80"`

	// Pacing: each dispatched send is followed by a uniform random sleep
	// in [MinSendDelay, MaxSendDelay). Keeps the cadence human-shaped.
	MinSendDelay time.Duration `env:"QS_MIN_SEND_DELAY" envDefault:"3s"`
	MaxSendDelay time.Duration `env:"QS_MAX_SEND_DELAY" envDefault:"8s"`

	// Job runtime
	JobGap       time.Duration `env:"QS_JOB_GAP" envDefault:"2s"`
	JobPoll      time.Duration `env:"QS_JOB_POLL" envDefault:"500ms"`
	JobAttempts  int           `env:"QS_JOB_ATTEMPTS" envDefault:"3"`
	JobRetryBase time.Duration `env:"QS_JOB_RETRY_BASE" envDefault:"5s"`
	CompletedTTL time.Duration `env:"QS_JOB_COMPLETED_TTL" envDefault:"24h"`
	FailedTTL    time.Duration `env:"QS_JOB_FAILED_TTL" envDefault:"168h"`

	// Reconnect policy
	ReconnectBase   time.Duration `env:"QS_RECONNECT_BASE" envDefault:"2s"`
	ReconnectMax    time.Duration `env:"QS_RECONNECT_MAX" envDefault:"60s"`
	ReconnectWindow time.Duration `env:"QS_RECONNECT_WINDOW" envDefault:"30m"`

	// Retention: terminal intents older than this many days are swept
	// daily at 03:00. Zero disables sweeping.
	RetentionDays int `env:"QS_RETENTION_DAYS" envDefault:"30"`

	// Recurring-send defaults
	DefaultSendHour  int    `env:"QS_DEFAULT_SEND_HOUR" envDefault:"9"`
	BirthdayTemplate string `env:"QS_BIRTHDAY_TEMPLATE" envDefault:"Happy Birthday {{name}}! Wishing you a wonderful year ahead."`

	// Optional NATS endpoint; when set, every bus event is republished on
	// quietsend.events.<type>.
	NATSURL string `env:"QS_NATS_URL"`

	// Monitoring
	MetricsInterval time.Duration `env:"QS_METRICS_INTERVAL" envDefault:"15s"`
	MemWarnMB       int           `env:"QS_MEM_WARN_MB" envDefault:"256"`
	MemCriticalMB   int           `env:"QS_MEM_CRITICAL_MB" envDefault:"512"`

	// Logging
	LogLevel  string `env:"QS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"QS_LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"QS_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// Optional logger parameter for structured logging. If nil, stays silent
// until the structured logger exists.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// set by the supervisor.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else {
		if logger != nil {
			logger.Info().Msg("Loaded configuration from .env file")
		}
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("QS_ADDR is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("QS_DB_PATH is required")
	}
	if len(c.MasterKey) < 16 {
		return fmt.Errorf("QS_MASTER_KEY is required and must be at least 16 characters")
	}

	if c.DailyCap < 1 {
		return fmt.Errorf("QS_DAILY_CAP must be > 0, got %d", c.DailyCap)
	}
	if c.WarnPercent < 1 || c.WarnPercent > 100 {
		return fmt.Errorf("QS_WARN_PERCENT must be 1-100, got %d", c.WarnPercent)
	}

	if c.MinSendDelay < 0 {
		return fmt.Errorf("QS_MIN_SEND_DELAY must be >= 0, got %s", c.MinSendDelay)
	}
	if c.MaxSendDelay <= c.MinSendDelay {
		return fmt.Errorf("QS_MAX_SEND_DELAY (%s) must be > QS_MIN_SEND_DELAY (%s)",
			c.MaxSendDelay, c.MinSendDelay)
	}

	if c.JobAttempts < 1 {
		return fmt.Errorf("QS_JOB_ATTEMPTS must be >= 1, got %d", c.JobAttempts)
	}
	if c.JobGap < 0 || c.JobPoll <= 0 || c.JobRetryBase <= 0 {
		return fmt.Errorf("job runtime intervals must be positive")
	}

	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("QS_RECONNECT_MAX (%s) must be >= QS_RECONNECT_BASE (%s)",
			c.ReconnectMax, c.ReconnectBase)
	}
	if c.ReconnectWindow <= 0 {
		return fmt.Errorf("QS_RECONNECT_WINDOW must be > 0, got %s", c.ReconnectWindow)
	}

	if c.RetentionDays < 0 {
		return fmt.Errorf("QS_RETENTION_DAYS must be >= 0, got %d", c.RetentionDays)
	}
	if c.DefaultSendHour < 0 || c.DefaultSendHour > 23 {
		return fmt.Errorf("QS_DEFAULT_SEND_HOUR must be 0-23, got %d", c.DefaultSendHour)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("QS_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("QS_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at boot. The master key is
// never logged.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("db_path", c.DBPath).
		Str("gateway_url", c.GatewayURL).
		Int("daily_cap", c.DailyCap).
		Int("warn_percent", c.WarnPercent).
		Dur("min_send_delay", c.MinSendDelay).
		Dur("max_send_delay", c.MaxSendDelay).
		Dur("job_gap", c.JobGap).
		Int("job_attempts", c.JobAttempts).
		Dur("job_retry_base", c.JobRetryBase).
		Dur("reconnect_base", c.ReconnectBase).
		Dur("reconnect_max", c.ReconnectMax).
		Dur("reconnect_window", c.ReconnectWindow).
		Int("retention_days", c.RetentionDays).
		Int("default_send_hour", c.DefaultSendHour).
		Bool("nats_enabled", c.NATSURL != "").
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Daemon configuration loaded")
}
