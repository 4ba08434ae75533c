package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Addr:             ":8420",
		DBPath:           "quietsend.db",
		MasterKey:        "0123456789abcdef",
		GatewayURL:       "ws://127.0.0.1:8477/chat",
		DailyCap:         50,
		WarnPercent:      80,
		MinSendDelay:     3 * time.Second,
		MaxSendDelay:     8 * time.Second,
		JobGap:           2 * time.Second,
		JobPoll:          500 * time.Millisecond,
		JobAttempts:      3,
		JobRetryBase:     5 * time.Second,
		CompletedTTL:     24 * time.Hour,
		FailedTTL:        168 * time.Hour,
		ReconnectBase:    2 * time.Second,
		ReconnectMax:     60 * time.Second,
		ReconnectWindow:  30 * time.Minute,
		RetentionDays:    30,
		DefaultSendHour:  9,
		BirthdayTemplate: "Happy Birthday {{name}}!",
		MetricsInterval:  15 * time.Second,
		MemWarnMB:        256,
		MemCriticalMB:    512,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QS_MASTER_KEY", "0123456789abcdef")

	cfg, err := Load(nil)
	require.NoError(t, err)

	require.Equal(t, ":8420", cfg.Addr)
	require.Equal(t, 50, cfg.DailyCap)
	require.Equal(t, 80, cfg.WarnPercent)
	require.Equal(t, 2*time.Second, cfg.JobGap)
	require.Equal(t, 3, cfg.JobAttempts)
	require.Equal(t, 5*time.Second, cfg.JobRetryBase)
	require.Equal(t, 30*time.Minute, cfg.ReconnectWindow)
	require.Equal(t, 30, cfg.RetentionDays)
	require.Equal(t, 9, cfg.DefaultSendHour)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QS_MASTER_KEY", "0123456789abcdef")
	t.Setenv("QS_DAILY_CAP", "5")
	t.Setenv("QS_MIN_SEND_DELAY", "100ms")
	t.Setenv("QS_MAX_SEND_DELAY", "200ms")
	t.Setenv("QS_LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.DailyCap)
	require.Equal(t, 100*time.Millisecond, cfg.MinSendDelay)
	require.Equal(t, 200*time.Millisecond, cfg.MaxSendDelay)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing master key", func(c *Config) { c.MasterKey = "" }, "QS_MASTER_KEY"},
		{"short master key", func(c *Config) { c.MasterKey = "short" }, "QS_MASTER_KEY"},
		{"zero cap", func(c *Config) { c.DailyCap = 0 }, "QS_DAILY_CAP"},
		{"warn percent too high", func(c *Config) { c.WarnPercent = 101 }, "QS_WARN_PERCENT"},
		{"delay bounds inverted", func(c *Config) { c.MaxSendDelay = c.MinSendDelay }, "QS_MAX_SEND_DELAY"},
		{"zero attempts", func(c *Config) { c.JobAttempts = 0 }, "QS_JOB_ATTEMPTS"},
		{"reconnect max below base", func(c *Config) { c.ReconnectMax = time.Second }, "QS_RECONNECT_MAX"},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }, "QS_RETENTION_DAYS"},
		{"send hour out of range", func(c *Config) { c.DefaultSendHour = 24 }, "QS_DEFAULT_SEND_HOUR"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "QS_LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "text" }, "QS_LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
