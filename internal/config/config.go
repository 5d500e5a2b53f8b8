// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	apperrors "ticketwatch/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Matcher     MatcherConfig     `mapstructure:"matcher"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Purchase    PurchaseConfig    `mapstructure:"purchase"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Platforms   map[string]PlatformConfig `mapstructure:"platforms"`
}

// PlatformConfig holds checkout API credentials for one resale platform.
type PlatformConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// CoordinatorConfig holds tick-loop and worker-pool configuration.
type CoordinatorConfig struct {
	TickInterval     time.Duration  `mapstructure:"tick_interval"`
	NotifyWorkers    int            `mapstructure:"notify_workers"`
	PurchaseWorkers  int            `mapstructure:"purchase_workers"`
	PlatformWorkers  map[string]int `mapstructure:"platform_workers"` // per-platform override
	DispatchBatch    int            `mapstructure:"dispatch_batch"`   // max due escalations per tick
	PurchaseBatch    int            `mapstructure:"purchase_batch"`   // max dequeues per tick
	ObservationLimit int            `mapstructure:"observation_limit"`
}

// MatcherConfig holds alert matching configuration.
type MatcherConfig struct {
	DefaultCooldown time.Duration `mapstructure:"default_cooldown"`
}

// DispatchConfig holds notification dispatch configuration.
type DispatchConfig struct {
	QuietHoursStart   string        `mapstructure:"quiet_hours_start"` // "22:00"
	QuietHoursEnd     string        `mapstructure:"quiet_hours_end"`   // "08:00"
	DailyChannelLimit int           `mapstructure:"daily_channel_limit"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	Webhook           WebhookConfig `mapstructure:"webhook"`
	Email             EmailConfig   `mapstructure:"email"`
	Chat              ChatConfig    `mapstructure:"chat"`
	Push              GatewayConfig `mapstructure:"push"`
	SMS               GatewayConfig `mapstructure:"sms"`
}

// WebhookConfig holds webhook channel configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// EmailConfig holds SMTP channel configuration.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// ChatConfig holds chat-webhook channel configuration.
type ChatConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// GatewayConfig holds configuration for gateway-backed channels (push, SMS).
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	APIKey  string `mapstructure:"api_key"`
}

// PurchaseConfig holds purchase orchestration configuration.
type PurchaseConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	StuckCeiling    time.Duration `mapstructure:"stuck_ceiling"` // in_progress beyond this is force-failed
	RetryBase       time.Duration `mapstructure:"retry_base"`
	RetryCap        time.Duration `mapstructure:"retry_cap"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
}

// FeedConfig holds observation feed configuration.
type FeedConfig struct {
	URL         string        `mapstructure:"url"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/ticketwatch"
	}
	return filepath.Join(home, ".config", "ticketwatch")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: filepath.Join(DefaultConfigDir(), "ticketwatch.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			File:       true,
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
		},
		Coordinator: CoordinatorConfig{
			TickInterval:     5 * time.Second,
			NotifyWorkers:    4,
			PurchaseWorkers:  2,
			DispatchBatch:    50,
			PurchaseBatch:    20,
			ObservationLimit: 500,
		},
		Matcher: MatcherConfig{
			DefaultCooldown: 30 * time.Minute,
		},
		Dispatch: DispatchConfig{
			QuietHoursStart:   "22:00",
			QuietHoursEnd:     "08:00",
			DailyChannelLimit: 50,
			SendTimeout:       10 * time.Second,
		},
		Purchase: PurchaseConfig{
			MaxAttempts:     3,
			AttemptTimeout:  30 * time.Second,
			StuckCeiling:    5 * time.Minute,
			RetryBase:       30 * time.Second,
			RetryCap:        15 * time.Minute,
			RetryMultiplier: 2.0,
		},
		Feed: FeedConfig{
			PollTimeout: 15 * time.Second,
		},
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config yet; write a template and run on defaults.
			if werr := writeTemplate(configDir); werr != nil {
				return nil, fmt.Errorf("writing config template: %w", werr)
			}
		} else {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
	} else {
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("parsing config.toml: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TICKETWATCH_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TICKETWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TICKETWATCH_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("TICKETWATCH_WEBHOOK_URL"); v != "" {
		cfg.Dispatch.Webhook.URL = v
		cfg.Dispatch.Webhook.Enabled = true
	}
	if v := os.Getenv("TICKETWATCH_SMTP_PASSWORD"); v != "" {
		cfg.Dispatch.Email.Password = v
	}
}

// Validate checks the configuration for invalid values. All errors wrap
// apperrors.ErrConfigInvalid.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path must not be empty", apperrors.ErrConfigInvalid)
	}
	if c.Coordinator.TickInterval <= 0 {
		return fmt.Errorf("%w: coordinator.tick_interval must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Coordinator.NotifyWorkers <= 0 || c.Coordinator.PurchaseWorkers <= 0 {
		return fmt.Errorf("%w: coordinator worker counts must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Purchase.MaxAttempts <= 0 {
		return fmt.Errorf("%w: purchase.max_attempts must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Purchase.RetryMultiplier < 1.0 {
		return fmt.Errorf("%w: purchase.retry_multiplier must be >= 1.0", apperrors.ErrConfigInvalid)
	}
	if _, err := ParseClock(c.Dispatch.QuietHoursStart); err != nil {
		return fmt.Errorf("%w: dispatch.quiet_hours_start: %v", apperrors.ErrConfigInvalid, err)
	}
	if _, err := ParseClock(c.Dispatch.QuietHoursEnd); err != nil {
		return fmt.Errorf("%w: dispatch.quiet_hours_end: %v", apperrors.ErrConfigInvalid, err)
	}
	return nil
}

// Clock is a time-of-day in minutes since midnight.
type Clock int

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return Clock(h*60 + m), nil
}

// Minutes returns c as minutes since midnight.
func (c Clock) Minutes() int { return int(c) }
