package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig locates the message store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DispatchConfig tunes the scheduled-delivery sweep.
type DispatchConfig struct {
	// IntervalSec is how often (in seconds) the sweep runs.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`

	// MaxAttempts is the number of consecutive failed deliveries after
	// which a scheduled message is marked failed.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// ClaimTimeoutSec is how long a claim may stay unresolved before a
	// later sweep counts it as a failed attempt. It must be at least twice
	// smtp.timeout_sec so a claim outlives any send still in flight.
	ClaimTimeoutSec int `mapstructure:"claim_timeout_sec" yaml:"claim_timeout_sec"`

	// BatchSize caps the number of due messages handled per sweep.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// Workers caps concurrent deliveries within one sweep.
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// Interval returns IntervalSec as a duration.
func (c DispatchConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// ClaimTimeout returns ClaimTimeoutSec as a duration.
func (c DispatchConfig) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutSec) * time.Second
}

// AIConfig holds settings for the writing assistant.
type AIConfig struct {
	Model      string `mapstructure:"model" yaml:"model"`
	MaxTokens  int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
}

// Timeout returns TimeoutSec as a duration.
func (c AIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// SMTPConfig holds the outgoing mail server settings. The password lives
// in the keyring, never in the file.
type SMTPConfig struct {
	Host       string `mapstructure:"host" yaml:"host"`
	Port       string `mapstructure:"port" yaml:"port"`
	Username   string `mapstructure:"username" yaml:"username"`
	From       string `mapstructure:"from" yaml:"from"`
	TLS        bool   `mapstructure:"tls" yaml:"tls"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// Timeout returns TimeoutSec as a duration.
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// IMAPConfig controls the optional copy of delivered mail into a Sent folder.
type IMAPConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Host        string `mapstructure:"host" yaml:"host"`
	Port        string `mapstructure:"port" yaml:"port"`
	Username    string `mapstructure:"username" yaml:"username"`
	TLS         bool   `mapstructure:"tls" yaml:"tls"`
	SentMailbox string `mapstructure:"sent_mailbox" yaml:"sent_mailbox"`
}

// LogConfig selects log verbosity and output format ("console" or "json").
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	AI       AIConfig       `mapstructure:"ai" yaml:"ai"`
	SMTP     SMTPConfig     `mapstructure:"smtp" yaml:"smtp"`
	IMAP     IMAPConfig     `mapstructure:"imap" yaml:"imap"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// envPrefix namespaces environment overrides, e.g. MAILSCHEDULER_SMTP_HOST.
const envPrefix = "MAILSCHEDULER"

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailscheduler/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailscheduler", "config.yaml")
}

// DefaultDatabasePath returns ~/.local/share/mailscheduler/mail.db.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mail.db"
	}
	return filepath.Join(home, ".local", "share", "mailscheduler", "mail.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{Path: DefaultDatabasePath()},
		Dispatch: DispatchConfig{
			IntervalSec:     30,
			MaxAttempts:     5,
			ClaimTimeoutSec: 300,
			BatchSize:       100,
			Workers:         4,
		},
		AI: AIConfig{
			Model:      "claude-sonnet-4-5-20250929",
			MaxTokens:  1024,
			TimeoutSec: 30,
		},
		SMTP: SMTPConfig{
			Port:       "587",
			TimeoutSec: 30,
		},
		IMAP: IMAPConfig{
			Port:        "993",
			TLS:         true,
			SentMailbox: "Sent",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// setDefaults mirrors defaultAppConfig into v so missing keys resolve to
// sensible values and env overrides can bind to every key.
func setDefaults(v *viper.Viper) {
	d := defaultAppConfig()
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("dispatch.interval_sec", d.Dispatch.IntervalSec)
	v.SetDefault("dispatch.max_attempts", d.Dispatch.MaxAttempts)
	v.SetDefault("dispatch.claim_timeout_sec", d.Dispatch.ClaimTimeoutSec)
	v.SetDefault("dispatch.batch_size", d.Dispatch.BatchSize)
	v.SetDefault("dispatch.workers", d.Dispatch.Workers)
	v.SetDefault("ai.model", d.AI.Model)
	v.SetDefault("ai.max_tokens", d.AI.MaxTokens)
	v.SetDefault("ai.timeout_sec", d.AI.TimeoutSec)
	v.SetDefault("ai.base_url", d.AI.BaseURL)
	v.SetDefault("smtp.host", d.SMTP.Host)
	v.SetDefault("smtp.port", d.SMTP.Port)
	v.SetDefault("smtp.username", d.SMTP.Username)
	v.SetDefault("smtp.from", d.SMTP.From)
	v.SetDefault("smtp.tls", d.SMTP.TLS)
	v.SetDefault("smtp.timeout_sec", d.SMTP.TimeoutSec)
	v.SetDefault("imap.enabled", d.IMAP.Enabled)
	v.SetDefault("imap.host", d.IMAP.Host)
	v.SetDefault("imap.port", d.IMAP.Port)
	v.SetDefault("imap.username", d.IMAP.Username)
	v.SetDefault("imap.tls", d.IMAP.TLS)
	v.SetDefault("imap.sent_mailbox", d.IMAP.SentMailbox)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A missing file yields the defaults; environment variables prefixed with
// MAILSCHEDULER_ override both.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects settings the dispatch engine cannot run with.
func (c *AppConfig) Validate() error {
	switch {
	case c.Dispatch.IntervalSec <= 0:
		return errors.New("dispatch.interval_sec must be positive")
	case c.Dispatch.MaxAttempts <= 0:
		return errors.New("dispatch.max_attempts must be positive")
	case c.Dispatch.ClaimTimeoutSec <= 0:
		return errors.New("dispatch.claim_timeout_sec must be positive")
	case c.Dispatch.BatchSize <= 0:
		return errors.New("dispatch.batch_size must be positive")
	case c.Dispatch.Workers <= 0:
		return errors.New("dispatch.workers must be positive")
	case c.SMTP.TimeoutSec <= 0:
		return errors.New("smtp.timeout_sec must be positive")
	case c.AI.TimeoutSec <= 0:
		return errors.New("ai.timeout_sec must be positive")
	case c.Dispatch.ClaimTimeoutSec < 2*c.SMTP.TimeoutSec:
		return fmt.Errorf("dispatch.claim_timeout_sec (%d) must be at least twice smtp.timeout_sec (%d)",
			c.Dispatch.ClaimTimeoutSec, c.SMTP.TimeoutSec)
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("dispatch", cfg.Dispatch)
	v.Set("ai", cfg.AI)
	v.Set("smtp", cfg.SMTP)
	v.Set("imap", cfg.IMAP)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
