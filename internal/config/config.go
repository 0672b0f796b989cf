package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Slack         SlackConfig         `toml:"slack"`
	Claude        ClaudeConfig        `toml:"claude"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath             string `toml:"database_path"`
	IngestIntervalSeconds    int    `toml:"ingest_interval_seconds"`
	AdmitIntervalSeconds     int    `toml:"admit_interval_seconds"`
	ReconcileIntervalSeconds int    `toml:"reconcile_interval_seconds"`
	RetentionDays            int    `toml:"retention_days"`
	SweepCron                string `toml:"sweep_cron"`
}

// SlackConfig holds message source settings
type SlackConfig struct {
	BotToken          string   `toml:"bot_token"`
	ChannelIDs        []string `toml:"channel_ids"`
	ReminderReactions []string `toml:"reminder_reactions"`
}

// ClaudeConfig holds review session settings
type ClaudeConfig struct {
	ExecutablePath      string `toml:"executable_path"`
	CustomCommand       string `toml:"custom_command"`
	MaxParallelSessions int    `toml:"max_parallel_sessions"`
	TimeoutMinutes      int    `toml:"timeout_minutes"`
	WorkingDirectory    string `toml:"working_directory"`
	SessionStateDir     string `toml:"session_state_dir"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:             filepath.Join(home, ".claudia-review", "tasks.db"),
			IngestIntervalSeconds:    30,
			AdmitIntervalSeconds:     5,
			ReconcileIntervalSeconds: 5,
			RetentionDays:            14,
			SweepCron:                "0 3 * * *",
		},
		Slack: SlackConfig{
			ReminderReactions: []string{"alarm_clock", "memo", "eyes"},
		},
		Claude: ClaudeConfig{
			ExecutablePath:      "claude",
			CustomCommand:       "/pwe-review",
			MaxParallelSessions: 5,
			TimeoutMinutes:      30,
			SessionStateDir:     filepath.Join(home, ".claudia-review", "sessions"),
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Claude.WorkingDirectory = ExpandPath(cfg.Claude.WorkingDirectory)
	cfg.Claude.SessionStateDir = ExpandPath(cfg.Claude.SessionStateDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to a TOML file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the boundary constraints of the configuration
func (c *Config) Validate() error {
	if c.Claude.MaxParallelSessions <= 0 {
		return fmt.Errorf("max_parallel_sessions must be positive, got %d", c.Claude.MaxParallelSessions)
	}
	if c.Claude.ExecutablePath == "" {
		return fmt.Errorf("executable_path must not be empty")
	}
	if c.Claude.TimeoutMinutes < 0 {
		return fmt.Errorf("timeout_minutes must not be negative, got %d", c.Claude.TimeoutMinutes)
	}
	if c.General.IngestIntervalSeconds <= 0 {
		return fmt.Errorf("ingest_interval_seconds must be positive, got %d", c.General.IngestIntervalSeconds)
	}
	if c.General.AdmitIntervalSeconds <= 0 {
		return fmt.Errorf("admit_interval_seconds must be positive, got %d", c.General.AdmitIntervalSeconds)
	}
	if c.General.ReconcileIntervalSeconds <= 0 {
		return fmt.Errorf("reconcile_interval_seconds must be positive, got %d", c.General.ReconcileIntervalSeconds)
	}
	if len(c.Slack.ReminderReactions) == 0 {
		return fmt.Errorf("reminder_reactions must not be empty")
	}
	return nil
}

// IngestInterval returns the ingestion tick interval
func (c *Config) IngestInterval() time.Duration {
	return time.Duration(c.General.IngestIntervalSeconds) * time.Second
}

// AdmitInterval returns the admission tick interval
func (c *Config) AdmitInterval() time.Duration {
	return time.Duration(c.General.AdmitIntervalSeconds) * time.Second
}

// ReconcileInterval returns the reconciliation tick interval
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.General.ReconcileIntervalSeconds) * time.Second
}

// SessionTimeout returns the per-task review timeout; zero disables it
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Claude.TimeoutMinutes) * time.Minute
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "claudia-review", "config.toml")
}
