package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Claude.MaxParallelSessions != 5 {
		t.Errorf("MaxParallelSessions = %d, want 5", cfg.Claude.MaxParallelSessions)
	}
	if cfg.Claude.ExecutablePath != "claude" {
		t.Errorf("ExecutablePath = %q, want claude", cfg.Claude.ExecutablePath)
	}
	if cfg.Claude.CustomCommand != "/pwe-review" {
		t.Errorf("CustomCommand = %q, want /pwe-review", cfg.Claude.CustomCommand)
	}
	if len(cfg.Slack.ReminderReactions) != 3 {
		t.Errorf("ReminderReactions = %v, want 3 defaults", cfg.Slack.ReminderReactions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Claude.MaxParallelSessions != 5 {
		t.Errorf("MaxParallelSessions = %d, want default 5", cfg.Claude.MaxParallelSessions)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[slack]
bot_token = "xoxb-test"
channel_ids = ["C123", "C456"]
reminder_reactions = ["eyes"]

[claude]
executable_path = "/usr/local/bin/claude"
max_parallel_sessions = 2
timeout_minutes = 10

[general]
ingest_interval_seconds = 60
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Slack.BotToken != "xoxb-test" {
		t.Errorf("BotToken = %q", cfg.Slack.BotToken)
	}
	if len(cfg.Slack.ChannelIDs) != 2 {
		t.Errorf("ChannelIDs = %v, want 2 entries", cfg.Slack.ChannelIDs)
	}
	if cfg.Claude.MaxParallelSessions != 2 {
		t.Errorf("MaxParallelSessions = %d, want 2", cfg.Claude.MaxParallelSessions)
	}
	if cfg.SessionTimeout() != 10*time.Minute {
		t.Errorf("SessionTimeout = %v, want 10m", cfg.SessionTimeout())
	}
	if cfg.IngestInterval() != time.Minute {
		t.Errorf("IngestInterval = %v, want 1m", cfg.IngestInterval())
	}
	// Unset sections keep defaults
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want default 8080", cfg.Web.Port)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[claude]
max_parallel_sessions = 0
`
	os.WriteFile(path, []byte(content), 0o644)

	if _, err := Load(path); err == nil {
		t.Error("expected validation error for zero max_parallel_sessions")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty executable", func(c *Config) { c.Claude.ExecutablePath = "" }},
		{"negative timeout", func(c *Config) { c.Claude.TimeoutMinutes = -1 }},
		{"zero ingest interval", func(c *Config) { c.General.IngestIntervalSeconds = 0 }},
		{"no reminder reactions", func(c *Config) { c.Slack.ReminderReactions = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Claude.MaxParallelSessions = 7
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Claude.MaxParallelSessions != 7 {
		t.Errorf("MaxParallelSessions = %d, want 7", loaded.Claude.MaxParallelSessions)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	Default().Save(path)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	cfg := Default()
	cfg.Claude.MaxParallelSessions = 9
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-reloaded:
		if got.Claude.MaxParallelSessions != 9 {
			t.Errorf("MaxParallelSessions = %d, want 9", got.Claude.MaxParallelSessions)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/data/tasks.db"); got != filepath.Join(home, "data", "tasks.db") {
		t.Errorf("ExpandPath = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandPath absolute = %q", got)
	}
}
