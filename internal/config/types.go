package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the full configuration surface. It is decoded strictly
// (unknown keys are rejected) from a JSON or YAML file and treated as
// immutable once committed; reloads build a fresh value.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Forwarding ForwardingConfig `json:"forwarding"`
	Keepalive  KeepaliveConfig  `json:"keepalive,omitempty"`
	Report     ReportConfig     `json:"report,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// SourceChannel is the watched channel: "@username" or a numeric
	// chat id in decimal.
	SourceChannel string `json:"source_channel"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the dedup store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/relaybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | memory
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ForwardingConfig controls the delivery queue.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 0 (unbounded)
//   - min_delay: "0s" (disabled)
//   - max_per_second: 0 (no ceiling)
type ForwardingConfig struct {
	// Enabled false runs the pipeline in dry-run mode: candidates are
	// claimed and logged but nothing is sent.
	Enabled bool `json:"enabled"`

	// Targets are destination chats in delivery order.
	Targets []string `json:"targets"`

	QueueSize int `json:"queue_size,omitempty"`

	MinDelay     string  `json:"min_delay,omitempty"`
	MaxPerSecond float64 `json:"max_per_second,omitempty"`

	Keywords              []string `json:"keywords,omitempty"`
	CaseSensitiveKeywords bool     `json:"case_sensitive_keywords,omitempty"`
}

type KeepaliveConfig struct {
	Enabled  bool   `json:"enabled"`
	Chat     string `json:"chat,omitempty"`
	Command  string `json:"command,omitempty"`
	Interval string `json:"interval,omitempty"`
}

type ReportConfig struct {
	Chat     string `json:"chat,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures. Called on load and before committing a reload.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token must be set")
	}
	if strings.TrimSpace(c.Telegram.SourceChannel) == "" {
		return errors.New("telegram.source_channel must be set")
	}
	if c.Forwarding.Enabled && len(c.Forwarding.Targets) == 0 {
		return errors.New("forwarding.targets must be set when forwarding is enabled")
	}
	if c.Forwarding.QueueSize < 0 {
		return errors.New("forwarding.queue_size must be >= 0")
	}
	if c.Forwarding.MaxPerSecond < 0 {
		return errors.New("forwarding.max_per_second must be >= 0")
	}
	for _, field := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"forwarding.min_delay", c.Forwarding.MinDelay},
		{"keepalive.interval", c.Keepalive.Interval},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	if c.Keepalive.Enabled && strings.TrimSpace(c.Keepalive.Chat) == "" {
		return errors.New("keepalive.chat must be set when keepalive is enabled")
	}
	if driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); driver != "" &&
		driver != "sqlite" && driver != "sqlite3" && driver != "memory" {
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	return nil
}
