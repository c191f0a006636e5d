// Package config provides YAML-based configuration loading for Signalbox.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Signalbox configuration, loaded from signalbox.yaml.
type Config struct {
	Account   string          `yaml:"account"`  // bot account name, e.g. "main"
	Platform  string          `yaml:"platform"` // "discord" or "slack"
	Discord   DiscordConfig   `yaml:"discord"`
	Slack     SlackConfig     `yaml:"slack"`
	Store     StoreConfig     `yaml:"store"`
	Status    StatusConfig    `yaml:"status"`
	Digest    DigestConfig    `yaml:"digest"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"` // default channel for digests
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken  string `yaml:"app_token"` // xapp-...
	BotToken  string `yaml:"bot_token"` // xoxb-...
	ChannelID string `yaml:"channel_id"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`   // mysql host
	Port     int    `yaml:"port"`   // mysql port
	Database string `yaml:"database"`
}

// StatusConfig tunes the live status reconciliation engine.
type StatusConfig struct {
	EnabledDefault bool   `yaml:"enabled_default"` // default for new conversations
	DisplayMode    string `yaml:"display_mode"`    // "predictive" or "strict"
	PinMode        string `yaml:"pin_mode"`        // "off" or "first"
	Buttons        bool   `yaml:"buttons"`
	BaseThrottleMs int    `yaml:"base_throttle_ms"` // per-session edit throttle
	TickIntervalMs int    `yaml:"tick_interval_ms"` // periodic refresh ticker
	AutoHideSec    int    `yaml:"auto_hide_sec"`    // negative disables auto-hide
	StaleAfterMin  int    `yaml:"stale_after_min"`  // session GC window
}

// DigestConfig schedules periodic run summaries.
type DigestConfig struct {
	Daily  DigestEntry `yaml:"daily"`
	Weekly DigestEntry `yaml:"weekly"`
}

// DigestEntry is one cron-scheduled digest.
type DigestEntry struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"` // 5-field cron expression
}

// DashboardConfig configures the local HTTP API.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Account == "" {
		c.Account = "main"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "signalbox.db"
	}
	if c.Store.Driver == "mysql" {
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
		if c.Store.Database == "" {
			c.Store.Database = "signalbox_" + c.Account
		}
	}
	if c.Status.DisplayMode == "" {
		c.Status.DisplayMode = "predictive"
	}
	if c.Status.PinMode == "" {
		c.Status.PinMode = "off"
	}
	if c.Status.BaseThrottleMs == 0 {
		c.Status.BaseThrottleMs = 1500
	}
	if c.Status.TickIntervalMs == 0 {
		c.Status.TickIntervalMs = 15000
	}
	if c.Status.AutoHideSec == 0 {
		c.Status.AutoHideSec = 300
	}
	if c.Status.StaleAfterMin == 0 {
		c.Status.StaleAfterMin = 30
	}
	if c.Digest.Daily.Enabled && c.Digest.Daily.Cron == "" {
		c.Digest.Daily.Cron = "0 9 * * *"
	}
	if c.Digest.Weekly.Enabled && c.Digest.Weekly.Cron == "" {
		c.Digest.Weekly.Cron = "0 9 * * 1"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8090
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case "discord":
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
	case "slack":
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
	case "":
		errs = append(errs, "platform is required")
	default:
		errs = append(errs, fmt.Sprintf("platform %q is not supported (discord, slack)", c.Platform))
	}
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (sqlite, mysql)", c.Store.Driver))
	}
	switch c.Status.DisplayMode {
	case "predictive", "strict":
	default:
		errs = append(errs, fmt.Sprintf("status.display_mode %q is not supported (predictive, strict)", c.Status.DisplayMode))
	}
	switch c.Status.PinMode {
	case "off", "first":
	default:
		errs = append(errs, fmt.Sprintf("status.pin_mode %q is not supported (off, first)", c.Status.PinMode))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
