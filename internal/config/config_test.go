package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullYAML = `
account: alice
platform: discord

discord:
  bot_token: xyz-token
  channel_id: "123456789"

store:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  database: signalbox_alice

status:
  enabled_default: true
  display_mode: strict
  pin_mode: first
  buttons: true
  base_throttle_ms: 2000
  tick_interval_ms: 10000
  auto_hide_sec: 120
  stale_after_min: 45

digest:
  daily:
    enabled: true
    cron: "0 9 * * *"
  weekly:
    enabled: true
    cron: "0 9 * * 1"

dashboard:
  enabled: true
  port: 9999
`

const minimalYAML = `
platform: discord
discord:
  bot_token: tok
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Account != "alice" {
		t.Errorf("Account = %q, want %q", cfg.Account, "alice")
	}
	if cfg.Platform != "discord" {
		t.Errorf("Platform = %q, want %q", cfg.Platform, "discord")
	}
	if cfg.Discord.BotToken != "xyz-token" {
		t.Errorf("Discord.BotToken = %q, want %q", cfg.Discord.BotToken, "xyz-token")
	}
	if cfg.Store.Driver != "mysql" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "mysql")
	}
	if cfg.Store.Host != "10.0.0.5" {
		t.Errorf("Store.Host = %q, want %q", cfg.Store.Host, "10.0.0.5")
	}
	if cfg.Store.Port != 3307 {
		t.Errorf("Store.Port = %d, want %d", cfg.Store.Port, 3307)
	}
	if cfg.Status.DisplayMode != "strict" {
		t.Errorf("Status.DisplayMode = %q, want %q", cfg.Status.DisplayMode, "strict")
	}
	if cfg.Status.PinMode != "first" {
		t.Errorf("Status.PinMode = %q, want %q", cfg.Status.PinMode, "first")
	}
	if cfg.Status.BaseThrottleMs != 2000 {
		t.Errorf("Status.BaseThrottleMs = %d, want 2000", cfg.Status.BaseThrottleMs)
	}
	if cfg.Status.AutoHideSec != 120 {
		t.Errorf("Status.AutoHideSec = %d, want 120", cfg.Status.AutoHideSec)
	}
	if !cfg.Digest.Daily.Enabled {
		t.Error("Digest.Daily.Enabled = false, want true")
	}
	if cfg.Digest.Weekly.Cron != "0 9 * * 1" {
		t.Errorf("Digest.Weekly.Cron = %q, want %q", cfg.Digest.Weekly.Cron, "0 9 * * 1")
	}
	if cfg.Dashboard.Port != 9999 {
		t.Errorf("Dashboard.Port = %d, want 9999", cfg.Dashboard.Port)
	}
}

func TestParse_MinimalAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Account != "main" {
		t.Errorf("Account = %q, want %q", cfg.Account, "main")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "sqlite")
	}
	if cfg.Store.Path != "signalbox.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "signalbox.db")
	}
	if cfg.Status.DisplayMode != "predictive" {
		t.Errorf("Status.DisplayMode = %q, want %q", cfg.Status.DisplayMode, "predictive")
	}
	if cfg.Status.PinMode != "off" {
		t.Errorf("Status.PinMode = %q, want %q", cfg.Status.PinMode, "off")
	}
	if cfg.Status.BaseThrottleMs != 1500 {
		t.Errorf("Status.BaseThrottleMs = %d, want 1500", cfg.Status.BaseThrottleMs)
	}
	if cfg.Status.TickIntervalMs != 15000 {
		t.Errorf("Status.TickIntervalMs = %d, want 15000", cfg.Status.TickIntervalMs)
	}
	if cfg.Status.StaleAfterMin != 30 {
		t.Errorf("Status.StaleAfterMin = %d, want 30", cfg.Status.StaleAfterMin)
	}
	if cfg.Dashboard.Port != 8090 {
		t.Errorf("Dashboard.Port = %d, want 8090", cfg.Dashboard.Port)
	}
}

func TestParse_MysqlDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
platform: discord
discord:
  bot_token: tok
store:
  driver: mysql
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Host != "127.0.0.1" {
		t.Errorf("Store.Host = %q, want 127.0.0.1", cfg.Store.Host)
	}
	if cfg.Store.Port != 3306 {
		t.Errorf("Store.Port = %d, want 3306", cfg.Store.Port)
	}
	if cfg.Store.Database != "signalbox_main" {
		t.Errorf("Store.Database = %q, want signalbox_main", cfg.Store.Database)
	}
}

func TestParse_DigestCronDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
platform: discord
discord:
  bot_token: tok
digest:
  daily:
    enabled: true
  weekly:
    enabled: true
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Digest.Daily.Cron != "0 9 * * *" {
		t.Errorf("Digest.Daily.Cron = %q, want %q", cfg.Digest.Daily.Cron, "0 9 * * *")
	}
	if cfg.Digest.Weekly.Cron != "0 9 * * 1" {
		t.Errorf("Digest.Weekly.Cron = %q, want %q", cfg.Digest.Weekly.Cron, "0 9 * * 1")
	}
}

func TestParse_MissingPlatform(t *testing.T) {
	_, err := Parse([]byte(`account: bob`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "platform is required") {
		t.Errorf("error = %v, want mention of platform", err)
	}
}

func TestParse_UnknownPlatform(t *testing.T) {
	_, err := Parse([]byte(`platform: irc`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), `platform "irc"`) {
		t.Errorf("error = %v, want mention of irc", err)
	}
}

func TestParse_SlackRequiresTokens(t *testing.T) {
	_, err := Parse([]byte(`platform: slack`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "slack.bot_token") || !strings.Contains(msg, "slack.app_token") {
		t.Errorf("error = %v, want both slack token errors", err)
	}
}

func TestParse_InvalidDisplayMode(t *testing.T) {
	_, err := Parse([]byte(`
platform: discord
discord:
  bot_token: tok
status:
  display_mode: guess
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "display_mode") {
		t.Errorf("error = %v, want mention of display_mode", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("platform: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %v, want config: parse prefix", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signalbox.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Platform != "discord" {
		t.Errorf("Platform = %q, want discord", cfg.Platform)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
