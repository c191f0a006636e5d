package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrateCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"migrate", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("migrate --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "idempotent") {
		t.Errorf("expected help to mention idempotency, got: %s", out)
	}
}

func TestMigrateCmd_Flags(t *testing.T) {
	cmd := newMigrateCmd()
	if cmd.Use != "migrate" {
		t.Errorf("Use = %q, want %q", cmd.Use, "migrate")
	}
	if cmd.Flags().Lookup("config") == nil {
		t.Error("expected --config flag")
	}
}

func TestRunMigrate_Sqlite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sb.db")
	cfgPath := filepath.Join(dir, "signalbox.yaml")
	cfgYAML := `
platform: discord
discord:
  bot_token: tok
store:
  driver: sqlite
  path: ` + dbPath + `
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	buf := new(bytes.Buffer)
	if err := runMigrate(buf, cfgPath); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Migrating sqlite store at "+dbPath) {
		t.Errorf("expected sqlite migration banner, got: %s", out)
	}
	if !strings.Contains(out, "Migrated 2 tables") {
		t.Errorf("expected migrated table count, got: %s", out)
	}

	// A second run against the same store must also succeed.
	if err := runMigrate(new(bytes.Buffer), cfgPath); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected sqlite file at %s: %v", dbPath, err)
	}
}

func TestRunMigrate_MissingConfig(t *testing.T) {
	err := runMigrate(new(bytes.Buffer), filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %v, want load config failure", err)
	}
}
