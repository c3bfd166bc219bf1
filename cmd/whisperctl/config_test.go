package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/sotto-dev/sotto/internal/testutil/testlog"
)

func TestResolveConfigFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "config.toml")
	content := `
conversation = "conv-from-file"
name = "File Session"
username = "filed"
addr = ":9100"

[[listeners]]
profile = "profile-a"
username = "Avery"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs := flag.NewFlagSet("whisperctl", flag.ContinueOnError)
	s := registerFlags(fs)
	args := []string{
		"-config", path,
		"-conversation", "conv-from-flag",
		"-admin", "127.0.0.1:7600",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := resolveConfig(fs, s)
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.Conversation != "conv-from-flag" {
		t.Fatalf("conversation = %q, want flag value", cfg.Conversation)
	}
	if cfg.Name != "File Session" || cfg.Username != "filed" || cfg.Addr != ":9100" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.AdminAddr != "127.0.0.1:7600" {
		t.Fatalf("admin addr = %q, want flag value", cfg.AdminAddr)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("listeners = %+v", cfg.Listeners)
	}
}

func TestResolveConfigWithoutFileUsesDefaults(t *testing.T) {
	testlog.Start(t)

	fs := flag.NewFlagSet("whisperctl", flag.ContinueOnError)
	s := registerFlags(fs)
	if err := fs.Parse([]string{"-open", "-username", "dana"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := resolveConfig(fs, s)
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if !cfg.Open || cfg.Username != "dana" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Addr != ":0" || cfg.Name != "sotto session" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
}
