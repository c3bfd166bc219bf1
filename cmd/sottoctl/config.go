package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const defaultTargetsPath = "cmd/sottoctl/targets.toml"

// targetsFile persists named admin endpoints so day-to-day invocations
// only need a target name.
type targetsFile struct {
	Default string         `toml:"default"`
	Targets []targetConfig `toml:"targets"`
}

// targetConfig binds a display name to one session's admin surface.
type targetConfig struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
	Role string `toml:"role"`
}

// settings is the sottoctl flag surface.
type settings struct {
	configPath string
	target     string
	name       string
	role       string
	timeout    time.Duration
}

func registerFlags(fs *flag.FlagSet) *settings {
	s := &settings{}
	fs.StringVar(&s.configPath, "config", defaultTargetsPath, "path to targets TOML")
	fs.StringVar(&s.target, "target", "", "admin address, overrides the targets file")
	fs.StringVar(&s.name, "name", "", "named target from the targets file")
	fs.StringVar(&s.role, "role", "", "target role: whisper or listen")
	fs.DurationVar(&s.timeout, "timeout", 5*time.Second, "request timeout")
	return s
}

// loadTargets reads the targets file, creating it with a local seed pair
// on first use so the file documents its own shape.
func loadTargets(path string) (targetsFile, error) {
	var cfg targetsFile
	if err := ensureFile(path); err != nil {
		return targetsFile{}, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return targetsFile{}, fmt.Errorf("load targets: %w", err)
	}
	if len(cfg.Targets) > 0 {
		return cfg, nil
	}
	cfg.Default = "local-whisper"
	cfg.Targets = []targetConfig{
		{Name: "local-whisper", Addr: "127.0.0.1:7070", Role: "whisper"},
		{Name: "local-listen", Addr: "127.0.0.1:7071", Role: "listen"},
	}
	if err := saveTargets(path, cfg); err != nil {
		return targetsFile{}, err
	}
	return cfg, nil
}

func saveTargets(path string, cfg targetsFile) error {
	buf := strings.Builder{}
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(buf.String()), 0o644)
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// resolveTarget picks the admin address and role for this invocation.
// An explicit -target wins; otherwise -name (or the file default) names
// a stored entry. -role overrides whatever the entry declares.
func resolveTarget(cfg targetsFile, s *settings) (string, string, error) {
	role := strings.ToLower(strings.TrimSpace(s.role))

	if addr := strings.TrimSpace(s.target); addr != "" {
		if role == "" {
			role = "whisper"
		}
		return addr, role, validateRole(role)
	}

	name := strings.TrimSpace(s.name)
	if name == "" {
		name = strings.TrimSpace(cfg.Default)
	}
	if name == "" {
		return "", "", fmt.Errorf("no target: pass -target, -name, or set a default in the targets file")
	}
	for _, t := range cfg.Targets {
		if t.Name != name {
			continue
		}
		if role == "" {
			role = strings.ToLower(strings.TrimSpace(t.Role))
		}
		if role == "" {
			role = "whisper"
		}
		return strings.TrimSpace(t.Addr), role, validateRole(role)
	}
	return "", "", fmt.Errorf("unknown target %q", name)
}

func validateRole(role string) error {
	switch role {
	case "whisper", "listen":
		return nil
	default:
		return fmt.Errorf("unknown role %q (expected whisper or listen)", role)
	}
}
