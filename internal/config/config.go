// Package config holds the TOML file schemas for the sotto binaries,
// their loaders, and the template generator behind configgen.
//
// Loaders start from the schema defaults and overlay only the keys the
// file actually defines, so a sparse config never zeroes a default.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// WhisperConfig is the whisperctl file schema.
type WhisperConfig struct {
	// Conversation is the session id. Blank on a closed conversation
	// means a fresh id per run; blank with Open set joins the open
	// discovery namespace.
	Conversation string `toml:"conversation"`
	Name         string `toml:"name"`
	Profile      string `toml:"profile"`
	Username     string `toml:"username"`

	// Addr is the websocket listen address. Port zero advertises
	// whatever the OS picks.
	Addr string `toml:"addr"`

	// AdminAddr serves the status/admin surface when non-empty.
	AdminAddr string `toml:"admin_addr"`

	// AdminOrigins lists browser origins allowed on the admin surface.
	AdminOrigins []string `toml:"admin_origins"`

	// TranscriptDir enables the transcript archive when non-empty.
	TranscriptDir string `toml:"transcript_dir"`

	// Open authorizes every listener with a non-blank profile.
	Open bool `toml:"open"`

	// Zero means the engine default.
	HistoryLimit int `toml:"history_limit"`
	CatchUpLines int `toml:"catchup_lines"`

	Listeners []ListenerEntry `toml:"listeners"`
}

// ListenerEntry is one allow-list row.
type ListenerEntry struct {
	Profile  string `toml:"profile"`
	Username string `toml:"username"`
}

// ListenConfig is the listenctl file schema.
type ListenConfig struct {
	// Conversation selects which whisperer to join. Blank joins the
	// open discovery namespace.
	Conversation string `toml:"conversation"`

	// URL dials one publisher directly instead of discovering.
	URL string `toml:"url"`

	Profile  string `toml:"profile"`
	Username string `toml:"username"`

	// AdminAddr serves the status surface when non-empty.
	AdminAddr string `toml:"admin_addr"`

	// AdminOrigins lists browser origins allowed on the admin surface.
	AdminOrigins []string `toml:"admin_origins"`

	// Zero means the engine default.
	HistoryLimit int `toml:"history_limit"`
}

// DefaultWhisperConfig returns the whisperctl schema defaults.
func DefaultWhisperConfig() WhisperConfig {
	return WhisperConfig{
		Name:     "sotto session",
		Username: "whisperer",
		Addr:     ":0",
	}
}

// DefaultListenConfig returns the listenctl schema defaults.
func DefaultListenConfig() ListenConfig {
	return ListenConfig{
		Username: "listener",
	}
}

// LoadWhisperConfig reads one whisperctl TOML file over the defaults.
func LoadWhisperConfig(path string) (WhisperConfig, error) {
	cfg := DefaultWhisperConfig()

	var raw WhisperConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return WhisperConfig{}, fmt.Errorf("load whisper config (%s): %w", path, err)
	}

	if meta.IsDefined("conversation") {
		cfg.Conversation = strings.TrimSpace(raw.Conversation)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("profile") {
		cfg.Profile = strings.TrimSpace(raw.Profile)
	}
	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_origins") {
		cfg.AdminOrigins = raw.AdminOrigins
	}
	if meta.IsDefined("transcript_dir") {
		cfg.TranscriptDir = strings.TrimSpace(raw.TranscriptDir)
	}
	if meta.IsDefined("open") {
		cfg.Open = raw.Open
	}
	if meta.IsDefined("history_limit") {
		cfg.HistoryLimit = raw.HistoryLimit
	}
	if meta.IsDefined("catchup_lines") {
		cfg.CatchUpLines = raw.CatchUpLines
	}
	if meta.IsDefined("listeners") {
		cfg.Listeners = raw.Listeners
	}

	if err := ValidateWhisperConfig(cfg); err != nil {
		return WhisperConfig{}, fmt.Errorf("load whisper config (%s): %w", path, err)
	}
	return cfg, nil
}

// LoadListenConfig reads one listenctl TOML file over the defaults.
func LoadListenConfig(path string) (ListenConfig, error) {
	cfg := DefaultListenConfig()

	var raw ListenConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ListenConfig{}, fmt.Errorf("load listen config (%s): %w", path, err)
	}

	if meta.IsDefined("conversation") {
		cfg.Conversation = strings.TrimSpace(raw.Conversation)
	}
	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("profile") {
		cfg.Profile = strings.TrimSpace(raw.Profile)
	}
	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_origins") {
		cfg.AdminOrigins = raw.AdminOrigins
	}
	if meta.IsDefined("history_limit") {
		cfg.HistoryLimit = raw.HistoryLimit
	}

	if err := ValidateListenConfig(cfg); err != nil {
		return ListenConfig{}, fmt.Errorf("load listen config (%s): %w", path, err)
	}
	return cfg, nil
}

// ValidateWhisperConfig rejects schema values no session could run with.
func ValidateWhisperConfig(cfg WhisperConfig) error {
	if strings.TrimSpace(cfg.Username) == "" {
		return fmt.Errorf("username is required")
	}
	if cfg.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must not be negative")
	}
	if cfg.CatchUpLines < 0 {
		return fmt.Errorf("catchup_lines must not be negative")
	}
	for i, l := range cfg.Listeners {
		if strings.TrimSpace(l.Profile) == "" {
			return fmt.Errorf("listeners[%d] missing profile", i)
		}
	}
	return nil
}

// ValidateListenConfig rejects schema values no session could run with.
func ValidateListenConfig(cfg ListenConfig) error {
	if strings.TrimSpace(cfg.Username) == "" {
		return fmt.Errorf("username is required")
	}
	if cfg.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must not be negative")
	}
	if u := strings.TrimSpace(cfg.URL); u != "" {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("url must be a ws:// or wss:// endpoint")
		}
	}
	return nil
}
