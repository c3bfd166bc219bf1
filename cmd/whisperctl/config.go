package main

import (
	"flag"
	"strings"

	"github.com/sotto-dev/sotto/internal/config"
)

// settings is the whisperctl flag surface. Flags that were explicitly
// set override the config file.
type settings struct {
	configPath    string
	conversation  string
	name          string
	profile       string
	username      string
	addr          string
	adminAddr     string
	transcriptDir string
	open          bool
}

func registerFlags(fs *flag.FlagSet) *settings {
	s := &settings{}
	fs.StringVar(&s.configPath, "config", "", "path to TOML config")
	fs.StringVar(&s.conversation, "conversation", "", "conversation id")
	fs.StringVar(&s.name, "name", "", "conversation display name")
	fs.StringVar(&s.profile, "profile", "", "whisperer profile id")
	fs.StringVar(&s.username, "username", "", "whisperer display name")
	fs.StringVar(&s.addr, "addr", "", "websocket listen address")
	fs.StringVar(&s.adminAddr, "admin", "", "status/admin listen address")
	fs.StringVar(&s.transcriptDir, "transcripts", "", "transcript archive directory")
	fs.BoolVar(&s.open, "open", false, "authorize every listener")
	return s
}

// resolveConfig merges defaults, the config file, and explicit flags, in
// that order.
func resolveConfig(fs *flag.FlagSet, s *settings) (config.WhisperConfig, error) {
	cfg := config.DefaultWhisperConfig()
	if s.configPath != "" {
		loaded, err := config.LoadWhisperConfig(s.configPath)
		if err != nil {
			return config.WhisperConfig{}, err
		}
		cfg = loaded
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["conversation"] {
		cfg.Conversation = strings.TrimSpace(s.conversation)
	}
	if set["name"] {
		cfg.Name = strings.TrimSpace(s.name)
	}
	if set["profile"] {
		cfg.Profile = strings.TrimSpace(s.profile)
	}
	if set["username"] {
		cfg.Username = strings.TrimSpace(s.username)
	}
	if set["addr"] {
		cfg.Addr = strings.TrimSpace(s.addr)
	}
	if set["admin"] {
		cfg.AdminAddr = strings.TrimSpace(s.adminAddr)
	}
	if set["transcripts"] {
		cfg.TranscriptDir = strings.TrimSpace(s.transcriptDir)
	}
	if set["open"] {
		cfg.Open = s.open
	}

	if err := config.ValidateWhisperConfig(cfg); err != nil {
		return config.WhisperConfig{}, err
	}
	return cfg, nil
}
