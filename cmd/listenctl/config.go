package main

import (
	"flag"
	"strings"

	"github.com/sotto-dev/sotto/internal/config"
)

// settings is the listenctl flag surface. Flags that were explicitly set
// override the config file.
type settings struct {
	configPath   string
	conversation string
	url          string
	profile      string
	username     string
	adminAddr    string
}

func registerFlags(fs *flag.FlagSet) *settings {
	s := &settings{}
	fs.StringVar(&s.configPath, "config", "", "path to TOML config")
	fs.StringVar(&s.conversation, "conversation", "", "conversation id to join")
	fs.StringVar(&s.url, "url", "", "whisperer websocket url (skips discovery)")
	fs.StringVar(&s.profile, "profile", "", "listener profile id")
	fs.StringVar(&s.username, "username", "", "listener display name")
	fs.StringVar(&s.adminAddr, "admin", "", "status listen address")
	return s
}

// resolveConfig merges defaults, the config file, and explicit flags, in
// that order.
func resolveConfig(fs *flag.FlagSet, s *settings) (config.ListenConfig, error) {
	cfg := config.DefaultListenConfig()
	if s.configPath != "" {
		loaded, err := config.LoadListenConfig(s.configPath)
		if err != nil {
			return config.ListenConfig{}, err
		}
		cfg = loaded
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["conversation"] {
		cfg.Conversation = strings.TrimSpace(s.conversation)
	}
	if set["url"] {
		cfg.URL = strings.TrimSpace(s.url)
	}
	if set["profile"] {
		cfg.Profile = strings.TrimSpace(s.profile)
	}
	if set["username"] {
		cfg.Username = strings.TrimSpace(s.username)
	}
	if set["admin"] {
		cfg.AdminAddr = strings.TrimSpace(s.adminAddr)
	}

	if err := config.ValidateListenConfig(cfg); err != nil {
		return config.ListenConfig{}, err
	}
	return cfg, nil
}
