package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sotto-dev/sotto/internal/testutil/testlog"
	"github.com/sotto-dev/sotto/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWhisperConfigOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
conversation = "conv-1"
username = "dana"
history_limit = 16
transcript_dir = "local/standup"
admin_origins = ["http://panel.local"]

[[listeners]]
profile = "profile-a"
username = "Avery"
`)

	cfg, err := LoadWhisperConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Conversation != "conv-1" || cfg.Username != "dana" || cfg.HistoryLimit != 16 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.TranscriptDir != "local/standup" {
		t.Fatalf("transcript_dir = %q", cfg.TranscriptDir)
	}
	if len(cfg.AdminOrigins) != 1 || cfg.AdminOrigins[0] != "http://panel.local" {
		t.Fatalf("admin_origins = %q", cfg.AdminOrigins)
	}
	// Keys the file does not define keep their defaults.
	if cfg.Name != "sotto session" || cfg.Addr != ":0" {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Profile != "profile-a" {
		t.Fatalf("listeners = %+v", cfg.Listeners)
	}
}

func TestLoadWhisperConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, "history_limit = -1\n")
	if _, err := LoadWhisperConfig(path); err == nil {
		t.Fatalf("negative history_limit accepted")
	}

	path = writeConfig(t, "[[listeners]]\nusername = \"no profile\"\n")
	if _, err := LoadWhisperConfig(path); err == nil {
		t.Fatalf("listener without profile accepted")
	}
}

func TestLoadListenConfigValidatesURL(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, "url = \"http://example.com/session\"\n")
	if _, err := LoadListenConfig(path); err == nil {
		t.Fatalf("non-websocket url accepted")
	}

	path = writeConfig(t, "url = \"ws://10.0.0.5:9000/session\"\nconversation = \"conv-9\"\n")
	cfg, err := LoadListenConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.URL != "ws://10.0.0.5:9000/session" || cfg.Username != "listener" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestTemplatesRoundTrip(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	for _, kind := range []string{"whisper", "listen"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		// The generated template must load cleanly.
		switch kind {
		case "whisper":
			if _, err := LoadWhisperConfig(path); err != nil {
				t.Errorf("template does not load: %v", err)
			}
		case "listen":
			if _, err := LoadListenConfig(path); err != nil {
				t.Errorf("template does not load: %v", err)
			}
		}
		// A second write without overwrite is refused.
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Errorf("%s template overwrote existing file", kind)
		}
	}

	if _, err := Template("broadcast"); err == nil || !strings.Contains(err.Error(), "unknown config kind") {
		t.Fatalf("unknown kind error = %v", err)
	}
}

func TestSessionConversationGeneratesClosedID(t *testing.T) {
	testlog.Start(t)

	closed := SessionConversation(WhisperConfig{Name: "Standup", Profile: "profile-owner"})
	if closed.ID == "" {
		t.Fatalf("closed conversation kept a blank id")
	}
	if closed.Owner != "profile-owner" {
		t.Fatalf("conversation = %+v", closed)
	}

	open := SessionConversation(WhisperConfig{Open: true})
	if open.ID != "" {
		t.Fatalf("open conversation got id %q, want blank for open discovery", open.ID)
	}
}

func TestAllowlistModes(t *testing.T) {
	testlog.Start(t)

	cfg := WhisperConfig{
		Conversation: "conv-1",
		Listeners:    []ListenerEntry{{Profile: "profile-a", Username: "Avery"}},
	}
	conv := SessionConversation(cfg)

	authz := Allowlist(cfg, conv)
	if !authz.Authorized(conv.ID, "profile-a") {
		t.Fatalf("configured listener not authorized")
	}
	if authz.Authorized(conv.ID, "profile-b") {
		t.Fatalf("unlisted profile authorized on closed conversation")
	}

	openAuthz := Allowlist(WhisperConfig{Open: true}, transport.Conversation{})
	if !openAuthz.Authorized("", "profile-anyone") {
		t.Fatalf("open conversation denied a profile")
	}
}

func TestIdentitiesGetFreshClientIDs(t *testing.T) {
	testlog.Start(t)

	cfg := WhisperConfig{Username: "dana", Profile: "profile-owner"}
	conv := SessionConversation(cfg)
	a := WhisperIdentity(cfg, conv)
	b := WhisperIdentity(cfg, conv)
	if a.ClientID == "" || a.ClientID == b.ClientID {
		t.Fatalf("client ids not fresh per run: %q vs %q", a.ClientID, b.ClientID)
	}
	if a.ConversationID != conv.ID || a.Username != "dana" {
		t.Fatalf("identity = %+v", a)
	}

	lc := ListenConfig{Username: "sam"}
	li := ListenIdentity(lc)
	if li.ClientID == "" || li.ProfileID == "" {
		t.Fatalf("listener identity missing generated ids: %+v", li)
	}
}
