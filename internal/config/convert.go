package config

import (
	"strings"

	"github.com/google/uuid"

	"github.com/sotto-dev/sotto/internal/auth"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/transport"
)

// SessionConversation builds the conversation a whisperer hosts. A
// closed conversation with no configured id gets a fresh one, so every
// run is addressable; an open conversation keeps a blank id and lives in
// the open discovery namespace.
func SessionConversation(cfg WhisperConfig) transport.Conversation {
	conv := transport.Conversation{
		ID:    strings.TrimSpace(cfg.Conversation),
		Name:  strings.TrimSpace(cfg.Name),
		Owner: strings.TrimSpace(cfg.Profile),
	}
	if conv.ID == "" && !cfg.Open {
		conv.ID = uuid.NewString()
	}
	if len(cfg.Listeners) > 0 {
		conv.AuthorizedListeners = make(map[string]string, len(cfg.Listeners))
		for _, l := range cfg.Listeners {
			conv.AuthorizedListeners[strings.TrimSpace(l.Profile)] = strings.TrimSpace(l.Username)
		}
	}
	return conv
}

// WhisperIdentity builds the whisperer's wire identity for one run.
// Client ids are never reused across sessions.
func WhisperIdentity(cfg WhisperConfig, conv transport.Conversation) protocol.ClientInfo {
	return protocol.ClientInfo{
		ConversationID:   conv.ID,
		ConversationName: conv.Name,
		ClientID:         uuid.NewString(),
		ProfileID:        profileOr(cfg.Profile),
		Username:         cfg.Username,
	}
}

// ListenIdentity builds the listener's wire identity for one run.
func ListenIdentity(cfg ListenConfig) protocol.ClientInfo {
	return protocol.ClientInfo{
		ConversationID: strings.TrimSpace(cfg.Conversation),
		ClientID:       uuid.NewString(),
		ProfileID:      profileOr(cfg.Profile),
		Username:       cfg.Username,
	}
}

// ListenConversation builds the conversation selector a listener
// discovers with.
func ListenConversation(cfg ListenConfig) transport.Conversation {
	return transport.Conversation{
		ID: strings.TrimSpace(cfg.Conversation),
	}
}

// Allowlist builds the session authorizer: allow-all for open
// conversations, otherwise a mutable allow-list seeded from the
// configured listeners.
func Allowlist(cfg WhisperConfig, conv transport.Conversation) transport.Authorizer {
	if cfg.Open {
		return auth.AllowAll{}
	}
	list := auth.NewStaticList()
	for _, l := range cfg.Listeners {
		list.Grant(conv.ID, l.Profile, l.Username)
	}
	return list
}

func profileOr(profile string) string {
	if p := strings.TrimSpace(profile); p != "" {
		return p
	}
	return uuid.NewString()
}
