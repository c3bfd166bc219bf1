// Package auth provides authorized-listener predicate implementations.
//
// It intentionally avoids policy decisions and storage concerns; the
// profile layer decides who goes on an allow-list, this package only
// answers membership queries.
package auth

import (
	"strings"
	"sync"
)

// AllowAll authorizes every profile. Used for open conversations and
// first-time pairing flows.
type AllowAll struct{}

func (AllowAll) Authorized(conversationID, profileID string) bool {
	return strings.TrimSpace(profileID) != ""
}

// StaticList authorizes profiles from a per-conversation allow-list.
// Grant and Revoke may be called while a session is live; lookups see
// the latest state.
type StaticList struct {
	mu        sync.RWMutex
	listeners map[string]map[string]string
}

func NewStaticList() *StaticList {
	return &StaticList{
		listeners: make(map[string]map[string]string),
	}
}

func (s *StaticList) Grant(conversationID, profileID, username string) {
	convKey := strings.TrimSpace(conversationID)
	profKey := strings.TrimSpace(profileID)
	if convKey == "" || profKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byProfile, ok := s.listeners[convKey]
	if !ok {
		byProfile = make(map[string]string)
		s.listeners[convKey] = byProfile
	}
	byProfile[profKey] = strings.TrimSpace(username)
}

func (s *StaticList) Revoke(conversationID, profileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byProfile, ok := s.listeners[strings.TrimSpace(conversationID)]; ok {
		delete(byProfile, strings.TrimSpace(profileID))
	}
}

func (s *StaticList) Authorized(conversationID, profileID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byProfile, ok := s.listeners[strings.TrimSpace(conversationID)]
	if !ok {
		return false
	}
	_, ok = byProfile[strings.TrimSpace(profileID)]
	return ok
}

// Listeners returns the allow-list for one conversation keyed by profile
// id. The returned map is a copy.
func (s *StaticList) Listeners(conversationID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byProfile, ok := s.listeners[strings.TrimSpace(conversationID)]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(byProfile))
	for k, v := range byProfile {
		out[k] = v
	}
	return out
}

// Func adapts a function into an authorizer.
type Func func(conversationID, profileID string) bool

func (f Func) Authorized(conversationID, profileID string) bool {
	return f(conversationID, profileID)
}
