package transport

import (
	"testing"

	"github.com/google/uuid"

	"github.com/sotto-dev/sotto/internal/testutil/testlog"
)

func TestConversationShortID(t *testing.T) {
	testlog.Start(t)
	id := uuid.NewString()
	conv := Conversation{ID: id, Name: "Standup"}
	short := conv.ShortID()
	if len(short) != 8 {
		t.Fatalf("short id length %d, want 8", len(short))
	}
	if short != id[:8] {
		t.Fatalf("short id %q does not prefix %q", short, id)
	}
}

func TestConversationShortIDOpen(t *testing.T) {
	testlog.Start(t)
	conv := Conversation{}
	if got := conv.ShortID(); got != OpenDiscoveryID {
		t.Fatalf("empty conversation advertises %q, want %q", got, OpenDiscoveryID)
	}
}

func TestConversationShortIDShortInput(t *testing.T) {
	testlog.Start(t)
	conv := Conversation{ID: "abc"}
	if got := conv.ShortID(); got != "abc" {
		t.Fatalf("short raw id should pass through, got %q", got)
	}
}

func TestConversationAuthorized(t *testing.T) {
	testlog.Start(t)
	conv := Conversation{
		ID:    uuid.NewString(),
		Owner: "owner-profile",
		AuthorizedListeners: map[string]string{
			"profile-a": "Dana",
		},
	}
	if !conv.Authorized("profile-a") {
		t.Fatalf("listed profile should be authorized")
	}
	if conv.Authorized("profile-b") {
		t.Fatalf("unlisted profile should be denied")
	}
	if conv.Authorized("") {
		t.Fatalf("empty profile should be denied")
	}
}

func TestRemoteIdentity(t *testing.T) {
	testlog.Start(t)
	var r Remote = LocalRemote{DeviceID: "periph-1"}
	if r.ID() != "periph-1" || r.Kind() != KindLocal {
		t.Fatalf("unexpected local remote identity: %v %v", r.ID(), r.Kind())
	}
	r = GlobalRemote{ClientID: "client-1"}
	if r.ID() != "client-1" || r.Kind() != KindGlobal {
		t.Fatalf("unexpected global remote identity: %v %v", r.ID(), r.Kind())
	}
}

func TestRemoteUsableAsMapKey(t *testing.T) {
	testlog.Start(t)
	seen := map[Remote]int{
		LocalRemote{DeviceID: "p1"}:  1,
		GlobalRemote{ClientID: "c1"}: 2,
	}
	if seen[LocalRemote{DeviceID: "p1"}] != 1 {
		t.Fatalf("local remote lookup failed")
	}
	if seen[GlobalRemote{ClientID: "c1"}] != 2 {
		t.Fatalf("global remote lookup failed")
	}
}
