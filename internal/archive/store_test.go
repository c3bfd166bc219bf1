package archive

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sotto-dev/sotto/internal/testutil/testlog"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	testlog.Start(t)

	s := NewStore(t.TempDir())
	id, err := s.Save("conv-1234-abcd", []string{"hello world", "second line"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(id, "conv-123") {
		t.Fatalf("id %q missing conversation fragment", id)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), id+ext)); err != nil {
		t.Fatalf("transcript file: %v", err)
	}

	lines, err := s.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(lines) != 2 || lines[0] != "hello world" || lines[1] != "second line" {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestStoreEmptyTranscript(t *testing.T) {
	testlog.Start(t)

	s := NewStore(t.TempDir())
	id, err := s.Save("", nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(id, "session-") {
		t.Fatalf("blank conversation should fall back to session prefix, got %q", id)
	}
	lines, err := s.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %q", lines)
	}
}

func TestStoreListsSavedTranscripts(t *testing.T) {
	testlog.Start(t)

	s := NewStore(t.TempDir())
	first, err := s.Save("conv-1234-abcd", []string{"one"})
	if err != nil {
		t.Fatalf("save first: %v", err)
	}
	second, err := s.Save("conv-1234-abcd", []string{"two"})
	if err != nil {
		t.Fatalf("save second: %v", err)
	}

	ids, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 transcripts, got %q", ids)
	}
	seen := map[string]bool{ids[0]: true, ids[1]: true}
	if !seen[first] || !seen[second] {
		t.Fatalf("list %q missing %q or %q", ids, first, second)
	}
}

func TestStoreRejectsBadIDs(t *testing.T) {
	testlog.Start(t)

	s := NewStore(t.TempDir())
	for _, id := range []string{"", "  ", "../escape", "a/b", `a\b`} {
		if _, err := s.Load(id); err == nil {
			t.Fatalf("load %q should fail", id)
		}
		if err := s.Remove(id); err == nil {
			t.Fatalf("remove %q should fail", id)
		}
	}
}

func TestStoreRemoveIsIdempotent(t *testing.T) {
	testlog.Start(t)

	s := NewStore(t.TempDir())
	id, err := s.Save("conv-1234-abcd", []string{"gone"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(id); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if _, err := s.Load(id); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("load after remove: %v", err)
	}
}
