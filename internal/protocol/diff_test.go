package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/sotto-dev/sotto/internal/testutil/testlog"
)

// replay folds a chunk sequence into committed lines plus a live line,
// the same way a subscriber renders the stream.
func replay(t *testing.T, start string, chunks []Chunk) string {
	t.Helper()
	var committed []string
	live := start
	for _, c := range chunks {
		if c.Offset == Newline {
			committed = append(committed, live)
			live = ""
			continue
		}
		next, err := Apply(live, c)
		if err != nil {
			t.Fatalf("apply %+v: %v", c, err)
		}
		live = next
	}
	return strings.Join(append(committed, live), "\n")
}

func TestDiffLinesReconstruction(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		old string
		new string
	}{
		{"", "hello"},
		{"hello", "hello world"},
		{"hello world", "hello"},
		{"hello world", "hello there"},
		{"hello", "hello world\nsecond line"},
		{"caf", "café au lait"},
		{"a", "a\n"},
		{"typo", "different entirely"},
		{"", "one\ntwo\nthree"},
	}
	for _, tc := range cases {
		chunks := DiffLines(tc.old, tc.new)
		got := replay(t, tc.old, chunks)
		if got != tc.new {
			t.Fatalf("replay(%q -> %q) = %q (chunks %+v)", tc.old, tc.new, got, chunks)
		}
	}
}

func TestDiffLinesEqualIsEmpty(t *testing.T) {
	testlog.Start(t)
	if chunks := DiffLines("same text", "same text"); chunks != nil {
		t.Fatalf("expected no chunks for equal strings, got %+v", chunks)
	}
	if chunks := DiffLines("", ""); chunks != nil {
		t.Fatalf("expected no chunks for empty strings, got %+v", chunks)
	}
}

func TestDiffLinesSuffixOnly(t *testing.T) {
	testlog.Start(t)
	chunks := DiffLines("hello wor", "hello worl")
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %+v", chunks)
	}
	if chunks[0].Offset != 9 || chunks[0].Text != "l" {
		t.Fatalf("unexpected chunk: %+v", chunks[0])
	}
}

func TestDiffLinesDeletion(t *testing.T) {
	testlog.Start(t)
	chunks := DiffLines("hello world", "hello")
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %+v", chunks)
	}
	if chunks[0].Offset != 5 || chunks[0].Text != "" {
		t.Fatalf("unexpected chunk: %+v", chunks[0])
	}
}

func TestDiffLinesCommitSequence(t *testing.T) {
	testlog.Start(t)
	chunks := DiffLines("first line", "first line\nsecond")
	want := []Chunk{
		{Offset: Newline},
		{Offset: 0, Text: "second"},
	}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %+v", len(want), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d: want %+v got %+v", i, want[i], chunks[i])
		}
	}
}

func TestDiffLinesRuneOffsets(t *testing.T) {
	testlog.Start(t)
	chunks := DiffLines("héllo", "héllo wörld")
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %+v", chunks)
	}
	if chunks[0].Offset != 5 {
		t.Fatalf("offset counts runes, not bytes: %+v", chunks[0])
	}
}

func TestApplySplice(t *testing.T) {
	testlog.Start(t)
	got, err := Apply("hello world", Chunk{Offset: 6, Text: "there"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestApplyClampsOffset(t *testing.T) {
	testlog.Start(t)
	got, err := Apply("short", Chunk{Offset: 40, Text: "!"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "short!" {
		t.Fatalf("offset past end appends, got %q", got)
	}
}

func TestApplyRejectsControl(t *testing.T) {
	testlog.Start(t)
	if _, err := Apply("text", Chunk{Offset: Dropping}); !errors.Is(err, ErrNotDiff) {
		t.Fatalf("expected ErrNotDiff, got %v", err)
	}
}

func TestTypingSession(t *testing.T) {
	testlog.Start(t)
	// Successive contents of the input field. A trailing newline commits
	// the line and the field clears locally without broadcasting.
	keystrokes := []string{
		"h", "he", "hel", "hello", "hello w", "hello world", "hello world\n",
		"n", "ne", "nex", "next", "nest", "nest\n",
		"done",
	}
	last := ""
	var stream []Chunk
	for _, cur := range keystrokes {
		stream = append(stream, DiffLines(last, cur)...)
		if strings.HasSuffix(cur, "\n") {
			last = ""
		} else {
			last = cur
		}
	}
	got := replay(t, "", stream)
	want := "hello world\nnest\ndone"
	if got != want {
		t.Fatalf("streamed session mismatch:\nwant %q\ngot  %q", want, got)
	}
}
