package listen

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sotto-dev/sotto/internal/testutil/testlog"
)

func TestWriterSinkRedrawsLiveLine(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	s.LiveChanged("hel")
	s.LiveChanged("hello")
	s.LineCommitted("hello")
	s.TranscriptShared("t-1")

	out := buf.String()
	if strings.Count(out, "\r\x1b[2K") != 4 {
		t.Fatalf("output %q, want an erase per callback", out)
	}
	if !strings.Contains(out, "hello\n") {
		t.Fatalf("output %q, want committed line with newline", out)
	}
	if !strings.Contains(out, "transcript shared: t-1") {
		t.Fatalf("output %q, want transcript notice", out)
	}
}
