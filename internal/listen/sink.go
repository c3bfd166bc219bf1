package listen

import (
	"fmt"
	"io"
	"sync"
)

// LineSink receives the reconstructed session text. Callbacks run on the
// engine queue and must not block.
type LineSink interface {
	// LiveChanged fires on every live-line edit, including the empty
	// line that follows a commit.
	LiveChanged(text string)

	// LineCommitted fires once per finished line, in session order.
	// Replayed history arrives through the same path.
	LineCommitted(text string)

	// HistoryCleared fires when the whisperer voids the committed
	// transcript, and at the start of a full replay.
	HistoryCleared()

	// TranscriptShared surfaces a transcript id announced out of band.
	TranscriptShared(id string)
}

// Cues receives side-effect chunks. Vendor sound and speech pipelines
// plug in here; the engine only routes.
type Cues interface {
	PlaySound()
	PlaySpeech(text string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) LiveChanged(string)      {}
func (NopSink) LineCommitted(string)    {}
func (NopSink) HistoryCleared()         {}
func (NopSink) TranscriptShared(string) {}

// NopCues ignores all cues.
type NopCues struct{}

func (NopCues) PlaySound()        {}
func (NopCues) PlaySpeech(string) {}

// WriterSink renders the session to a terminal-style writer: committed
// lines scroll, the live line redraws in place with an ANSI erase.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) LiveChanged(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "\r\x1b[2K%s", text)
}

func (s *WriterSink) LineCommitted(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "\r\x1b[2K%s\n", text)
}

func (s *WriterSink) HistoryCleared() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, "\r\x1b[2K-- history cleared --\n")
}

func (s *WriterSink) TranscriptShared(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "\r\x1b[2K-- transcript shared: %s --\n", id)
}
