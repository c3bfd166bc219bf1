package protocol

// Chunk is one wire unit: either a text diff against the live line or a
// control message selected by a negative offset sentinel.
type Chunk struct {
	Offset int
	Text   string
}

// Control offsets. The enumeration is closed and versioned: the same value
// must mean the same thing on encode and decode, so values are never
// renumbered, only appended past the last band.
const (
	// Line management band.
	Newline       = -1 // commit the live line to history, start a new one
	PastLine      = -2 // append one finished line directly to history
	LiveLine      = -3 // replace the whole live line with the payload
	RequestReplay = -4 // listener asks for a full live-line replay
	AckReplay     = -5 // whisperer ack: full replay follows
	ClearHistory  = -6 // drop all committed history

	// Side effect band.
	PlaySound  = -7
	PlaySpeech = -8

	// Presence band. Payload is an encoded ClientInfo.
	WhisperOffer  = -9  // whisperer identifies itself to a listener
	ListenRequest = -10 // listener asks to join a conversation
	ListenAuthYes = -11 // listener authorized for broadcast content
	ListenAuthNo  = -12 // listener denied
	Joining       = -13 // listener announces it is joining
	Dropping      = -14 // sender is leaving; no reply expected
	Restart       = -15 // whisperer restarting; listeners should rejoin
	RejoinOffer   = -16 // whisperer invites a known listener back

	// Flow control band.
	CatchUpRequest = -17 // listener asks for queued catch-up to be resent

	// Out of band.
	ShareTranscript = -18 // payload carries a transcript id
)

// Presence band bounds. IsPresence is a pure range test over these.
const (
	presenceFirst = RejoinOffer
	presenceLast  = WhisperOffer
)

// IsDiff reports whether c carries live-line content. Newline counts as a
// diff value: it travels interleaved with content and commits the line.
func (c Chunk) IsDiff() bool { return c.Offset >= Newline }

// IsControl reports whether c selects a control meaning.
func (c Chunk) IsControl() bool { return c.Offset < Newline }

// IsPresence reports whether c is a presence/handshake message carrying
// ClientInfo. True iff the offset lies inside the contiguous presence band.
func (c Chunk) IsPresence() bool {
	return c.Offset >= presenceFirst && c.Offset <= presenceLast
}

// IsNewline reports whether c commits the live line.
func (c Chunk) IsNewline() bool { return c.Offset == Newline }

// IsDropping reports whether c is a peer-initiated drop notice.
func (c Chunk) IsDropping() bool { return c.Offset == Dropping }
