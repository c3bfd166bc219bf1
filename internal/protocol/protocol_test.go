package protocol

import (
	"errors"
	"testing"

	"github.com/sotto-dev/sotto/internal/testutil/testlog"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	chunks := []Chunk{
		{Offset: 0, Text: "hello"},
		{Offset: 12, Text: ""},
		{Offset: Newline, Text: ""},
		{Offset: Dropping, Text: ""},
		{Offset: ListenRequest, Text: "conv-1|Standup|client-1|profile-1|dana|content-1"},
		{Offset: 3, Text: "payload|with|pipes"},
		{Offset: PlaySound, Text: "chime"},
	}
	for _, want := range chunks {
		got, err := Decode(Encode(want))
		if err != nil {
			t.Fatalf("decode(encode(%+v)): %v", want, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: want=%+v got=%+v", want, got)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	testlog.Start(t)
	cases := [][]byte{
		[]byte("no separator here"),
		[]byte(""),
		[]byte("abc|text"),
		[]byte("1.5|text"),
		[]byte("|text"),
	}
	for _, raw := range cases {
		if _, err := Decode(raw); !errors.Is(err, ErrMalformedPacket) {
			t.Fatalf("decode(%q): expected ErrMalformedPacket, got %v", raw, err)
		}
	}
}

func TestDecodeFirstSeparatorWins(t *testing.T) {
	testlog.Start(t)
	got, err := Decode([]byte("-10|a|b|c"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Offset != ListenRequest || got.Text != "a|b|c" {
		t.Fatalf("unexpected chunk: %+v", got)
	}
}

func TestPresenceBandExact(t *testing.T) {
	testlog.Start(t)
	presence := []int{
		WhisperOffer, ListenRequest, ListenAuthYes, ListenAuthNo,
		Joining, Dropping, Restart, RejoinOffer,
	}
	other := []int{
		Newline, PastLine, LiveLine, RequestReplay, AckReplay, ClearHistory,
		PlaySound, PlaySpeech,
		CatchUpRequest, ShareTranscript,
		0, 1, 42, 100000,
	}
	for _, off := range presence {
		if !(Chunk{Offset: off}).IsPresence() {
			t.Fatalf("offset %d should be presence", off)
		}
	}
	for _, off := range other {
		if (Chunk{Offset: off}).IsPresence() {
			t.Fatalf("offset %d should not be presence", off)
		}
	}
}

func TestDiffControlSplit(t *testing.T) {
	testlog.Start(t)
	if !(Chunk{Offset: Newline}).IsDiff() {
		t.Fatalf("newline is a diff-band value")
	}
	if (Chunk{Offset: Newline}).IsControl() {
		t.Fatalf("newline is not a control value")
	}
	if !(Chunk{Offset: PastLine}).IsControl() {
		t.Fatalf("past-line is a control value")
	}
	if !(Chunk{Offset: 0}).IsDiff() {
		t.Fatalf("offset 0 is a diff value")
	}
}

func TestClientInfoRoundTrip(t *testing.T) {
	testlog.Start(t)
	want := ClientInfo{
		ConversationID:   "conv-7",
		ConversationName: "Team Standup",
		ClientID:         "client-abc",
		ProfileID:        "profile-def",
		Username:         "Jamie",
		ContentID:        "content-123",
	}
	got, err := DecodeClientInfo(want.Encode())
	if err != nil {
		t.Fatalf("decode client info: %v", err)
	}
	if got != want {
		t.Fatalf("client info mismatch: want=%+v got=%+v", want, got)
	}
}

func TestClientInfoLastFieldKeepsPipes(t *testing.T) {
	testlog.Start(t)
	raw := "conv|name|client|profile|user|content|extra|stuff"
	got, err := DecodeClientInfo(raw)
	if err != nil {
		t.Fatalf("decode client info: %v", err)
	}
	if got.ContentID != "content|extra|stuff" {
		t.Fatalf("unexpected content id: %q", got.ContentID)
	}
}

func TestClientInfoTooFewFields(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeClientInfo("a|b|c"); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
}

func TestClientInfoRequiresIdentity(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeClientInfo("conv|name||profile|user|content"); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket for missing client id, got %v", err)
	}
}

func TestNewPresenceCarriesClientInfo(t *testing.T) {
	testlog.Start(t)
	info := ClientInfo{ClientID: "c1", ProfileID: "p1"}
	chunk := NewPresence(Joining, info)
	if !chunk.IsPresence() {
		t.Fatalf("presence chunk outside presence band: %+v", chunk)
	}
	got, err := DecodeClientInfo(chunk.Text)
	if err != nil {
		t.Fatalf("decode presence payload: %v", err)
	}
	if got.ClientID != "c1" || got.ProfileID != "p1" {
		t.Fatalf("unexpected client info: %+v", got)
	}
}
