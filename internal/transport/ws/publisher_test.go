package ws

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sotto-dev/sotto/internal/auth"
	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/testutil/testlog"
	"github.com/sotto-dev/sotto/internal/transport"
)

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		panic("unreachable")
	}
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

func runOn(t *testing.T, q *dispatch.Queue, fn func()) {
	t.Helper()
	done := make(chan struct{})
	q.Submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("queue task never ran")
	}
}

// waitFor polls a condition on the engine queue until it holds.
func waitFor(t *testing.T, q *dispatch.Queue, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ok := make(chan bool, 1)
		q.Submit(func() { ok <- cond() })
		select {
		case v := <-ok:
			if v {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("queue stalled waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

type candidateEvent struct {
	remote transport.Remote
	info   protocol.ClientInfo
}

type subscribedEvent struct {
	remote     transport.Remote
	authorized bool
}

type pubRecorder struct {
	candidates chan candidateEvent
	controls   chan protocol.Chunk
	subscribed chan subscribedEvent
	gone       chan transport.Remote
}

func newPubRecorder() *pubRecorder {
	return &pubRecorder{
		candidates: make(chan candidateEvent, 16),
		controls:   make(chan protocol.Chunk, 16),
		subscribed: make(chan subscribedEvent, 16),
		gone:       make(chan transport.Remote, 16),
	}
}

func (r *pubRecorder) OnCandidate(rem transport.Remote, info protocol.ClientInfo) {
	r.candidates <- candidateEvent{rem, info}
}
func (r *pubRecorder) OnControl(rem transport.Remote, c protocol.Chunk) { r.controls <- c }
func (r *pubRecorder) OnSubscribed(rem transport.Remote, authorized bool) {
	r.subscribed <- subscribedEvent{rem, authorized}
}
func (r *pubRecorder) OnRemoteGone(rem transport.Remote) { r.gone <- rem }

// countingDiag records diagnostics reports for assertions.
type countingDiag struct {
	mu        sync.Mutex
	anomalies map[string]int
	malformed map[string]int
}

func newCountingDiag() *countingDiag {
	return &countingDiag{
		anomalies: make(map[string]int),
		malformed: make(map[string]int),
	}
}

func (d *countingDiag) Anomaly(name, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.anomalies[reason]++
}

func (d *countingDiag) MalformedPacket(name, channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.malformed[channel]++
}

func (d *countingDiag) ChunksSent(string, string, int) {}
func (d *countingDiag) ChunkReceived(string, string)   {}
func (d *countingDiag) LiveRemotes(string, int)        {}

func (d *countingDiag) malformedCount(channel string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.malformed[channel]
}

func (d *countingDiag) anomalyCount(reason string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.anomalies[reason]
}

var testConv = transport.Conversation{
	ID:    "conv-1234-abcd",
	Name:  "Standup",
	Owner: "profile-owner",
	AuthorizedListeners: map[string]string{
		"profile-ok": "Dana",
	},
}

func testAuthorizer() transport.Authorizer {
	list := auth.NewStaticList()
	for profile, username := range testConv.AuthorizedListeners {
		list.Grant(testConv.ID, profile, username)
	}
	return list
}

func whispererInfo() protocol.ClientInfo {
	return protocol.ClientInfo{
		ConversationID:   testConv.ID,
		ConversationName: testConv.Name,
		ClientID:         "client-whisper",
		ProfileID:        testConv.Owner,
		Username:         "Whisperer",
	}
}

func listenerInfo(profile string) protocol.ClientInfo {
	return protocol.ClientInfo{
		ConversationID:   testConv.ID,
		ConversationName: testConv.Name,
		ClientID:         "client-" + profile,
		ProfileID:        profile,
		Username:         "user-" + profile,
		ContentID:        "content-" + profile,
	}
}

// listenerSock is a bare websocket client standing in for a remote
// listener, with recording channels for everything the publisher sends.
type listenerSock struct {
	conn    *websocket.Conn
	control chan protocol.Chunk
	content chan protocol.Chunk
	closed  chan error
}

func dialListener(t *testing.T, url string) *listenerSock {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	ls := &listenerSock{
		conn:    conn,
		control: make(chan protocol.Chunk, 64),
		content: make(chan protocol.Chunk, 64),
		closed:  make(chan error, 1),
	}
	t.Cleanup(func() { _ = conn.Close() })
	go ls.read()
	return ls
}

func (ls *listenerSock) read() {
	for {
		_, payload, err := ls.conn.ReadMessage()
		if err != nil {
			ls.closed <- err
			return
		}
		chunk, err := protocol.Decode(payload)
		if err != nil {
			continue
		}
		if chunk.IsDiff() {
			ls.content <- chunk
			continue
		}
		ls.control <- chunk
	}
}

func (ls *listenerSock) write(t *testing.T, c protocol.Chunk) {
	t.Helper()
	ls.writeRaw(t, protocol.Encode(c))
}

func (ls *listenerSock) writeRaw(t *testing.T, payload []byte) {
	t.Helper()
	if err := ls.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type pubHarness struct {
	q      *dispatch.Queue
	pub    *Publisher
	events *pubRecorder
	diag   *countingDiag
	url    string
}

func startPublisher(t *testing.T, cfg PublisherConfig) *pubHarness {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	h := &pubHarness{
		q:      dispatch.New("pub-test"),
		events: newPubRecorder(),
		diag:   newCountingDiag(),
	}
	t.Cleanup(h.q.Close)
	h.pub = NewPublisher(PublisherDeps{
		Queue:        h.q,
		Conversation: testConv,
		Identity:     whispererInfo(),
		Authorizer:   testAuthorizer(),
		Events:       h.events,
		Diagnostics:  h.diag,
		Config:       cfg,
	})
	runOn(t, h.q, func() {
		if err := h.pub.Start(func(err error) { t.Errorf("publisher failure: %v", err) }); err != nil {
			t.Errorf("start publisher: %v", err)
			return
		}
		h.url = "ws://" + h.pub.Addr() + sessionPath
	})
	t.Cleanup(func() {
		h.q.Submit(h.pub.Stop)
		h.q.Sync()
	})
	return h
}

func (h *pubHarness) on(t *testing.T, fn func()) {
	t.Helper()
	runOn(t, h.q, fn)
}

// pair drives a bare listener socket through offer and listen request,
// returning it with the remote the publisher assigned.
func (h *pubHarness) pair(t *testing.T, profile string) (*listenerSock, transport.Remote) {
	t.Helper()
	ls := dialListener(t, h.url)
	offer := recv(t, ls.control, "whisper offer")
	if offer.Offset != protocol.WhisperOffer {
		t.Fatalf("expected a whisper offer, got %+v", offer)
	}
	ls.write(t, protocol.NewPresence(protocol.ListenRequest, listenerInfo(profile)))
	cand := recv(t, h.events.candidates, "listener candidate")
	return ls, cand.remote
}

// join announces the content path live and returns the publisher's
// subscription event.
func (h *pubHarness) join(t *testing.T, ls *listenerSock) subscribedEvent {
	t.Helper()
	ls.write(t, protocol.NewControl(protocol.Joining, ""))
	return recv(t, h.events.subscribed, "content live")
}

func TestPublisherOffersIdentityOnConnect(t *testing.T) {
	testlog.Start(t)
	h := startPublisher(t, PublisherConfig{})

	ls := dialListener(t, h.url)
	offer := recv(t, ls.control, "whisper offer")
	if offer.Offset != protocol.WhisperOffer {
		t.Fatalf("expected a whisper offer, got %+v", offer)
	}
	info, err := protocol.DecodeClientInfo(offer.Text)
	if err != nil {
		t.Fatalf("decode offer info: %v", err)
	}
	if info.ClientID != "client-whisper" || info.Username != "Whisperer" {
		t.Fatalf("unexpected offer identity: %+v", info)
	}
	if info.ConversationName != testConv.Name {
		t.Fatalf("offer names conversation %q, want %q", info.ConversationName, testConv.Name)
	}
}

func TestPublisherPairingAndBroadcast(t *testing.T) {
	testlog.Start(t)
	h := startPublisher(t, PublisherConfig{})

	ls, rem := h.pair(t, "profile-ok")
	if rem.Kind() != transport.KindGlobal {
		t.Fatalf("unexpected remote kind: %v", rem.Kind())
	}
	sub := h.join(t, ls)
	if !sub.authorized {
		t.Fatalf("granted profile should join authorized")
	}

	h.on(t, func() {
		h.pub.Publish([]protocol.Chunk{
			{Offset: 0, Text: "every word"},
			{Offset: 6, Text: "whisper"},
		})
	})
	first := recv(t, ls.content, "first chunk")
	if first.Offset != 0 || first.Text != "every word" {
		t.Fatalf("unexpected first chunk: %+v", first)
	}
	second := recv(t, ls.content, "second chunk")
	if second.Offset != 6 || second.Text != "whisper" {
		t.Fatalf("unexpected second chunk: %+v", second)
	}

	// Upstream control reaches the session once the peer is identified.
	ls.write(t, protocol.NewControl(protocol.RequestReplay, ""))
	up := recv(t, h.events.controls, "replay request")
	if up.Offset != protocol.RequestReplay {
		t.Fatalf("unexpected upstream control: %+v", up)
	}

	// A listener that never identifies gets no broadcast traffic.
	idle := dialListener(t, h.url)
	recv(t, idle.control, "offer for idle socket")
	h.on(t, func() { h.pub.Publish([]protocol.Chunk{{Offset: 13, Text: "more"}}) })
	recv(t, ls.content, "broadcast to joined listener")
	expectNone(t, idle.content, "broadcast to anonymous socket")
}

func TestPublisherEavesdropperExcludedUntilAuthorized(t *testing.T) {
	testlog.Start(t)
	h := startPublisher(t, PublisherConfig{})

	ls, rem := h.pair(t, "profile-stranger")
	sub := h.join(t, ls)
	if sub.authorized {
		t.Fatalf("stranger should join unauthorized")
	}

	h.on(t, func() { h.pub.Publish([]protocol.Chunk{{Offset: 0, Text: "secret"}}) })
	expectNone(t, ls.content, "broadcast to eavesdropper")

	// Directed catch-up, authorization, and the next broadcast in one
	// task: the connection FIFO must deliver them in that order.
	h.on(t, func() {
		if err := h.pub.SendContent(rem, []protocol.Chunk{
			{Offset: 0, Text: "every word"},
			{Offset: 6, Text: " whisper"},
		}); err != nil {
			t.Errorf("send catch-up: %v", err)
		}
		if err := h.pub.Authorize(rem); err != nil {
			t.Errorf("authorize: %v", err)
		}
		h.pub.Publish([]protocol.Chunk{{Offset: 13, Text: " louder"}})
	})
	got := []string{
		recv(t, ls.content, "catch-up start").Text,
		recv(t, ls.content, "catch-up rest").Text,
		recv(t, ls.content, "first live chunk").Text,
	}
	want := []string{"every word", " whisper", " louder"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}

	h.on(t, func() {
		if err := h.pub.Deauthorize(rem); err != nil {
			t.Errorf("deauthorize: %v", err)
		}
		h.pub.Publish([]protocol.Chunk{{Offset: 20, Text: "again secret"}})
	})
	expectNone(t, ls.content, "broadcast after deauthorize")
}

func TestPublisherMalformedFrameKeepsRemote(t *testing.T) {
	testlog.Start(t)
	h := startPublisher(t, PublisherConfig{})
	ls, _ := h.pair(t, "profile-ok")
	h.join(t, ls)

	ls.writeRaw(t, []byte("garbage"))
	waitFor(t, h.q, "malformed frame counted", func() bool {
		return h.diag.malformedCount("control") == 1
	})

	h.on(t, func() {
		if got := len(h.pub.Remotes()); got != 1 {
			t.Errorf("remote count after malformed frame = %d, want 1", got)
		}
		h.pub.Publish([]protocol.Chunk{{Offset: 0, Text: "still here"}})
	})
	got := recv(t, ls.content, "chunk after malformed frame")
	if got.Text != "still here" {
		t.Fatalf("unexpected chunk after malformed frame: %+v", got)
	}
	expectNone(t, h.events.gone, "teardown after malformed frame")
}

func TestPublisherRejectsContentWrites(t *testing.T) {
	testlog.Start(t)
	h := startPublisher(t, PublisherConfig{})
	ls, _ := h.pair(t, "profile-ok")
	h.join(t, ls)

	// Listeners never send diffs; the frame is flagged and dropped while
	// the connection survives.
	ls.write(t, protocol.Chunk{Offset: 0, Text: "not yours"})
	waitFor(t, h.q, "content write flagged", func() bool {
		return h.diag.anomalyCount("unexpected_content_write") == 1
	})

	h.on(t, func() { h.pub.Publish([]protocol.Chunk{{Offset: 0, Text: "onward"}}) })
	recv(t, ls.content, "chunk after content write")
}

func TestPublisherDuplicateClientRejected(t *testing.T) {
	testlog.Start(t)
	h := startPublisher(t, PublisherConfig{})
	ls, _ := h.pair(t, "profile-ok")
	h.join(t, ls)

	// The same client identity on a second socket: first binding wins.
	second := dialListener(t, h.url)
	recv(t, second.control, "offer for second socket")
	second.write(t, protocol.NewPresence(protocol.ListenRequest, listenerInfo("profile-ok")))

	notice := recv(t, second.control, "drop notice for duplicate")
	if notice.Offset != protocol.Dropping {
		t.Fatalf("expected a drop notice, got %+v", notice)
	}
	err := recv(t, second.closed, "duplicate socket closed")
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal closure, got %v", err)
	}
	waitFor(t, h.q, "duplicate flagged", func() bool {
		return h.diag.anomalyCount("duplicate_client") == 1
	})
	expectNone(t, h.events.candidates, "candidate for duplicate socket")
	expectNone(t, h.events.gone, "teardown event for unbound socket")

	// The original binding keeps streaming.
	h.on(t, func() { h.pub.Publish([]protocol.Chunk{{Offset: 0, Text: "unchanged"}}) })
	recv(t, ls.content, "chunk on original socket")
}

func TestPublisherHandshakeTimeoutDropsSilentSocket(t *testing.T) {
	testlog.Start(t)
	h := startPublisher(t, PublisherConfig{HandshakeTimeout: 200 * time.Millisecond})

	ls := dialListener(t, h.url)
	recv(t, ls.control, "whisper offer")
	// Never identify; the publisher gives up on its own.

	notice := recv(t, ls.control, "drop notice")
	if notice.Offset != protocol.Dropping {
		t.Fatalf("expected a drop notice, got %+v", notice)
	}
	err := recv(t, ls.closed, "socket closed")
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal closure, got %v", err)
	}
	waitFor(t, h.q, "timeout flagged", func() bool {
		return h.diag.anomalyCount("handshake_timeout") == 1
	})
	expectNone(t, h.events.candidates, "candidate for silent socket")
	expectNone(t, h.events.gone, "teardown event for unbound socket")
}

func TestPublisherDropNotifiesPeer(t *testing.T) {
	testlog.Start(t)
	h := startPublisher(t, PublisherConfig{})
	ls, rem := h.pair(t, "profile-ok")
	h.join(t, ls)

	h.on(t, func() {
		if err := h.pub.Drop(rem); err != nil {
			t.Errorf("drop: %v", err)
		}
	})

	notice := recv(t, ls.control, "drop notice")
	if notice.Offset != protocol.Dropping {
		t.Fatalf("expected a drop notice, got %+v", notice)
	}
	err := recv(t, ls.closed, "socket closed")
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal closure, got %v", err)
	}
	gone := recv(t, h.events.gone, "teardown completed")
	if gone.ID() != rem.ID() {
		t.Fatalf("teardown for %q, want %q", gone.ID(), rem.ID())
	}
	if n := h.diag.anomalyCount("teardown_timeout"); n != 0 {
		t.Fatalf("teardown timed out %d times on a live socket", n)
	}
}

func TestPublisherStopDropsAllAndStopsAccepting(t *testing.T) {
	testlog.Start(t)
	h := startPublisher(t, PublisherConfig{})
	lsA, _ := h.pair(t, "profile-ok")
	h.join(t, lsA)
	lsB, _ := h.pair(t, "profile-guest")
	h.join(t, lsB)

	h.on(t, func() { h.pub.Stop() })

	for _, ls := range []*listenerSock{lsA, lsB} {
		notice := recv(t, ls.control, "drop notice")
		if notice.Offset != protocol.Dropping {
			t.Fatalf("expected a drop notice, got %+v", notice)
		}
		recv(t, ls.closed, "socket closed")
	}
	recv(t, h.events.gone, "first teardown")
	recv(t, h.events.gone, "second teardown")
	waitFor(t, h.q, "publisher released", func() bool { return !h.pub.running })

	if _, _, err := websocket.DefaultDialer.Dial(h.url, nil); err == nil {
		t.Fatalf("dial succeeded after stop")
	}
}

func TestPublisherUnknownRemoteOperationsAreNonFatal(t *testing.T) {
	testlog.Start(t)
	h := startPublisher(t, PublisherConfig{})

	ghost := transport.GlobalRemote{ClientID: "nobody"}
	h.on(t, func() {
		if err := h.pub.SendControl(ghost, protocol.NewControl(protocol.ListenAuthYes, "")); !errors.Is(err, transport.ErrUnknownRemote) {
			t.Errorf("SendControl: expected ErrUnknownRemote, got %v", err)
		}
		if err := h.pub.Authorize(ghost); !errors.Is(err, transport.ErrUnknownRemote) {
			t.Errorf("Authorize: expected ErrUnknownRemote, got %v", err)
		}
		if err := h.pub.Drop(ghost); !errors.Is(err, transport.ErrUnknownRemote) {
			t.Errorf("Drop: expected ErrUnknownRemote, got %v", err)
		}
	})
	if n := h.diag.anomalyCount("unknown_remote"); n != 3 {
		t.Fatalf("unknown_remote anomalies = %d, want 3", n)
	}
}
