package ws

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/transport"
)

// directKey names the candidate created from a static URL instead of a
// browse result.
const directKey = "direct"

// subConn tracks one publisher endpoint through the subscriber-side
// lifecycle: dialing, identified candidate, committed, subscribed.
type subConn struct {
	key  string
	url  string
	sock *socket

	remote  transport.GlobalRemote
	info    protocol.ClientInfo
	hasInfo bool

	peerAnnouncedDrop bool

	handshakeTimer *dispatch.Timer
	cancelDial     context.CancelFunc
}

// SubscriberDeps carries everything a network subscriber needs. All
// fields are required except Config, which is defaulted.
type SubscriberDeps struct {
	Queue        *dispatch.Queue
	Conversation transport.Conversation
	Identity     protocol.ClientInfo
	Events       transport.SubscriberEvents
	Diagnostics  transport.Diagnostics
	Config       SubscriberConfig
}

// Subscriber implements the listener role over websocket sessions.
// Publishers are found by mDNS browse or a static URL; each reachable one
// surfaces as a candidate once its whisper offer arrives, and Subscribe
// commits to exactly one. Every method must be called on the engine
// queue; socket and dial goroutines only shuttle results onto it.
type Subscriber struct {
	q      *dispatch.Queue
	conv   transport.Conversation
	ident  protocol.ClientInfo
	events transport.SubscriberEvents
	diag   transport.Diagnostics
	cfg    SubscriberConfig

	onFailure  transport.FailureFunc
	running    bool
	stopping   bool
	background bool

	discovering  bool
	browseCancel context.CancelFunc

	conns    map[string]*subConn
	byRemote map[string]string

	committedKey string
	pairing      bool
	subscribed   bool
}

// NewSubscriber wires a subscriber to the network path. Start must be
// called before discovery begins.
func NewSubscriber(deps SubscriberDeps) *Subscriber {
	return &Subscriber{
		q:        deps.Queue,
		conv:     deps.Conversation,
		ident:    deps.Identity,
		events:   deps.Events,
		diag:     deps.Diagnostics,
		cfg:      deps.Config.WithDefaults(),
		conns:    make(map[string]*subConn),
		byRemote: make(map[string]string),
	}
}

// Start begins discovery.
func (s *Subscriber) Start(onFailure transport.FailureFunc) error {
	if s.running {
		return nil
	}
	s.onFailure = onFailure
	s.running = true
	s.stopping = false
	s.startDiscovery()
	log.Info().Msgf("ws.Subscriber.Start conversation=%q target=%q url=%q", s.conv.Name, s.targetName(), s.cfg.URL)
	return nil
}

func (s *Subscriber) targetName() string {
	return s.conv.ShortID()
}

func (s *Subscriber) startDiscovery() {
	if !s.running || s.stopping || s.background || s.committedKey != "" || s.discovering {
		return
	}
	s.discovering = true
	if s.cfg.URL != "" {
		s.ensureCandidate(directKey, s.cfg.URL)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.browseCancel = cancel
	err := browse(ctx, func(entry *zeroconf.ServiceEntry) {
		s.q.Submit(func() { s.onEntry(entry) })
	})
	if err != nil {
		cancel()
		s.browseCancel = nil
		s.discovering = false
		s.diag.Anomaly(transportName, "browse_failed")
		log.Warn().Msgf("ws.Subscriber browse failed err=%v", err)
		if s.onFailure != nil {
			s.onFailure(fmt.Errorf("%w: mdns browse: %v", transport.ErrTransportUnavailable, err))
		}
	}
}

func (s *Subscriber) stopDiscovery() {
	if !s.discovering {
		return
	}
	s.discovering = false
	if s.browseCancel != nil {
		s.browseCancel()
		s.browseCancel = nil
	}
}

// acceptsConversation filters browse results the way the radio filters
// advertisements: the target short id, or the open-discovery sentinel.
func (s *Subscriber) acceptsConversation(conv string) bool {
	return conv == s.targetName() || conv == transport.OpenDiscoveryID
}

func (s *Subscriber) onEntry(entry *zeroconf.ServiceEntry) {
	if !s.discovering || s.stopping || s.committedKey != "" {
		return
	}
	if !s.acceptsConversation(entryConversation(entry)) {
		return
	}
	url := entryURL(entry)
	if url == "" {
		s.diag.Anomaly(transportName, "unresolvable_entry")
		log.Warn().Msgf("ws.Subscriber unresolvable entry instance=%q", entry.Instance)
		return
	}
	log.Info().Msgf("ws.Subscriber discovered instance=%q url=%q", entry.Instance, url)
	s.ensureCandidate(entry.Instance, url)
}

func (s *Subscriber) ensureCandidate(key, url string) {
	if _, ok := s.conns[key]; ok {
		return
	}
	sc := &subConn{key: key, url: url}
	ctx, cancel := context.WithCancel(context.Background())
	sc.cancelDial = cancel
	s.conns[key] = sc
	go s.dialCandidate(sc, ctx)
}

// dialCandidate runs off-queue: exponential backoff around the websocket
// dial, reporting the outcome to the queue.
func (s *Subscriber) dialCandidate(sc *subConn, ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.DialInitial
	b.MaxInterval = s.cfg.DialMax
	b.MaxElapsedTime = s.cfg.DialElapsed

	var conn *websocket.Conn
	op := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, sc.url, nil)
		if err != nil {
			log.Debug().Msgf("ws.Subscriber dial attempt failed url=%q err=%v", sc.url, err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		s.q.Submit(func() { s.onDialFailed(sc, err) })
		return
	}
	s.q.Submit(func() { s.onDialed(sc, conn) })
}

func (s *Subscriber) onDialFailed(sc *subConn, err error) {
	if _, ok := s.conns[sc.key]; !ok {
		return
	}
	log.Warn().Msgf("ws.Subscriber dial gave up url=%q err=%v", sc.url, err)
	s.diag.Anomaly(transportName, "dial_failed")
	s.removeConn(sc)
	// A static endpoint that cannot be reached means the network path has
	// nothing else to try.
	if sc.key == directKey && !s.stopping && s.onFailure != nil {
		s.onFailure(fmt.Errorf("%w: dial %s: %v", transport.ErrTransportUnavailable, sc.url, err))
	}
}

func (s *Subscriber) onDialed(sc *subConn, conn *websocket.Conn) {
	if _, ok := s.conns[sc.key]; !ok || s.stopping {
		_ = conn.Close()
		return
	}
	sc.sock = newSocket(conn, s.cfg.SendBuffer, s.cfg.WriteTimeout, s.cfg.PongWait)
	sc.handshakeTimer = s.q.AfterFunc(s.cfg.HandshakeTimeout, func() { s.onHandshakeTimeout(sc) })

	go sc.sock.writeLoop()
	go sc.sock.readLoop(
		func(payload []byte) { s.q.Submit(func() { s.onFrame(sc, payload) }) },
		func(err error) { s.q.Submit(func() { s.onConnClosed(sc, err) }) },
	)
	log.Debug().Msgf("ws.Subscriber connected url=%q", sc.url)
}

func (s *Subscriber) onHandshakeTimeout(sc *subConn) {
	if s.subscribed && s.committedKey == sc.key {
		return
	}
	log.Warn().Msgf("ws.Subscriber handshake timeout url=%q err=%v", sc.url, transport.ErrHandshakeTimeout)
	s.diag.Anomaly(transportName, "handshake_timeout")
	if s.committedKey == sc.key {
		s.failCommit(sc, transport.ErrHandshakeTimeout)
		return
	}
	s.forgetConn(sc)
}

func (s *Subscriber) onFrame(sc *subConn, payload []byte) {
	if _, ok := s.conns[sc.key]; !ok || s.stopping {
		return
	}
	chunk, err := protocol.Decode(payload)
	if err != nil {
		s.onMalformed(sc, err)
		return
	}
	s.diag.ChunkReceived(transportName, chunkChannel(chunk))

	if chunk.IsDiff() {
		if s.committedKey != sc.key || !s.subscribed {
			s.diag.Anomaly(transportName, "content_before_subscribe")
			return
		}
		s.events.OnContent(chunk)
		return
	}

	switch chunk.Offset {
	case protocol.WhisperOffer:
		s.onWhisperOffer(sc, chunk)
	case protocol.ListenAuthYes:
		s.onAuthorized(sc)
	case protocol.ListenAuthNo:
		s.onDenied(sc)
	case protocol.Dropping:
		s.onPeerDropping(sc)
	default:
		if s.committedKey == sc.key {
			s.events.OnControl(chunk)
		}
	}
}

// onMalformed ends the connection: both bands share one socket, so an
// undecodable frame means framing trust is gone, which is the
// connection-ending control case.
func (s *Subscriber) onMalformed(sc *subConn, err error) {
	s.diag.MalformedPacket(transportName, "control")
	log.Warn().Msgf("ws.Subscriber malformed frame url=%q err=%v", sc.url, err)
	if s.committedKey == sc.key {
		if s.subscribed {
			s.loseCommitted(sc, err)
			return
		}
		s.failCommit(sc, err)
		return
	}
	s.forgetConn(sc)
}

func (s *Subscriber) onWhisperOffer(sc *subConn, chunk protocol.Chunk) {
	info, err := protocol.DecodeClientInfo(chunk.Text)
	if err != nil {
		s.onMalformed(sc, err)
		return
	}
	if info.ClientID == "" {
		s.diag.Anomaly(transportName, "missing_client_id")
		log.Warn().Msgf("ws.Subscriber offer without client id url=%q", sc.url)
		s.forgetConn(sc)
		return
	}
	if otherKey, taken := s.byRemote[info.ClientID]; taken && otherKey != sc.key {
		s.diag.Anomaly(transportName, "duplicate_client")
		log.Warn().Msgf("ws.Subscriber duplicate publisher client=%q", info.ClientID)
		s.forgetConn(sc)
		return
	}
	sc.remote = transport.GlobalRemote{ClientID: info.ClientID}
	sc.info = info
	sc.hasInfo = true
	s.byRemote[info.ClientID] = sc.key
	log.Info().Msgf(
		"ws.Subscriber whisper offer client=%q username=%q conversation=%q",
		info.ClientID,
		info.Username,
		info.ConversationName,
	)
	s.events.OnCandidate(sc.remote, info)
}

// Subscribe commits to one discovered publisher: discovery stops, every
// other candidate is dropped, and the pairing exchange begins with a
// listen request.
func (s *Subscriber) Subscribe(r transport.Remote, conv transport.Conversation) error {
	key, ok := s.byRemote[r.ID()]
	if !ok {
		s.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	if s.committedKey != "" {
		if s.committedKey == key {
			return nil
		}
		return fmt.Errorf("%w: already committed to %s", transport.ErrAlreadySubscribed, s.committedKey)
	}
	sc := s.conns[key]

	s.conv = conv
	s.committedKey = key
	s.pairing = true
	s.stopDiscovery()
	for _, other := range s.connList() {
		if other.key != key {
			s.forgetConn(other)
		}
	}

	req := s.ident
	req.ConversationID = conv.ID
	req.ConversationName = conv.Name
	if !sc.sock.enqueue(protocol.Encode(protocol.NewPresence(protocol.ListenRequest, req))) {
		err := fmt.Errorf("%w: send buffer full", transport.ErrTransportUnavailable)
		s.failCommit(sc, err)
		return err
	}
	s.diag.ChunksSent(transportName, "control", 1)
	log.Info().Msgf("ws.Subscriber listen request sent client=%q conversation=%q", r.ID(), conv.Name)
	return nil
}

// failCommit tears down a failed pairing and surfaces the error through
// the one failure callback. The caller is expected to restart discovery.
func (s *Subscriber) failCommit(sc *subConn, err error) {
	s.forgetConn(sc)
	s.clearCommit()
	if s.onFailure != nil {
		s.onFailure(err)
	}
}

func (s *Subscriber) onAuthorized(sc *subConn) {
	if s.committedKey != sc.key || !s.pairing {
		s.diag.Anomaly(transportName, "unexpected_auth")
		return
	}
	// Announce the join; the publisher routes content from this moment.
	if !sc.sock.enqueue(protocol.Encode(protocol.NewControl(protocol.Joining, ""))) {
		s.failCommit(sc, fmt.Errorf("%w: send buffer full", transport.ErrTransportUnavailable))
		return
	}
	s.diag.ChunksSent(transportName, "control", 1)
	s.pairing = false
	s.subscribed = true
	if sc.handshakeTimer != nil {
		sc.handshakeTimer.Stop()
		sc.handshakeTimer = nil
	}
	log.Info().Msgf("ws.Subscriber subscribed client=%q conversation=%q", sc.remote.ID(), s.conv.Name)
	s.events.OnSubscribed(sc.remote)
}

func (s *Subscriber) onDenied(sc *subConn) {
	if s.committedKey != sc.key {
		s.forgetConn(sc)
		return
	}
	log.Warn().Msgf("ws.Subscriber authorization denied client=%q", sc.remote.ID())
	s.failCommit(sc, fmt.Errorf("%w: conversation %q", transport.ErrAuthorizationDenied, s.conv.Name))
}

// onPeerDropping handles the publisher's leave notice: expected teardown,
// no reciprocal notification.
func (s *Subscriber) onPeerDropping(sc *subConn) {
	sc.peerAnnouncedDrop = true
	log.Info().Msgf("ws.Subscriber publisher dropping client=%q", sc.remote.ID())
	committed := s.committedKey == sc.key
	s.forgetConn(sc)
	if committed {
		s.clearCommit()
		s.events.OnDisconnected(sc.remote)
	}
}

func (s *Subscriber) onConnClosed(sc *subConn, err error) {
	if _, ok := s.conns[sc.key]; !ok {
		return
	}
	committed := s.committedKey == sc.key
	s.removeConn(sc)
	if s.stopping {
		return
	}
	if !committed {
		log.Debug().Msgf("ws.Subscriber candidate closed url=%q err=%v", sc.url, err)
		return
	}
	s.clearCommit()
	if err == nil || expectedClose(err) {
		log.Info().Msgf("ws.Subscriber disconnected client=%q", sc.remote.ID())
		s.events.OnDisconnected(sc.remote)
		return
	}
	log.Warn().Msgf("ws.Subscriber lost client=%q err=%v", sc.remote.ID(), err)
	s.diag.Anomaly(transportName, "connection_lost")
	s.events.OnLost(sc.remote, err)
}

// loseCommitted severs the live stream and surfaces the loss.
func (s *Subscriber) loseCommitted(sc *subConn, err error) {
	s.forgetConn(sc)
	s.clearCommit()
	s.events.OnLost(sc.remote, err)
}

func (s *Subscriber) clearCommit() {
	s.committedKey = ""
	s.pairing = false
	s.subscribed = false
}

// SendControl writes one control chunk to a tracked publisher.
func (s *Subscriber) SendControl(r transport.Remote, c protocol.Chunk) error {
	key, ok := s.byRemote[r.ID()]
	if !ok {
		s.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	sc := s.conns[key]
	if !sc.sock.enqueue(protocol.Encode(c)) {
		s.diag.Anomaly(transportName, "slow_consumer")
		return fmt.Errorf("%w: send buffer full", transport.ErrTransportUnavailable)
	}
	s.diag.ChunksSent(transportName, "control", 1)
	return nil
}

// Drop notifies the publisher best-effort and disconnects.
func (s *Subscriber) Drop(r transport.Remote) error {
	key, ok := s.byRemote[r.ID()]
	if !ok {
		s.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	sc := s.conns[key]
	committed := s.committedKey == key
	s.forgetConn(sc)
	if committed {
		s.clearCommit()
		s.startDiscovery()
	}
	return nil
}

// forgetConn tears one connection down: leave notice unless the peer
// announced its own drop, then flush and close.
func (s *Subscriber) forgetConn(sc *subConn) {
	if _, ok := s.conns[sc.key]; !ok {
		return
	}
	if sc.sock != nil {
		if !sc.peerAnnouncedDrop {
			if sc.sock.enqueue(protocol.Encode(protocol.NewControl(protocol.Dropping, ""))) {
				s.diag.ChunksSent(transportName, "control", 1)
			}
		}
		sc.sock.closeSend()
	}
	s.removeConn(sc)
}

func (s *Subscriber) removeConn(sc *subConn) {
	if sc.handshakeTimer != nil {
		sc.handshakeTimer.Stop()
		sc.handshakeTimer = nil
	}
	if sc.cancelDial != nil {
		sc.cancelDial()
		sc.cancelDial = nil
	}
	delete(s.conns, sc.key)
	if sc.hasInfo && s.byRemote[sc.remote.ID()] == sc.key {
		delete(s.byRemote, sc.remote.ID())
	}
	s.diag.LiveRemotes(transportName, len(s.conns))
}

// Stop sends best-effort leave notices and releases everything.
func (s *Subscriber) Stop() {
	if !s.running || s.stopping {
		return
	}
	s.stopping = true
	s.stopDiscovery()
	for _, sc := range s.connList() {
		s.forgetConn(sc)
	}
	s.clearCommit()
	s.running = false
	log.Info().Msgf("ws.Subscriber stopped conversation=%q", s.conv.Name)
}

// GoBackground suspends discovery. A committed publisher connection is
// untouched; the network path keeps streaming backgrounded.
func (s *Subscriber) GoBackground() {
	if s.background {
		return
	}
	s.background = true
	s.stopDiscovery()
}

// GoForeground resumes discovery if no publisher is committed.
func (s *Subscriber) GoForeground() {
	if !s.background {
		return
	}
	s.background = false
	if s.running && !s.stopping && s.committedKey == "" {
		s.startDiscovery()
	}
}

// Status reports the network path as available; failures surface through
// the failure callback.
func (s *Subscriber) Status() transport.Status {
	return transport.StatusOn
}

func (s *Subscriber) connList() []*subConn {
	out := make([]*subConn, 0, len(s.conns))
	for _, sc := range s.conns {
		out = append(out, sc)
	}
	return out
}
