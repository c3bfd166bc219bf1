package ws

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/transport"
)

const transportName = "ws"

// chunkChannel labels a chunk for diagnostics by band, since both bands
// share one socket.
func chunkChannel(c protocol.Chunk) string {
	if c.IsDiff() {
		return "content"
	}
	return "control"
}

// pubConn tracks one accepted socket through the publisher-side
// lifecycle: anonymous, identified candidate, joined (eavesdropper or
// authorized listener), dropping, gone.
type pubConn struct {
	key  string
	sock *socket

	remote  transport.GlobalRemote
	info    protocol.ClientInfo
	hasInfo bool

	joined     bool
	authorized bool

	dropInProgress    bool
	peerAnnouncedDrop bool

	handshakeTimer *dispatch.Timer
	dropTimer      *dispatch.Timer
}

// PublisherDeps carries everything a network publisher needs. All fields
// are required except Config, which is defaulted.
type PublisherDeps struct {
	Queue        *dispatch.Queue
	Conversation transport.Conversation
	Identity     protocol.ClientInfo
	Authorizer   transport.Authorizer
	Events       transport.PublisherEvents
	Diagnostics  transport.Diagnostics
	Config       PublisherConfig
}

// Publisher implements the whisperer role over websocket sessions. It
// serves a single upgrade endpoint, advertises the conversation over
// mDNS, and mirrors the radio publisher's pairing and routing semantics.
// Every method must be called on the engine queue; socket goroutines only
// shuttle frames onto it.
type Publisher struct {
	q      *dispatch.Queue
	conv   transport.Conversation
	ident  protocol.ClientInfo
	authz  transport.Authorizer
	events transport.PublisherEvents
	diag   transport.Diagnostics
	cfg    PublisherConfig

	onFailure  transport.FailureFunc
	running    bool
	stopping   bool
	background bool

	ln       net.Listener
	srv      *http.Server
	zc       *zeroconf.Server
	instance string
	port     int

	nextConn int
	conns    map[string]*pubConn
	byRemote map[string]string

	stopTimer *dispatch.Timer
}

// NewPublisher wires a publisher to its network endpoint. Start must be
// called before any traffic flows.
func NewPublisher(deps PublisherDeps) *Publisher {
	return &Publisher{
		q:        deps.Queue,
		conv:     deps.Conversation,
		ident:    deps.Identity,
		authz:    deps.Authorizer,
		events:   deps.Events,
		diag:     deps.Diagnostics,
		cfg:      deps.Config.WithDefaults(),
		conns:    make(map[string]*pubConn),
		byRemote: make(map[string]string),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Start binds the listener, serves the session endpoint, and advertises
// the conversation.
func (p *Publisher) Start(onFailure transport.FailureFunc) error {
	if p.running {
		return nil
	}
	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", transport.ErrTransportUnavailable, p.cfg.Addr, err)
	}
	p.onFailure = onFailure
	p.running = true
	p.stopping = false
	p.ln = ln
	p.port = ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc(sessionPath, p.handleSession)
	p.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Debug().Msgf("ws.Publisher server closed err=%v", err)
		}
	}()

	p.instance = fmt.Sprintf("sotto-%s", uuid.NewString()[:8])
	p.startAdvertising()
	log.Info().Msgf(
		"ws.Publisher.Start conversation=%q addr=%q instance=%q",
		p.conv.Name,
		ln.Addr(),
		p.instance,
	)
	return nil
}

// Addr reports the bound listen address.
func (p *Publisher) Addr() string {
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

func (p *Publisher) startAdvertising() {
	if p.zc != nil || p.background {
		return
	}
	zc, err := advertise(p.instance, p.conv.ShortID(), p.port)
	if err != nil {
		// Directly dialed subscribers still work without mDNS.
		p.diag.Anomaly(transportName, "advertise_failed")
		log.Warn().Msgf("ws.Publisher advertise failed err=%v", err)
		return
	}
	p.zc = zc
}

func (p *Publisher) stopAdvertising() {
	if p.zc == nil {
		return
	}
	p.zc.Shutdown()
	p.zc = nil
}

// handleSession runs on the HTTP handler goroutine: upgrade, then hand
// the socket to the queue.
func (p *Publisher) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Msgf("ws.Publisher upgrade failed remote=%q err=%v", r.RemoteAddr, err)
		return
	}
	p.q.Submit(func() { p.adopt(conn) })
}

func (p *Publisher) adopt(conn *websocket.Conn) {
	if !p.running || p.stopping {
		_ = conn.Close()
		return
	}
	p.nextConn++
	pc := &pubConn{
		key:  fmt.Sprintf("sock-%d", p.nextConn),
		sock: newSocket(conn, p.cfg.SendBuffer, p.cfg.WriteTimeout, p.cfg.PongWait),
	}
	pc.handshakeTimer = p.q.AfterFunc(p.cfg.HandshakeTimeout, func() { p.onHandshakeTimeout(pc) })
	p.conns[pc.key] = pc

	go pc.sock.writeLoop()
	go pc.sock.readLoop(
		func(payload []byte) { p.q.Submit(func() { p.onFrame(pc, payload) }) },
		func(err error) { p.q.Submit(func() { p.onConnClosed(pc, err) }) },
	)

	// The accept is the control channel coming up; identify ourselves.
	p.enqueueChunk(pc, protocol.NewPresence(protocol.WhisperOffer, p.ident))
	log.Debug().Msgf("ws.Publisher accepted conn=%q remote=%q", pc.key, conn.RemoteAddr())
}

func (p *Publisher) onHandshakeTimeout(pc *pubConn) {
	if pc.joined || pc.dropInProgress {
		return
	}
	log.Warn().Msgf("ws.Publisher handshake timeout conn=%q err=%v", pc.key, transport.ErrHandshakeTimeout)
	p.diag.Anomaly(transportName, "handshake_timeout")
	p.dropConn(pc, true)
}

func (p *Publisher) onFrame(pc *pubConn, payload []byte) {
	if _, ok := p.conns[pc.key]; !ok {
		return
	}
	chunk, err := protocol.Decode(payload)
	if err != nil {
		// A malformed frame is the peer's protocol error, not grounds for
		// dropping it on the publisher side.
		p.diag.MalformedPacket(transportName, "control")
		log.Warn().Msgf("ws.Publisher malformed frame conn=%q err=%v", pc.key, err)
		return
	}
	p.diag.ChunkReceived(transportName, chunkChannel(chunk))
	if pc.dropInProgress {
		return
	}

	switch {
	case chunk.Offset == protocol.ListenRequest:
		p.onListenRequest(pc, chunk)
	case chunk.Offset == protocol.Joining:
		p.onJoining(pc)
	case chunk.Offset == protocol.Dropping:
		// The peer already knows it is leaving; no reciprocal notice.
		log.Info().Msgf("ws.Publisher peer dropping conn=%q remote=%q", pc.key, pc.remote.ID())
		pc.peerAnnouncedDrop = true
		p.forgetConn(pc)
	case chunk.IsControl():
		if pc.hasInfo {
			p.events.OnControl(pc.remote, chunk)
		}
	default:
		p.diag.Anomaly(transportName, "unexpected_content_write")
		log.Warn().Msgf("ws.Publisher unexpected content frame conn=%q offset=%d", pc.key, chunk.Offset)
	}
}

func (p *Publisher) onListenRequest(pc *pubConn, chunk protocol.Chunk) {
	info, err := protocol.DecodeClientInfo(chunk.Text)
	if err != nil {
		p.diag.MalformedPacket(transportName, "control")
		log.Warn().Msgf("ws.Publisher.onListenRequest malformed conn=%q err=%v", pc.key, err)
		return
	}
	if info.ClientID == "" {
		p.diag.Anomaly(transportName, "missing_client_id")
		log.Warn().Msgf("ws.Publisher listen request without client id conn=%q", pc.key)
		return
	}
	if !p.conversationMatches(info.ConversationID) {
		p.diag.Anomaly(transportName, "conversation_mismatch")
		log.Warn().Msgf(
			"ws.Publisher conversation mismatch conn=%q got=%q want=%q",
			pc.key,
			info.ConversationID,
			p.conv.ID,
		)
		return
	}
	if pc.hasInfo && pc.remote.ID() != info.ClientID {
		p.diag.Anomaly(transportName, "identity_changed")
		log.Warn().Msgf("ws.Publisher identity change rejected conn=%q", pc.key)
		return
	}
	if otherKey, taken := p.byRemote[info.ClientID]; taken && otherKey != pc.key {
		// Same client on a second socket: the first binding wins.
		p.diag.Anomaly(transportName, "duplicate_client")
		log.Warn().Msgf(
			"ws.Publisher duplicate client rejected conn=%q client=%q bound=%q",
			pc.key,
			info.ClientID,
			otherKey,
		)
		p.dropConn(pc, true)
		return
	}

	pc.remote = transport.GlobalRemote{ClientID: info.ClientID}
	pc.info = info
	pc.hasInfo = true
	pc.authorized = p.authz.Authorized(p.conv.ID, info.ProfileID)
	p.byRemote[info.ClientID] = pc.key
	p.reportRemotes()
	log.Info().Msgf(
		"ws.Publisher candidate conn=%q client=%q profile=%q authorized=%v",
		pc.key,
		info.ClientID,
		info.ProfileID,
		pc.authorized,
	)
	p.events.OnCandidate(pc.remote, info)
}

func (p *Publisher) conversationMatches(id string) bool {
	return p.conv.ID == "" || id == "" || id == p.conv.ID
}

// onJoining marks the peer's content path live. Routing by the current
// authorized flag decides broadcast membership, exactly like a radio
// content subscription.
func (p *Publisher) onJoining(pc *pubConn) {
	if !pc.hasInfo {
		p.diag.Anomaly(transportName, "join_before_identify")
		log.Warn().Msgf("ws.Publisher join before identify conn=%q", pc.key)
		return
	}
	if pc.joined {
		return
	}
	pc.joined = true
	p.stopHandshakeTimer(pc)
	log.Info().Msgf(
		"ws.Publisher joined conn=%q client=%q authorized=%v",
		pc.key,
		pc.remote.ID(),
		pc.authorized,
	)
	p.events.OnSubscribed(pc.remote, pc.authorized)
}

func (p *Publisher) stopHandshakeTimer(pc *pubConn) {
	if pc.handshakeTimer != nil {
		pc.handshakeTimer.Stop()
		pc.handshakeTimer = nil
	}
}

// Publish fans diff chunks out to every joined, authorized remote. The
// per-connection send buffer preserves directed-before-broadcast order.
func (p *Publisher) Publish(chunks []protocol.Chunk) {
	if !p.running || p.stopping {
		return
	}
	for _, pc := range p.connList() {
		if !pc.joined || !pc.authorized || pc.dropInProgress {
			continue
		}
		for _, c := range chunks {
			if !p.enqueueChunk(pc, c) {
				break
			}
		}
	}
}

// SendContent queues directed chunks for one remote.
func (p *Publisher) SendContent(r transport.Remote, chunks []protocol.Chunk) error {
	pc, err := p.lookup(r)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if !p.enqueueChunk(pc, c) {
			break
		}
	}
	return nil
}

// SendControl queues one control chunk for one remote.
func (p *Publisher) SendControl(r transport.Remote, c protocol.Chunk) error {
	pc, err := p.lookup(r)
	if err != nil {
		return err
	}
	p.enqueueChunk(pc, c)
	return nil
}

func (p *Publisher) lookup(r transport.Remote) (*pubConn, error) {
	key, ok := p.byRemote[r.ID()]
	if !ok {
		p.diag.Anomaly(transportName, "unknown_remote")
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	return p.conns[key], nil
}

// enqueueChunk hands one chunk to the connection's writer pump. A full
// buffer marks the consumer too slow and drops it.
func (p *Publisher) enqueueChunk(pc *pubConn, c protocol.Chunk) bool {
	if pc.sock.enqueue(protocol.Encode(c)) {
		p.diag.ChunksSent(transportName, chunkChannel(c), 1)
		return true
	}
	p.diag.Anomaly(transportName, "slow_consumer")
	log.Warn().Msgf("ws.Publisher send buffer full conn=%q remote=%q", pc.key, pc.remote.ID())
	p.dropConn(pc, false)
	return false
}

// Authorize adds the remote to the broadcast recipient set. Broadcasts
// before this moment never reach it; catch-up is the session's job via
// SendContent, and the send buffer keeps that ahead of later broadcasts.
func (p *Publisher) Authorize(r transport.Remote) error {
	pc, err := p.lookup(r)
	if err != nil {
		return err
	}
	pc.authorized = true
	log.Info().Msgf("ws.Publisher authorized remote=%q", r.ID())
	return nil
}

// Deauthorize removes the remote from the broadcast recipient set without
// touching the connection.
func (p *Publisher) Deauthorize(r transport.Remote) error {
	pc, err := p.lookup(r)
	if err != nil {
		return err
	}
	pc.authorized = false
	log.Info().Msgf("ws.Publisher deauthorized remote=%q", r.ID())
	return nil
}

// Drop notifies the peer best-effort and tears the connection down,
// bounded by the drop timeout.
func (p *Publisher) Drop(r transport.Remote) error {
	pc, err := p.lookup(r)
	if err != nil {
		return err
	}
	p.dropConn(pc, true)
	return nil
}

func (p *Publisher) dropConn(pc *pubConn, notice bool) {
	if pc.dropInProgress {
		return
	}
	if pc.peerAnnouncedDrop {
		p.forgetConn(pc)
		return
	}
	pc.dropInProgress = true
	p.stopHandshakeTimer(pc)
	if notice {
		// Best effort; the writer flushes it ahead of the close frame.
		if pc.sock.enqueue(protocol.Encode(protocol.NewControl(protocol.Dropping, ""))) {
			p.diag.ChunksSent(transportName, "control", 1)
		}
	}
	pc.sock.closeSend()
	pc.dropTimer = p.q.AfterFunc(p.cfg.DropTimeout, func() { p.onDropTimeout(pc) })
	log.Info().Msgf("ws.Publisher drop pending conn=%q remote=%q", pc.key, pc.remote.ID())
}

func (p *Publisher) onDropTimeout(pc *pubConn) {
	if _, ok := p.conns[pc.key]; !ok {
		return
	}
	log.Warn().Msgf("ws.Publisher teardown timeout conn=%q", pc.key)
	p.diag.Anomaly(transportName, "teardown_timeout")
	pc.sock.abort()
	p.forgetConn(pc)
}

func (p *Publisher) onConnClosed(pc *pubConn, err error) {
	if _, ok := p.conns[pc.key]; !ok {
		return
	}
	if err != nil && !expectedClose(err) && !pc.dropInProgress && !p.stopping {
		p.diag.Anomaly(transportName, "connection_lost")
		log.Warn().Msgf("ws.Publisher connection lost conn=%q remote=%q err=%v", pc.key, pc.remote.ID(), err)
	}
	p.forgetConn(pc)
}

func (p *Publisher) forgetConn(pc *pubConn) {
	if _, ok := p.conns[pc.key]; !ok {
		return
	}
	p.stopHandshakeTimer(pc)
	if pc.dropTimer != nil {
		pc.dropTimer.Stop()
		pc.dropTimer = nil
	}
	pc.sock.closeSend()
	delete(p.conns, pc.key)
	if pc.hasInfo && p.byRemote[pc.remote.ID()] == pc.key {
		delete(p.byRemote, pc.remote.ID())
	}
	p.reportRemotes()
	if pc.hasInfo {
		log.Info().Msgf("ws.Publisher remote gone remote=%q", pc.remote.ID())
		p.events.OnRemoteGone(pc.remote)
	}
	p.maybeFinishStop()
}

// Stop broadcasts one dropping chunk per peer, stops advertising and
// accepting, and releases the server once connections drain or the
// safety timeout fires. Teardown is asynchronous; Stop returns at once.
func (p *Publisher) Stop() {
	if !p.running || p.stopping {
		return
	}
	p.stopping = true
	p.stopAdvertising()
	if p.ln != nil {
		_ = p.ln.Close()
	}
	for _, pc := range p.connList() {
		p.dropConn(pc, true)
	}
	if len(p.conns) == 0 {
		p.finishStop()
		return
	}
	p.stopTimer = p.q.AfterFunc(p.cfg.DropTimeout, p.forceStop)
}

func (p *Publisher) forceStop() {
	for _, pc := range p.connList() {
		log.Warn().Msgf("ws.Publisher stop timeout conn=%q", pc.key)
		pc.sock.abort()
		p.forgetConn(pc)
	}
}

func (p *Publisher) maybeFinishStop() {
	if p.stopping && len(p.conns) == 0 {
		p.finishStop()
	}
}

func (p *Publisher) finishStop() {
	if !p.running {
		return
	}
	p.running = false
	if p.stopTimer != nil {
		p.stopTimer.Stop()
		p.stopTimer = nil
	}
	if p.srv != nil {
		_ = p.srv.Close()
	}
	log.Info().Msgf("ws.Publisher stopped conversation=%q", p.conv.Name)
}

// GoBackground suspends mDNS advertising. Live sessions and the listener
// stay up; the network path is expected to keep streaming backgrounded.
func (p *Publisher) GoBackground() {
	if p.background {
		return
	}
	p.background = true
	p.stopAdvertising()
}

// GoForeground resumes advertising.
func (p *Publisher) GoForeground() {
	if !p.background {
		return
	}
	p.background = false
	if p.running && !p.stopping {
		p.startAdvertising()
	}
}

// Remotes snapshots the identified remote set, sorted by id.
func (p *Publisher) Remotes() []transport.RemoteInfo {
	out := make([]transport.RemoteInfo, 0, len(p.conns))
	for _, pc := range p.conns {
		if !pc.hasInfo {
			continue
		}
		out = append(out, transport.RemoteInfo{
			ID:                pc.remote.ID(),
			Kind:              transport.KindGlobal,
			ContentSubscribed: pc.joined,
			ControlSubscribed: true,
			Authorized:        pc.authorized,
			DropInProgress:    pc.dropInProgress,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status reports the network path as available; failures surface through
// Start errors and the failure callback, not through platform state.
func (p *Publisher) Status() transport.Status {
	return transport.StatusOn
}

func (p *Publisher) connList() []*pubConn {
	out := make([]*pubConn, 0, len(p.conns))
	for _, pc := range p.conns {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func (p *Publisher) reportRemotes() {
	n := 0
	for _, pc := range p.conns {
		if pc.hasInfo {
			n++
		}
	}
	p.diag.LiveRemotes(transportName, n)
}
