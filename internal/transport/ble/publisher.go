package ble

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/gatt"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/transport"
)

const transportName = "ble"

func channelName(ch gatt.Characteristic) string {
	switch ch {
	case gatt.CharControlIn, gatt.CharControlOut:
		return "control"
	default:
		return "content"
	}
}

// pubPeer tracks one central through the publisher-side lifecycle:
// candidate, control-subscribed, content-subscribed (eavesdropper or
// authorized listener), pending removal, gone.
type pubPeer struct {
	remote  transport.LocalRemote
	info    protocol.ClientInfo
	hasInfo bool

	controlSubscribed bool
	contentSubscribed bool
	authorized        bool

	dropInProgress    bool
	peerAnnouncedDrop bool

	// Outbound backlogs. Control ahead of everything, directed content
	// ahead of broadcast; bcastIdx is this peer's cursor into the shared
	// broadcast backlog.
	control  [][]byte
	directed [][]byte
	bcastIdx int

	handshakeTimer *dispatch.Timer
	dropTimer      *dispatch.Timer
}

// PublisherDeps carries everything a radio publisher needs. All fields
// are required except Config, which is defaulted.
type PublisherDeps struct {
	Queue        *dispatch.Queue
	Peripheral   gatt.Peripheral
	Conversation transport.Conversation
	Identity     protocol.ClientInfo
	Authorizer   transport.Authorizer
	Events       transport.PublisherEvents
	Diagnostics  transport.Diagnostics
	Config       PublisherConfig
}

// Publisher implements the whisperer role over a radio peripheral.
// Every method must be called on the engine queue; radio events are
// rescheduled onto it before touching state.
type Publisher struct {
	q      *dispatch.Queue
	periph gatt.Peripheral
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

	peers map[string]*pubPeer
	bcast [][]byte

	advertising bool
	advIdle     *dispatch.Timer
	advTotal    *dispatch.Timer
	stopTimer   *dispatch.Timer
}

// NewPublisher wires a publisher to its radio endpoint. Start must be
// called before any traffic flows.
func NewPublisher(deps PublisherDeps) *Publisher {
	return &Publisher{
		q:      deps.Queue,
		periph: deps.Peripheral,
		conv:   deps.Conversation,
		ident:  deps.Identity,
		authz:  deps.Authorizer,
		events: deps.Events,
		diag:   deps.Diagnostics,
		cfg:    deps.Config.WithDefaults(),
		peers:  make(map[string]*pubPeer),
	}
}

// peripheralEvents reschedules radio callbacks onto the engine queue.
type peripheralEvents struct{ p *Publisher }

func (h peripheralEvents) CentralSubscribed(centralID string, ch gatt.Characteristic) {
	h.p.q.Submit(func() { h.p.onCentralSubscribed(centralID, ch) })
}

func (h peripheralEvents) CentralUnsubscribed(centralID string, ch gatt.Characteristic) {
	h.p.q.Submit(func() { h.p.onCentralUnsubscribed(centralID, ch) })
}

func (h peripheralEvents) CentralWrote(centralID string, ch gatt.Characteristic, payload []byte) {
	h.p.q.Submit(func() { h.p.onCentralWrote(centralID, ch, payload) })
}

func (h peripheralEvents) CentralSighted(name string) {
	h.p.q.Submit(func() { h.p.onSighted(name) })
}

func (h peripheralEvents) ReadyToNotify() {
	h.p.q.Submit(func() { h.p.pumpAll() })
}

func (h peripheralEvents) StateChanged(s gatt.State) {
	h.p.q.Submit(func() { h.p.onStateChanged(s) })
}

// Start registers the radio handler and opens the first advertising
// window.
func (p *Publisher) Start(onFailure transport.FailureFunc) error {
	if p.running {
		return nil
	}
	if p.periph.State() != gatt.StateOn {
		return fmt.Errorf("%w: radio %s", transport.ErrTransportUnavailable, p.periph.State())
	}
	p.onFailure = onFailure
	p.running = true
	p.stopping = false
	p.periph.SetHandler(peripheralEvents{p})
	p.openAdvertisingWindow()
	log.Info().Msgf("ble.Publisher.Start conversation=%q advertise=%q", p.conv.Name, p.advertisedName())
	return nil
}

func (p *Publisher) advertisedName() string {
	return p.conv.ShortID()
}

// openAdvertisingWindow (re)starts advertising with a fresh idle timer
// and total cap.
func (p *Publisher) openAdvertisingWindow() {
	if !p.running || p.stopping || p.background {
		return
	}
	if err := p.periph.StartAdvertising(p.advertisedName()); err != nil {
		log.Warn().Msgf("ble.Publisher.openAdvertisingWindow failed err=%v", err)
		return
	}
	p.advertising = true
	p.stopAdvTimers()
	p.advIdle = p.q.AfterFunc(p.cfg.AdvertiseIdle, p.closeAdvertisingWindow)
	p.advTotal = p.q.AfterFunc(p.cfg.AdvertiseMax, p.closeAdvertisingWindow)
}

func (p *Publisher) closeAdvertisingWindow() {
	p.stopAdvTimers()
	if !p.advertising {
		return
	}
	p.advertising = false
	p.periph.StopAdvertising()
	log.Debug().Msgf("ble.Publisher advertising window closed conversation=%q", p.conv.Name)
}

func (p *Publisher) stopAdvTimers() {
	if p.advIdle != nil {
		p.advIdle.Stop()
		p.advIdle = nil
	}
	if p.advTotal != nil {
		p.advTotal.Stop()
		p.advTotal = nil
	}
}

// onSighted refreshes or reopens the advertising window when a
// qualifying listener announces itself.
func (p *Publisher) onSighted(name string) {
	if !p.running || p.stopping || p.background {
		return
	}
	open := p.advertisedName() == transport.OpenDiscoveryID
	if !open && name != p.advertisedName() && name != transport.OpenDiscoveryID {
		return
	}
	if p.advertising {
		if p.advIdle != nil {
			p.advIdle.Reset(p.cfg.AdvertiseIdle)
		}
		return
	}
	p.openAdvertisingWindow()
}

func (p *Publisher) ensurePeer(centralID string) *pubPeer {
	if peer, ok := p.peers[centralID]; ok {
		return peer
	}
	peer := &pubPeer{remote: transport.LocalRemote{DeviceID: centralID}}
	peer.handshakeTimer = p.q.AfterFunc(p.cfg.HandshakeTimeout, func() { p.onHandshakeTimeout(peer) })
	p.peers[centralID] = peer
	p.reportRemotes()
	return peer
}

func (p *Publisher) onHandshakeTimeout(peer *pubPeer) {
	if peer.contentSubscribed || peer.dropInProgress {
		return
	}
	log.Warn().Msgf("ble.Publisher handshake timeout remote=%q err=%v", peer.remote.ID(), transport.ErrHandshakeTimeout)
	p.diag.Anomaly(transportName, "handshake_timeout")
	p.dropPeer(peer)
}

func (p *Publisher) stopHandshakeTimer(peer *pubPeer) {
	if peer.handshakeTimer != nil {
		peer.handshakeTimer.Stop()
		peer.handshakeTimer = nil
	}
}

func (p *Publisher) onCentralSubscribed(centralID string, ch gatt.Characteristic) {
	if !p.running {
		return
	}
	peer := p.ensurePeer(centralID)
	if peer.dropInProgress {
		return
	}
	switch ch {
	case gatt.CharControlOut:
		peer.controlSubscribed = true
		log.Debug().Msgf("ble.Publisher control subscribed remote=%q", centralID)
		p.sendOffer(peer)
	case gatt.CharContentOut:
		peer.contentSubscribed = true
		peer.bcastIdx = len(p.bcast)
		p.stopHandshakeTimer(peer)
		log.Info().Msgf(
			"ble.Publisher content subscribed remote=%q authorized=%v",
			centralID,
			peer.authorized,
		)
		p.events.OnSubscribed(peer.remote, peer.authorized)
		p.pumpPeer(peer)
	}
}

func (p *Publisher) onCentralUnsubscribed(centralID string, ch gatt.Characteristic) {
	peer, ok := p.peers[centralID]
	if !ok {
		log.Debug().Msgf("ble.Publisher unsubscribe for unknown remote=%q", centralID)
		return
	}
	switch ch {
	case gatt.CharControlOut:
		peer.controlSubscribed = false
	case gatt.CharContentOut:
		peer.contentSubscribed = false
	}
	if peer.controlSubscribed || peer.contentSubscribed {
		return
	}
	// Both channels down: teardown acknowledged, or the peer walked away.
	p.forgetPeer(peer)
}

func (p *Publisher) onCentralWrote(centralID string, ch gatt.Characteristic, payload []byte) {
	if !p.running {
		return
	}
	chunk, err := protocol.Decode(payload)
	if err != nil {
		// A malformed control write is a protocol error, not grounds for
		// dropping the remote.
		p.diag.MalformedPacket(transportName, channelName(ch))
		log.Warn().Msgf("ble.Publisher.onCentralWrote malformed remote=%q err=%v", centralID, err)
		return
	}
	p.diag.ChunkReceived(transportName, channelName(ch))
	peer := p.ensurePeer(centralID)
	if peer.dropInProgress {
		return
	}

	switch {
	case chunk.Offset == protocol.ListenRequest:
		p.onListenRequest(peer, chunk)
	case chunk.Offset == protocol.Dropping:
		// The peer already knows it is leaving; remove immediately with
		// no reciprocal notification.
		log.Info().Msgf("ble.Publisher peer dropping remote=%q", centralID)
		peer.peerAnnouncedDrop = true
		p.forgetPeer(peer)
	case chunk.IsControl():
		p.events.OnControl(peer.remote, chunk)
	default:
		p.diag.Anomaly(transportName, "unexpected_content_write")
		log.Warn().Msgf("ble.Publisher unexpected content write remote=%q offset=%d", centralID, chunk.Offset)
	}
}

func (p *Publisher) onListenRequest(peer *pubPeer, chunk protocol.Chunk) {
	info, err := protocol.DecodeClientInfo(chunk.Text)
	if err != nil {
		p.diag.MalformedPacket(transportName, "control")
		log.Warn().Msgf("ble.Publisher.onListenRequest malformed remote=%q err=%v", peer.remote.ID(), err)
		return
	}
	if !p.conversationMatches(info.ConversationID) {
		p.diag.Anomaly(transportName, "conversation_mismatch")
		log.Warn().Msgf(
			"ble.Publisher.onListenRequest conversation mismatch remote=%q got=%q want=%q",
			peer.remote.ID(),
			info.ConversationID,
			p.conv.ID,
		)
		return
	}
	peer.info = info
	peer.hasInfo = true
	peer.authorized = p.authz.Authorized(p.conv.ID, info.ProfileID)
	log.Info().Msgf(
		"ble.Publisher candidate remote=%q profile=%q username=%q authorized=%v",
		peer.remote.ID(),
		info.ProfileID,
		info.Username,
		peer.authorized,
	)
	p.events.OnCandidate(peer.remote, info)
}

func (p *Publisher) conversationMatches(id string) bool {
	return p.conv.ID == "" || id == "" || id == p.conv.ID
}

// sendOffer identifies this whisperer to a freshly control-subscribed
// listener.
func (p *Publisher) sendOffer(peer *pubPeer) {
	p.queueControl(peer, protocol.NewPresence(protocol.WhisperOffer, p.ident))
}

// Publish appends chunks to the broadcast backlog and pumps every
// authorized, content-subscribed remote.
func (p *Publisher) Publish(chunks []protocol.Chunk) {
	if !p.running || p.stopping {
		return
	}
	for _, c := range chunks {
		p.bcast = append(p.bcast, protocol.Encode(c))
	}
	p.pumpAll()
}

// SendContent queues directed chunks for one remote. They drain before
// any broadcast traffic reaches that remote.
func (p *Publisher) SendContent(r transport.Remote, chunks []protocol.Chunk) error {
	peer, ok := p.peers[r.ID()]
	if !ok {
		p.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	for _, c := range chunks {
		peer.directed = append(peer.directed, protocol.Encode(c))
	}
	p.pumpPeer(peer)
	return nil
}

// SendControl queues one control chunk for one remote.
func (p *Publisher) SendControl(r transport.Remote, c protocol.Chunk) error {
	peer, ok := p.peers[r.ID()]
	if !ok {
		p.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	p.queueControl(peer, c)
	return nil
}

func (p *Publisher) queueControl(peer *pubPeer, c protocol.Chunk) {
	peer.control = append(peer.control, protocol.Encode(c))
	p.pumpPeer(peer)
}

// Authorize adds the remote to the broadcast recipient set. Broadcast
// history before this moment never reaches it; catch-up is the session's
// job via SendContent.
func (p *Publisher) Authorize(r transport.Remote) error {
	peer, ok := p.peers[r.ID()]
	if !ok {
		p.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	if !peer.authorized {
		peer.authorized = true
		peer.bcastIdx = len(p.bcast)
	}
	log.Info().Msgf("ble.Publisher authorized remote=%q", r.ID())
	p.pumpPeer(peer)
	return nil
}

// Deauthorize removes the remote from the broadcast recipient set
// without touching the connection.
func (p *Publisher) Deauthorize(r transport.Remote) error {
	peer, ok := p.peers[r.ID()]
	if !ok {
		p.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	peer.authorized = false
	log.Info().Msgf("ble.Publisher deauthorized remote=%q", r.ID())
	return nil
}

// Drop notifies the peer best-effort and tears the connection down,
// bounded by the drop timeout.
func (p *Publisher) Drop(r transport.Remote) error {
	peer, ok := p.peers[r.ID()]
	if !ok {
		p.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	p.dropPeer(peer)
	return nil
}

func (p *Publisher) dropPeer(peer *pubPeer) {
	if peer.dropInProgress {
		return
	}
	if peer.peerAnnouncedDrop {
		p.forgetPeer(peer)
		return
	}
	peer.dropInProgress = true
	p.stopHandshakeTimer(peer)

	if peer.controlSubscribed {
		p.queueControl(peer, protocol.NewControl(protocol.Dropping, ""))
	}

	acksPending := false
	if peer.controlSubscribed {
		if err := p.periph.CancelSubscription(peer.remote.ID(), gatt.CharControlOut); err == nil {
			acksPending = true
		}
	}
	if peer.contentSubscribed {
		if err := p.periph.CancelSubscription(peer.remote.ID(), gatt.CharContentOut); err == nil {
			acksPending = true
		}
	}
	if !acksPending {
		p.forgetPeer(peer)
		return
	}
	peer.dropTimer = p.q.AfterFunc(p.cfg.DropTimeout, func() { p.onDropTimeout(peer) })
	log.Info().Msgf("ble.Publisher drop pending remote=%q", peer.remote.ID())
}

func (p *Publisher) onDropTimeout(peer *pubPeer) {
	if _, ok := p.peers[peer.remote.ID()]; !ok {
		return
	}
	log.Warn().Msgf("ble.Publisher teardown timeout remote=%q", peer.remote.ID())
	p.diag.Anomaly(transportName, "teardown_timeout")
	p.forgetPeer(peer)
}

func (p *Publisher) forgetPeer(peer *pubPeer) {
	if _, ok := p.peers[peer.remote.ID()]; !ok {
		return
	}
	p.stopHandshakeTimer(peer)
	if peer.dropTimer != nil {
		peer.dropTimer.Stop()
		peer.dropTimer = nil
	}
	delete(p.peers, peer.remote.ID())
	p.reportRemotes()
	log.Info().Msgf("ble.Publisher remote gone remote=%q", peer.remote.ID())
	p.events.OnRemoteGone(peer.remote)
	p.maybeFinishStop()
}

// pumpAll drains outbound backlogs for every peer.
func (p *Publisher) pumpAll() {
	for _, peer := range p.peerList() {
		p.pumpPeer(peer)
	}
}

// pumpPeer drains control, then directed content, then broadcast, until
// the backlog empties or the radio reports a full queue.
func (p *Publisher) pumpPeer(peer *pubPeer) {
	for peer.controlSubscribed && len(peer.control) > 0 {
		ok, err := p.periph.Notify(peer.remote.ID(), gatt.CharControlOut, peer.control[0])
		if err != nil {
			p.onNotifyError(peer, "control", err)
			return
		}
		if !ok {
			return
		}
		peer.control = peer.control[1:]
		p.diag.ChunksSent(transportName, "control", 1)
	}
	if !peer.contentSubscribed || peer.dropInProgress {
		return
	}
	for len(peer.directed) > 0 {
		ok, err := p.periph.Notify(peer.remote.ID(), gatt.CharContentOut, peer.directed[0])
		if err != nil {
			p.onNotifyError(peer, "content", err)
			return
		}
		if !ok {
			return
		}
		peer.directed = peer.directed[1:]
		p.diag.ChunksSent(transportName, "content", 1)
	}
	if !peer.authorized {
		return
	}
	for peer.bcastIdx < len(p.bcast) {
		ok, err := p.periph.Notify(peer.remote.ID(), gatt.CharContentOut, p.bcast[peer.bcastIdx])
		if err != nil {
			p.onNotifyError(peer, "content", err)
			return
		}
		if !ok {
			return
		}
		peer.bcastIdx++
		p.diag.ChunksSent(transportName, "content", 1)
	}
}

func (p *Publisher) onNotifyError(peer *pubPeer, channel string, err error) {
	log.Warn().Msgf(
		"ble.Publisher notify failed remote=%q channel=%s err=%v",
		peer.remote.ID(),
		channel,
		err,
	)
	p.diag.Anomaly(transportName, "notify_failed")
	if !peer.dropInProgress {
		p.dropPeer(peer)
	}
}

func (p *Publisher) onStateChanged(s gatt.State) {
	if s == gatt.StateOn {
		if p.running && !p.stopping && !p.background {
			p.openAdvertisingWindow()
		}
		return
	}
	log.Warn().Msgf("ble.Publisher radio state=%s", s)
	p.diag.Anomaly(transportName, "radio_"+string(s))
	p.advertising = false
	p.stopAdvTimers()
}

// Stop broadcasts one dropping chunk per peer, migrates everyone to
// pending removal, and releases the radio once the set drains or the
// safety timeout fires. Teardown is asynchronous; Stop returns at once.
func (p *Publisher) Stop() {
	if !p.running || p.stopping {
		return
	}
	p.stopping = true
	p.closeAdvertisingWindow()
	for _, peer := range p.peerList() {
		p.dropPeer(peer)
	}
	if len(p.peers) == 0 {
		p.finishStop()
		return
	}
	p.stopTimer = p.q.AfterFunc(p.cfg.DropTimeout, p.forceStop)
}

func (p *Publisher) forceStop() {
	for _, peer := range p.peerList() {
		log.Warn().Msgf("ble.Publisher stop timeout remote=%q", peer.remote.ID())
		p.forgetPeer(peer)
	}
}

func (p *Publisher) maybeFinishStop() {
	if p.stopping && len(p.peers) == 0 {
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
	p.periph.Close()
	log.Info().Msgf("ble.Publisher stopped conversation=%q", p.conv.Name)
}

// GoBackground suspends advertising. Committed peers are untouched.
func (p *Publisher) GoBackground() {
	if p.background {
		return
	}
	p.background = true
	p.closeAdvertisingWindow()
}

// GoForeground resumes advertising.
func (p *Publisher) GoForeground() {
	if !p.background {
		return
	}
	p.background = false
	if p.running && !p.stopping {
		p.openAdvertisingWindow()
	}
}

// Remotes snapshots the tracked peer set, sorted by id.
func (p *Publisher) Remotes() []transport.RemoteInfo {
	out := make([]transport.RemoteInfo, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, transport.RemoteInfo{
			ID:                peer.remote.ID(),
			Kind:              transport.KindLocal,
			ContentSubscribed: peer.contentSubscribed,
			ControlSubscribed: peer.controlSubscribed,
			Authorized:        peer.authorized,
			DropInProgress:    peer.dropInProgress,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status maps the radio power state onto the transport status surface.
func (p *Publisher) Status() transport.Status {
	switch p.periph.State() {
	case gatt.StateOn:
		return transport.StatusOn
	case gatt.StateDisabled:
		return transport.StatusDisabled
	default:
		return transport.StatusOff
	}
}

func (p *Publisher) peerList() []*pubPeer {
	out := make([]*pubPeer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].remote.ID() < out[j].remote.ID() })
	return out
}

func (p *Publisher) reportRemotes() {
	p.diag.LiveRemotes(transportName, len(p.peers))
}
