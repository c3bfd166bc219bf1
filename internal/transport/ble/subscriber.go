package ble

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/gatt"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/transport"
)

// subPeer tracks one publisher through the subscriber-side lifecycle:
// discovered, connecting, services resolved, control subscribed and
// identified, then either committed or dropped.
type subPeer struct {
	remote  transport.LocalRemote
	info    protocol.ClientInfo
	hasInfo bool

	connected         bool
	resolved          bool
	controlSubscribed bool
	contentSubscribed bool
	peerAnnouncedDrop bool

	handshakeTimer *dispatch.Timer
}

// SubscriberDeps carries everything a radio subscriber needs. All fields
// are required except Config, which is defaulted.
type SubscriberDeps struct {
	Queue        *dispatch.Queue
	Central      gatt.Central
	Conversation transport.Conversation
	Identity     protocol.ClientInfo
	Events       transport.SubscriberEvents
	Diagnostics  transport.Diagnostics
	Config       SubscriberConfig
}

// Subscriber implements the listener role over a radio central. Discovery
// surfaces candidates; Subscribe commits to exactly one of them and runs
// the pairing exchange. Every method must be called on the engine queue;
// radio events are rescheduled onto it before touching state.
type Subscriber struct {
	q      *dispatch.Queue
	cent   gatt.Central
	conv   transport.Conversation
	ident  protocol.ClientInfo
	events transport.SubscriberEvents
	diag   transport.Diagnostics
	cfg    SubscriberConfig

	onFailure  transport.FailureFunc
	running    bool
	stopping   bool
	background bool

	discovering bool
	peers       map[string]*subPeer

	// Commit progression: committedID set by Subscribe, pairing while the
	// listen request is unanswered, subscribed once content is live.
	committedID string
	pairing     bool
	subscribed  bool
}

// NewSubscriber wires a subscriber to its radio endpoint. Start must be
// called before discovery begins.
func NewSubscriber(deps SubscriberDeps) *Subscriber {
	return &Subscriber{
		q:      deps.Queue,
		cent:   deps.Central,
		conv:   deps.Conversation,
		ident:  deps.Identity,
		events: deps.Events,
		diag:   deps.Diagnostics,
		cfg:    deps.Config.WithDefaults(),
		peers:  make(map[string]*subPeer),
	}
}

// centralEvents reschedules radio callbacks onto the engine queue.
type centralEvents struct{ s *Subscriber }

func (h centralEvents) PeripheralDiscovered(adv gatt.Advertisement) {
	h.s.q.Submit(func() { h.s.onDiscovered(adv) })
}

func (h centralEvents) PeripheralConnected(peripheralID string) {
	h.s.q.Submit(func() { h.s.onConnected(peripheralID) })
}

func (h centralEvents) ServicesResolved(peripheralID string) {
	h.s.q.Submit(func() { h.s.onServicesResolved(peripheralID) })
}

func (h centralEvents) Notified(peripheralID string, ch gatt.Characteristic, payload []byte) {
	h.s.q.Submit(func() { h.s.onNotified(peripheralID, ch, payload) })
}

func (h centralEvents) PeripheralDisconnected(peripheralID string, err error) {
	h.s.q.Submit(func() { h.s.onDisconnected(peripheralID, err) })
}

func (h centralEvents) StateChanged(st gatt.State) {
	h.s.q.Submit(func() { h.s.onStateChanged(st) })
}

// Start registers the radio handler and begins discovery.
func (s *Subscriber) Start(onFailure transport.FailureFunc) error {
	if s.running {
		return nil
	}
	if s.cent.State() != gatt.StateOn {
		return fmt.Errorf("%w: radio %s", transport.ErrTransportUnavailable, s.cent.State())
	}
	s.onFailure = onFailure
	s.running = true
	s.stopping = false
	s.cent.SetHandler(centralEvents{s})
	s.startDiscovery()
	log.Info().Msgf("ble.Subscriber.Start conversation=%q target=%q", s.conv.Name, s.targetName())
	return nil
}

// targetName is the advertisement identifier this subscriber pairs
// against and announces as its own presence.
func (s *Subscriber) targetName() string {
	return s.conv.ShortID()
}

func (s *Subscriber) startDiscovery() {
	if !s.running || s.stopping || s.background || s.committedID != "" {
		return
	}
	if err := s.cent.StartScan(); err != nil {
		log.Warn().Msgf("ble.Subscriber.startDiscovery scan err=%v", err)
		return
	}
	// The announce is what (re)opens advertising windows on matching
	// publishers.
	if err := s.cent.Announce(s.targetName()); err != nil {
		log.Warn().Msgf("ble.Subscriber.startDiscovery announce err=%v", err)
	}
	s.discovering = true
}

func (s *Subscriber) stopDiscovery() {
	if !s.discovering {
		return
	}
	s.discovering = false
	s.cent.StopScan()
	s.cent.StopAnnounce()
}

// accepts filters advertisements by identifier: the target conversation's
// short id, or the open-discovery sentinel used for first-time pairing.
func (s *Subscriber) accepts(adv gatt.Advertisement) bool {
	if adv.ServiceUUID != gatt.ServiceUUID {
		return false
	}
	return adv.LocalName == s.targetName() || adv.LocalName == transport.OpenDiscoveryID
}

func (s *Subscriber) onDiscovered(adv gatt.Advertisement) {
	if !s.discovering || s.stopping || s.committedID != "" {
		return
	}
	if !s.accepts(adv) {
		return
	}
	if _, ok := s.peers[adv.PeripheralID]; ok {
		return
	}
	peer := &subPeer{remote: transport.LocalRemote{DeviceID: adv.PeripheralID}}
	peer.handshakeTimer = s.q.AfterFunc(s.cfg.HandshakeTimeout, func() { s.onHandshakeTimeout(peer) })
	s.peers[adv.PeripheralID] = peer
	log.Info().Msgf("ble.Subscriber discovered publisher=%q name=%q", adv.PeripheralID, adv.LocalName)
	if err := s.cent.Connect(adv.PeripheralID); err != nil {
		log.Warn().Msgf("ble.Subscriber connect failed publisher=%q err=%v", adv.PeripheralID, err)
		s.forgetPeer(peer, false)
	}
}

func (s *Subscriber) onHandshakeTimeout(peer *subPeer) {
	if s.subscribed && s.committedID == peer.remote.ID() {
		return
	}
	log.Warn().Msgf("ble.Subscriber handshake timeout publisher=%q err=%v", peer.remote.ID(), transport.ErrHandshakeTimeout)
	s.diag.Anomaly(transportName, "handshake_timeout")
	if s.committedID == peer.remote.ID() {
		// The chosen publisher never answered the listen request.
		s.failCommit(peer, transport.ErrHandshakeTimeout)
		return
	}
	s.forgetPeer(peer, true)
}

func (s *Subscriber) onConnected(peripheralID string) {
	peer, ok := s.peers[peripheralID]
	if !ok || s.stopping {
		return
	}
	peer.connected = true
	if err := s.cent.ResolveServices(peripheralID); err != nil {
		log.Warn().Msgf("ble.Subscriber resolve failed publisher=%q err=%v", peripheralID, err)
		s.forgetPeer(peer, true)
	}
}

func (s *Subscriber) onServicesResolved(peripheralID string) {
	peer, ok := s.peers[peripheralID]
	if !ok || s.stopping {
		return
	}
	peer.resolved = true
	// Control first; the publisher answers the subscription with its
	// whisper offer, which is what surfaces the candidate to the caller.
	if err := s.cent.Subscribe(peripheralID, gatt.CharControlOut); err != nil {
		log.Warn().Msgf("ble.Subscriber control subscribe failed publisher=%q err=%v", peripheralID, err)
		s.forgetPeer(peer, true)
		return
	}
	peer.controlSubscribed = true
}

// Subscribe commits to one discovered publisher: discovery stops, every
// other candidate is dropped, and the pairing exchange begins with a
// listen request on the control channel.
func (s *Subscriber) Subscribe(r transport.Remote, conv transport.Conversation) error {
	peer, ok := s.peers[r.ID()]
	if !ok {
		s.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	if s.committedID != "" {
		if s.committedID == r.ID() {
			return nil
		}
		return fmt.Errorf("%w: already committed to %s", transport.ErrAlreadySubscribed, s.committedID)
	}
	if !peer.controlSubscribed {
		return fmt.Errorf("%w: %s not paired yet", transport.ErrUnknownRemote, r.ID())
	}

	s.conv = conv
	s.committedID = r.ID()
	s.pairing = true
	s.stopDiscovery()
	for _, other := range s.peerList() {
		if other.remote.ID() != r.ID() {
			s.forgetPeer(other, true)
		}
	}

	req := s.ident
	req.ConversationID = conv.ID
	req.ConversationName = conv.Name
	payload := protocol.Encode(protocol.NewPresence(protocol.ListenRequest, req))
	if err := s.cent.Write(r.ID(), gatt.CharControlIn, payload, true); err != nil {
		s.failCommit(peer, err)
		return err
	}
	s.diag.ChunksSent(transportName, "control", 1)
	log.Info().Msgf("ble.Subscriber listen request sent publisher=%q conversation=%q", r.ID(), conv.Name)
	return nil
}

// failCommit tears down a failed pairing and surfaces the error through
// the one failure callback. The caller is expected to restart discovery.
func (s *Subscriber) failCommit(peer *subPeer, err error) {
	s.forgetPeer(peer, true)
	s.committedID = ""
	s.pairing = false
	s.subscribed = false
	if s.onFailure != nil {
		s.onFailure(err)
	}
}

func (s *Subscriber) onNotified(peripheralID string, ch gatt.Characteristic, payload []byte) {
	peer, ok := s.peers[peripheralID]
	if !ok || s.stopping {
		return
	}
	chunk, err := protocol.Decode(payload)
	if err != nil {
		s.onMalformed(peer, ch, err)
		return
	}
	s.diag.ChunkReceived(transportName, channelName(ch))

	if ch == gatt.CharContentOut {
		if s.committedID != peripheralID || !s.subscribed {
			s.diag.Anomaly(transportName, "content_before_subscribe")
			return
		}
		s.events.OnContent(chunk)
		return
	}

	switch chunk.Offset {
	case protocol.WhisperOffer:
		s.onWhisperOffer(peer, chunk)
	case protocol.ListenAuthYes:
		s.onAuthorized(peer)
	case protocol.ListenAuthNo:
		s.onDenied(peer)
	case protocol.Dropping:
		s.onPeerDropping(peer)
	default:
		if s.committedID == peripheralID {
			s.events.OnControl(chunk)
		}
	}
}

// onMalformed applies the per-channel asymmetry: a bad content chunk is
// dropped and the stream continues, a bad control chunk ends the
// connection because later handshake state cannot be trusted.
func (s *Subscriber) onMalformed(peer *subPeer, ch gatt.Characteristic, err error) {
	s.diag.MalformedPacket(transportName, channelName(ch))
	if ch == gatt.CharContentOut {
		log.Warn().Msgf("ble.Subscriber dropped malformed content publisher=%q err=%v", peer.remote.ID(), err)
		return
	}
	log.Warn().Msgf("ble.Subscriber malformed control publisher=%q err=%v", peer.remote.ID(), err)
	if s.committedID == peer.remote.ID() {
		if s.subscribed {
			s.loseCommitted(peer, err)
			return
		}
		s.failCommit(peer, err)
		return
	}
	s.forgetPeer(peer, true)
}

func (s *Subscriber) onWhisperOffer(peer *subPeer, chunk protocol.Chunk) {
	info, err := protocol.DecodeClientInfo(chunk.Text)
	if err != nil {
		s.onMalformed(peer, gatt.CharControlOut, err)
		return
	}
	peer.info = info
	peer.hasInfo = true
	log.Info().Msgf(
		"ble.Subscriber whisper offer publisher=%q username=%q conversation=%q",
		peer.remote.ID(),
		info.Username,
		info.ConversationName,
	)
	s.events.OnCandidate(peer.remote, info)
}

func (s *Subscriber) onAuthorized(peer *subPeer) {
	if s.committedID != peer.remote.ID() || !s.pairing {
		s.diag.Anomaly(transportName, "unexpected_auth")
		return
	}
	if err := s.cent.Subscribe(peer.remote.ID(), gatt.CharContentOut); err != nil {
		log.Warn().Msgf("ble.Subscriber content subscribe failed publisher=%q err=%v", peer.remote.ID(), err)
		s.failCommit(peer, err)
		return
	}
	peer.contentSubscribed = true
	s.pairing = false
	s.subscribed = true
	if peer.handshakeTimer != nil {
		peer.handshakeTimer.Stop()
		peer.handshakeTimer = nil
	}
	log.Info().Msgf("ble.Subscriber subscribed publisher=%q conversation=%q", peer.remote.ID(), s.conv.Name)
	s.events.OnSubscribed(peer.remote)
}

func (s *Subscriber) onDenied(peer *subPeer) {
	if s.committedID != peer.remote.ID() {
		s.forgetPeer(peer, true)
		return
	}
	log.Warn().Msgf("ble.Subscriber authorization denied publisher=%q", peer.remote.ID())
	s.failCommit(peer, fmt.Errorf("%w: conversation %q", transport.ErrAuthorizationDenied, s.conv.Name))
}

// onPeerDropping handles the publisher's own leave notice: remove at once
// with no reciprocal notification.
func (s *Subscriber) onPeerDropping(peer *subPeer) {
	peer.peerAnnouncedDrop = true
	log.Info().Msgf("ble.Subscriber publisher dropping publisher=%q", peer.remote.ID())
	committed := s.committedID == peer.remote.ID()
	s.forgetPeer(peer, true)
	if committed {
		s.clearCommit()
		s.events.OnDisconnected(peer.remote)
	}
}

func (s *Subscriber) onDisconnected(peripheralID string, err error) {
	peer, ok := s.peers[peripheralID]
	if !ok {
		return
	}
	peer.connected = false
	committed := s.committedID == peripheralID
	s.removePeer(peer)
	if s.stopping {
		return
	}
	if !committed {
		return
	}
	s.clearCommit()
	if err == nil {
		log.Info().Msgf("ble.Subscriber disconnected publisher=%q", peripheralID)
		s.events.OnDisconnected(peer.remote)
		return
	}
	log.Warn().Msgf("ble.Subscriber lost publisher=%q err=%v", peripheralID, err)
	s.diag.Anomaly(transportName, "connection_lost")
	s.events.OnLost(peer.remote, err)
}

// loseCommitted severs the live stream and surfaces the loss.
func (s *Subscriber) loseCommitted(peer *subPeer, err error) {
	s.forgetPeer(peer, true)
	s.clearCommit()
	s.events.OnLost(peer.remote, err)
}

func (s *Subscriber) clearCommit() {
	s.committedID = ""
	s.pairing = false
	s.subscribed = false
}

// SendControl writes one control chunk to a tracked publisher.
func (s *Subscriber) SendControl(r transport.Remote, c protocol.Chunk) error {
	if _, ok := s.peers[r.ID()]; !ok {
		s.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	if err := s.cent.Write(r.ID(), gatt.CharControlIn, protocol.Encode(c), true); err != nil {
		return err
	}
	s.diag.ChunksSent(transportName, "control", 1)
	return nil
}

// Drop notifies the publisher best-effort and disconnects.
func (s *Subscriber) Drop(r transport.Remote) error {
	peer, ok := s.peers[r.ID()]
	if !ok {
		s.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	committed := s.committedID == peer.remote.ID()
	s.forgetPeer(peer, true)
	if committed {
		s.clearCommit()
		s.startDiscovery()
	}
	return nil
}

// forgetPeer cancels the handshake timer, optionally notifies the peer,
// and disconnects. disconnect=false is for peers that never connected.
func (s *Subscriber) forgetPeer(peer *subPeer, disconnect bool) {
	if _, ok := s.peers[peer.remote.ID()]; !ok {
		return
	}
	if disconnect && peer.connected {
		// Skip the leave notice when the peer announced its own drop; it
		// already knows.
		if peer.resolved && !peer.peerAnnouncedDrop {
			payload := protocol.Encode(protocol.NewControl(protocol.Dropping, ""))
			_ = s.cent.Write(peer.remote.ID(), gatt.CharControlIn, payload, false)
		}
		s.cent.Disconnect(peer.remote.ID())
	}
	s.removePeer(peer)
}

func (s *Subscriber) removePeer(peer *subPeer) {
	if peer.handshakeTimer != nil {
		peer.handshakeTimer.Stop()
		peer.handshakeTimer = nil
	}
	delete(s.peers, peer.remote.ID())
	s.diag.LiveRemotes(transportName, len(s.peers))
}

func (s *Subscriber) onStateChanged(st gatt.State) {
	if st == gatt.StateOn {
		if s.running && !s.stopping && !s.background {
			s.startDiscovery()
		}
		return
	}
	log.Warn().Msgf("ble.Subscriber radio state=%s", st)
	s.diag.Anomaly(transportName, "radio_"+string(st))
	s.discovering = false
}

// Stop sends a best-effort leave notice, disconnects everything, and
// releases the radio.
func (s *Subscriber) Stop() {
	if !s.running || s.stopping {
		return
	}
	s.stopping = true
	s.stopDiscovery()
	for _, peer := range s.peerList() {
		s.forgetPeer(peer, true)
	}
	s.clearCommit()
	s.running = false
	s.cent.Close()
	log.Info().Msgf("ble.Subscriber stopped conversation=%q", s.conv.Name)
}

// GoBackground suspends discovery. A committed publisher connection is
// untouched.
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
	if s.running && !s.stopping && s.committedID == "" {
		s.startDiscovery()
	}
}

// Status maps the radio power state onto the transport status surface.
func (s *Subscriber) Status() transport.Status {
	switch s.cent.State() {
	case gatt.StateOn:
		return transport.StatusOn
	case gatt.StateDisabled:
		return transport.StatusDisabled
	default:
		return transport.StatusOff
	}
}

func (s *Subscriber) peerList() []*subPeer {
	out := make([]*subPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	return out
}
