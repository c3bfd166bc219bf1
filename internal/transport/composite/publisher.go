package composite

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/transport"
)

const transportName = "composite"

// pubBinding ties one unified client id to the concrete remote of the
// path that surfaced it first.
type pubBinding struct {
	clientID string
	remote   transport.Remote
	path     *pubPath
}

// pubPath is one underlying publisher with its slice of the unified
// remote index. byRemote maps the path's concrete remote ids to unified
// client ids.
type pubPath struct {
	name     string
	pub      transport.Publisher
	started  bool
	byRemote map[string]string
}

// PublisherDeps carries everything a composite publisher needs. Local
// and Global construct the underlying pair against the composite's own
// event taps; both are required.
type PublisherDeps struct {
	Queue       *dispatch.Queue
	Events      transport.PublisherEvents
	Diagnostics transport.Diagnostics

	Local  func(transport.PublisherEvents) transport.Publisher
	Global func(transport.PublisherEvents) transport.Publisher

	Config Config
}

// Publisher presents the radio and network publishers as one transport
// with a single unified remote set. Peers are keyed by the client id
// from their first presence chunk; whichever path surfaces a client
// first owns it, and the same client appearing on the other path is
// rejected there. Every method must be called on the engine queue.
type Publisher struct {
	q      *dispatch.Queue
	events transport.PublisherEvents
	diag   transport.Diagnostics
	cfg    Config

	local  *pubPath
	global *pubPath

	onFailure transport.FailureFunc
	running   bool
	stopping  bool

	localTimer *dispatch.Timer

	bindings map[string]*pubBinding
}

// NewPublisher wires both paths through the composite's event taps.
func NewPublisher(deps PublisherDeps) *Publisher {
	c := &Publisher{
		q:        deps.Queue,
		events:   deps.Events,
		diag:     deps.Diagnostics,
		cfg:      deps.Config.WithDefaults(),
		bindings: make(map[string]*pubBinding),
	}
	c.local = &pubPath{name: "local", byRemote: make(map[string]string)}
	c.global = &pubPath{name: "global", byRemote: make(map[string]string)}
	c.local.pub = deps.Local(&pubPathEvents{c: c, path: c.local})
	c.global.pub = deps.Global(&pubPathEvents{c: c, path: c.global})
	return c
}

// pubPathEvents tags underlying events with the path they came from.
type pubPathEvents struct {
	c    *Publisher
	path *pubPath
}

func (e *pubPathEvents) OnCandidate(r transport.Remote, info protocol.ClientInfo) {
	e.c.onCandidate(e.path, r, info)
}
func (e *pubPathEvents) OnControl(r transport.Remote, chunk protocol.Chunk) {
	e.c.onControl(e.path, r, chunk)
}
func (e *pubPathEvents) OnSubscribed(r transport.Remote, authorized bool) {
	e.c.onSubscribed(e.path, r, authorized)
}
func (e *pubPathEvents) OnRemoteGone(r transport.Remote) {
	e.c.onRemoteGone(e.path, r)
}

// Start brings up whichever paths report available. The network path
// starts first; the radio path follows after the grace period so a
// network-capable peer can finish its handshake before the radio
// competes for it. Neither path available is fatal.
func (c *Publisher) Start(onFailure transport.FailureFunc) error {
	if c.running {
		return nil
	}
	c.onFailure = onFailure
	localOK := c.local.pub.Status() == transport.StatusOn
	globalOK := c.global.pub.Status() == transport.StatusOn
	if !localOK && !globalOK {
		err := fmt.Errorf(
			"%w: local %s, global %s",
			transport.ErrNoTransportAvailable,
			c.local.pub.Status(),
			c.global.pub.Status(),
		)
		c.fail(err)
		return err
	}
	c.running = true
	c.stopping = false

	if globalOK {
		c.startPath(c.global)
	}
	if localOK {
		if c.global.started {
			c.localTimer = c.q.AfterFunc(c.cfg.LocalStartDelay, c.startLocalDeferred)
		} else {
			c.startPath(c.local)
		}
	}
	if !c.global.started && !c.local.started && c.localTimer == nil {
		c.running = false
		return fmt.Errorf("%w: no path started", transport.ErrNoTransportAvailable)
	}
	log.Info().Msgf(
		"composite.Publisher.Start local=%v global=%v delay=%s",
		c.local.started || c.localTimer != nil,
		c.global.started,
		c.cfg.LocalStartDelay,
	)
	return nil
}

// startPath reports whether the path is up afterwards.
func (c *Publisher) startPath(p *pubPath) bool {
	if !c.running || c.stopping || p.started {
		return p.started
	}
	if err := p.pub.Start(func(err error) { c.onPathFailure(p, err) }); err != nil {
		c.diag.Anomaly(transportName, p.name+"_start_failed")
		log.Warn().Msgf("composite.Publisher %s path failed to start err=%v", p.name, err)
		return false
	}
	p.started = true
	log.Info().Msgf("composite.Publisher %s path started", p.name)
	return true
}

func (c *Publisher) startLocalDeferred() {
	c.localTimer = nil
	if !c.startPath(c.local) && !c.global.started {
		c.fail(fmt.Errorf("%w: all paths down", transport.ErrTransportUnavailable))
	}
}

// onPathFailure applies the multi-path policy: availability loss on one
// path is an anomaly while the other lives, fatal when it was the last;
// anything else is session-relevant and passes straight through.
func (c *Publisher) onPathFailure(p *pubPath, err error) {
	if c.stopping {
		return
	}
	if !errors.Is(err, transport.ErrTransportUnavailable) {
		c.fail(err)
		return
	}
	p.started = false
	c.diag.Anomaly(transportName, p.name+"_path_lost")
	log.Warn().Msgf("composite.Publisher %s path lost err=%v", p.name, err)
	if c.otherOf(p).started || c.localTimer != nil {
		return
	}
	c.fail(err)
}

func (c *Publisher) fail(err error) {
	if c.onFailure != nil {
		c.onFailure(err)
	}
}

func (c *Publisher) otherOf(p *pubPath) *pubPath {
	if p == c.local {
		return c.global
	}
	return c.local
}

// onCandidate promotes a path remote into the unified set, or rejects it
// when its client id is already bound to the other path.
func (c *Publisher) onCandidate(p *pubPath, r transport.Remote, info protocol.ClientInfo) {
	if b, ok := c.bindings[info.ClientID]; ok {
		if b.path == p && b.remote.ID() == r.ID() {
			return
		}
		// One client, one active path: the first binding wins.
		c.diag.Anomaly(transportName, "duplicate_path")
		log.Warn().Msgf(
			"composite.Publisher duplicate path rejected client=%q bound=%s offered=%s",
			info.ClientID,
			b.path.name,
			p.name,
		)
		_ = p.pub.Drop(r)
		return
	}
	c.bindings[info.ClientID] = &pubBinding{clientID: info.ClientID, remote: r, path: p}
	p.byRemote[r.ID()] = info.ClientID
	log.Info().Msgf("composite.Publisher bound client=%q path=%s", info.ClientID, p.name)
	c.events.OnCandidate(r, info)
}

func (c *Publisher) onControl(p *pubPath, r transport.Remote, chunk protocol.Chunk) {
	if _, ok := p.byRemote[r.ID()]; !ok {
		c.diag.Anomaly(transportName, "unknown_remote")
		return
	}
	c.events.OnControl(r, chunk)
}

func (c *Publisher) onSubscribed(p *pubPath, r transport.Remote, authorized bool) {
	if _, ok := p.byRemote[r.ID()]; !ok {
		c.diag.Anomaly(transportName, "unknown_remote")
		return
	}
	c.events.OnSubscribed(r, authorized)
}

func (c *Publisher) onRemoteGone(p *pubPath, r transport.Remote) {
	clientID, ok := p.byRemote[r.ID()]
	if !ok {
		// Teardown of a rejected duplicate; the session never saw it.
		log.Debug().Msgf("composite.Publisher unbound teardown path=%s remote=%q", p.name, r.ID())
		return
	}
	delete(p.byRemote, r.ID())
	delete(c.bindings, clientID)
	c.events.OnRemoteGone(r)
}

// pathFor routes by remote kind: paths own their kind, so a remote's
// kind names the path that created it.
func (c *Publisher) pathFor(k transport.Kind) *pubPath {
	if k == transport.KindLocal {
		return c.local
	}
	return c.global
}

func (c *Publisher) resolve(r transport.Remote) (*pubPath, error) {
	p := c.pathFor(r.Kind())
	if _, ok := p.byRemote[r.ID()]; !ok {
		c.diag.Anomaly(transportName, "unknown_remote")
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	return p, nil
}

// Publish fans the broadcast to every live path. The unified set is
// partitioned across paths, so no peer hears it twice.
func (c *Publisher) Publish(chunks []protocol.Chunk) {
	if !c.running || c.stopping {
		return
	}
	if c.local.started {
		c.local.pub.Publish(chunks)
	}
	if c.global.started {
		c.global.pub.Publish(chunks)
	}
}

// SendContent queues directed chunks on the remote's own path.
func (c *Publisher) SendContent(r transport.Remote, chunks []protocol.Chunk) error {
	p, err := c.resolve(r)
	if err != nil {
		return err
	}
	return p.pub.SendContent(r, chunks)
}

// SendControl queues one control chunk on the remote's own path.
func (c *Publisher) SendControl(r transport.Remote, chunk protocol.Chunk) error {
	p, err := c.resolve(r)
	if err != nil {
		return err
	}
	return p.pub.SendControl(r, chunk)
}

// Authorize adds the remote to its path's broadcast recipient set.
func (c *Publisher) Authorize(r transport.Remote) error {
	p, err := c.resolve(r)
	if err != nil {
		return err
	}
	return p.pub.Authorize(r)
}

// Deauthorize removes the remote from its path's broadcast recipient set.
func (c *Publisher) Deauthorize(r transport.Remote) error {
	p, err := c.resolve(r)
	if err != nil {
		return err
	}
	return p.pub.Deauthorize(r)
}

// Drop tears the remote down on its own path.
func (c *Publisher) Drop(r transport.Remote) error {
	p, err := c.resolve(r)
	if err != nil {
		return err
	}
	return p.pub.Drop(r)
}

// Stop releases both paths. Teardown events still flow through while the
// underlying transports drain.
func (c *Publisher) Stop() {
	if !c.running || c.stopping {
		return
	}
	c.stopping = true
	if c.localTimer != nil {
		c.localTimer.Stop()
		c.localTimer = nil
	}
	if c.local.started {
		c.local.pub.Stop()
		c.local.started = false
	}
	if c.global.started {
		c.global.pub.Stop()
		c.global.started = false
	}
	c.running = false
	log.Info().Msg("composite.Publisher stopped")
}

// GoBackground suspends discovery surfaces on every live path.
func (c *Publisher) GoBackground() {
	if c.local.started {
		c.local.pub.GoBackground()
	}
	if c.global.started {
		c.global.pub.GoBackground()
	}
}

// GoForeground resumes discovery surfaces on every live path.
func (c *Publisher) GoForeground() {
	if c.local.started {
		c.local.pub.GoForeground()
	}
	if c.global.started {
		c.global.pub.GoForeground()
	}
}

// Remotes snapshots the unified remote set, sorted by id.
func (c *Publisher) Remotes() []transport.RemoteInfo {
	var out []transport.RemoteInfo
	for _, p := range []*pubPath{c.local, c.global} {
		for _, info := range p.pub.Remotes() {
			if _, ok := p.byRemote[info.ID]; ok {
				out = append(out, info)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status reports the best live path.
func (c *Publisher) Status() transport.Status {
	ls, gs := c.local.pub.Status(), c.global.pub.Status()
	switch {
	case ls == transport.StatusOn || gs == transport.StatusOn:
		return transport.StatusOn
	case ls == transport.StatusOff || gs == transport.StatusOff:
		return transport.StatusOff
	default:
		return transport.StatusDisabled
	}
}
