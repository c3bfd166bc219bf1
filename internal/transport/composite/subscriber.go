package composite

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/dispatch"
	"github.com/sotto-dev/sotto/internal/protocol"
	"github.com/sotto-dev/sotto/internal/transport"
)

// subBinding ties one unified client id to the concrete remote of the
// path that surfaced it first.
type subBinding struct {
	clientID string
	remote   transport.Remote
	path     *subPath
}

// subPath is one underlying subscriber with its slice of the unified
// candidate index.
type subPath struct {
	name     string
	sub      transport.Subscriber
	started  bool
	byRemote map[string]string
}

// SubscriberDeps carries everything a composite subscriber needs. Local
// and Global construct the underlying pair against the composite's own
// event taps; both are required.
type SubscriberDeps struct {
	Queue       *dispatch.Queue
	Events      transport.SubscriberEvents
	Diagnostics transport.Diagnostics

	Local  func(transport.SubscriberEvents) transport.Subscriber
	Global func(transport.SubscriberEvents) transport.Subscriber

	Config Config
}

// Subscriber presents the radio and network subscribers as one transport
// with a single unified candidate set. Candidates are keyed by the
// client id in their whisper offer; the first path to surface a client
// owns it. Committing to one publisher prunes every other candidate on
// both paths. Every method must be called on the engine queue.
type Subscriber struct {
	q      *dispatch.Queue
	events transport.SubscriberEvents
	diag   transport.Diagnostics
	cfg    Config

	local  *subPath
	global *subPath

	onFailure transport.FailureFunc
	running   bool
	stopping  bool

	localTimer *dispatch.Timer

	bindings          map[string]*subBinding
	committedClientID string
}

// NewSubscriber wires both paths through the composite's event taps.
func NewSubscriber(deps SubscriberDeps) *Subscriber {
	c := &Subscriber{
		q:        deps.Queue,
		events:   deps.Events,
		diag:     deps.Diagnostics,
		cfg:      deps.Config.WithDefaults(),
		bindings: make(map[string]*subBinding),
	}
	c.local = &subPath{name: "local", byRemote: make(map[string]string)}
	c.global = &subPath{name: "global", byRemote: make(map[string]string)}
	c.local.sub = deps.Local(&subPathEvents{c: c, path: c.local})
	c.global.sub = deps.Global(&subPathEvents{c: c, path: c.global})
	return c
}

// subPathEvents tags underlying events with the path they came from.
type subPathEvents struct {
	c    *Subscriber
	path *subPath
}

func (e *subPathEvents) OnContent(chunk protocol.Chunk) { e.c.events.OnContent(chunk) }
func (e *subPathEvents) OnControl(chunk protocol.Chunk) { e.c.events.OnControl(chunk) }
func (e *subPathEvents) OnCandidate(r transport.Remote, info protocol.ClientInfo) {
	e.c.onCandidate(e.path, r, info)
}
func (e *subPathEvents) OnSubscribed(r transport.Remote) { e.c.onSubscribed(e.path, r) }
func (e *subPathEvents) OnDisconnected(r transport.Remote) {
	e.c.onGone(e.path, r, nil)
}
func (e *subPathEvents) OnLost(r transport.Remote, err error) {
	e.c.onGone(e.path, r, err)
}

// Start brings up whichever paths report available, network first with
// the radio following after the grace period.
func (c *Subscriber) Start(onFailure transport.FailureFunc) error {
	if c.running {
		return nil
	}
	c.onFailure = onFailure
	localOK := c.local.sub.Status() == transport.StatusOn
	globalOK := c.global.sub.Status() == transport.StatusOn
	if !localOK && !globalOK {
		err := fmt.Errorf(
			"%w: local %s, global %s",
			transport.ErrNoTransportAvailable,
			c.local.sub.Status(),
			c.global.sub.Status(),
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
		"composite.Subscriber.Start local=%v global=%v delay=%s",
		c.local.started || c.localTimer != nil,
		c.global.started,
		c.cfg.LocalStartDelay,
	)
	return nil
}

func (c *Subscriber) startPath(p *subPath) bool {
	if !c.running || c.stopping || p.started {
		return p.started
	}
	if err := p.sub.Start(func(err error) { c.onPathFailure(p, err) }); err != nil {
		c.diag.Anomaly(transportName, p.name+"_start_failed")
		log.Warn().Msgf("composite.Subscriber %s path failed to start err=%v", p.name, err)
		return false
	}
	p.started = true
	log.Info().Msgf("composite.Subscriber %s path started", p.name)
	return true
}

func (c *Subscriber) startLocalDeferred() {
	c.localTimer = nil
	if !c.startPath(c.local) && !c.global.started {
		c.fail(fmt.Errorf("%w: all paths down", transport.ErrTransportUnavailable))
	}
}

// onPathFailure applies the multi-path policy: availability loss on one
// path is an anomaly while the other lives, fatal when it was the last;
// anything else is session-relevant and passes straight through.
func (c *Subscriber) onPathFailure(p *subPath, err error) {
	if c.stopping {
		return
	}
	if !errors.Is(err, transport.ErrTransportUnavailable) {
		c.fail(err)
		return
	}
	p.started = false
	c.diag.Anomaly(transportName, p.name+"_path_lost")
	log.Warn().Msgf("composite.Subscriber %s path lost err=%v", p.name, err)
	if c.otherOf(p).started || c.localTimer != nil {
		return
	}
	c.fail(err)
}

func (c *Subscriber) fail(err error) {
	if c.onFailure != nil {
		c.onFailure(err)
	}
}

func (c *Subscriber) otherOf(p *subPath) *subPath {
	if p == c.local {
		return c.global
	}
	return c.local
}

func (c *Subscriber) onCandidate(p *subPath, r transport.Remote, info protocol.ClientInfo) {
	if b, ok := c.bindings[info.ClientID]; ok {
		if b.path == p && b.remote.ID() == r.ID() {
			return
		}
		// One publisher identity, one active path: first binding wins.
		c.diag.Anomaly(transportName, "duplicate_path")
		log.Warn().Msgf(
			"composite.Subscriber duplicate path rejected client=%q bound=%s offered=%s",
			info.ClientID,
			b.path.name,
			p.name,
		)
		_ = p.sub.Drop(r)
		return
	}
	c.bindings[info.ClientID] = &subBinding{clientID: info.ClientID, remote: r, path: p}
	p.byRemote[r.ID()] = info.ClientID
	log.Info().Msgf("composite.Subscriber bound client=%q path=%s", info.ClientID, p.name)
	c.events.OnCandidate(r, info)
}

func (c *Subscriber) onSubscribed(p *subPath, r transport.Remote) {
	if _, ok := p.byRemote[r.ID()]; !ok {
		c.diag.Anomaly(transportName, "unknown_remote")
		return
	}
	c.events.OnSubscribed(r)
}

// onGone handles both expected disconnects (err nil) and losses.
func (c *Subscriber) onGone(p *subPath, r transport.Remote, err error) {
	clientID, ok := p.byRemote[r.ID()]
	if !ok {
		log.Debug().Msgf("composite.Subscriber unbound teardown path=%s remote=%q", p.name, r.ID())
		return
	}
	delete(p.byRemote, r.ID())
	delete(c.bindings, clientID)
	if clientID == c.committedClientID {
		c.clearCommit()
	}
	if err == nil {
		c.events.OnDisconnected(r)
		return
	}
	c.events.OnLost(r, err)
}

func (c *Subscriber) clearCommit() {
	c.committedClientID = ""
}

func (c *Subscriber) pathFor(k transport.Kind) *subPath {
	if k == transport.KindLocal {
		return c.local
	}
	return c.global
}

// Subscribe commits to one publisher on its own path, then prunes every
// other candidate: the committed path forgets its own, the other path is
// told to drop its bindings outright.
func (c *Subscriber) Subscribe(r transport.Remote, conv transport.Conversation) error {
	p := c.pathFor(r.Kind())
	clientID, ok := p.byRemote[r.ID()]
	if !ok {
		c.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	if err := p.sub.Subscribe(r, conv); err != nil {
		return err
	}
	c.committedClientID = clientID
	for id, b := range c.bindings {
		if id == clientID {
			continue
		}
		if b.path != p {
			_ = b.path.sub.Drop(b.remote)
		}
		delete(b.path.byRemote, b.remote.ID())
		delete(c.bindings, id)
	}
	log.Info().Msgf("composite.Subscriber committed client=%q path=%s", clientID, p.name)
	return nil
}

// SendControl writes one control chunk via the remote's own path.
func (c *Subscriber) SendControl(r transport.Remote, chunk protocol.Chunk) error {
	p := c.pathFor(r.Kind())
	if _, ok := p.byRemote[r.ID()]; !ok {
		c.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	return p.sub.SendControl(r, chunk)
}

// Drop releases the remote on its own path and unbinds it. Dropping the
// committed publisher returns that path to discovery.
func (c *Subscriber) Drop(r transport.Remote) error {
	p := c.pathFor(r.Kind())
	clientID, ok := p.byRemote[r.ID()]
	if !ok {
		c.diag.Anomaly(transportName, "unknown_remote")
		return fmt.Errorf("%w: %s", transport.ErrUnknownRemote, r.ID())
	}
	err := p.sub.Drop(r)
	delete(p.byRemote, r.ID())
	delete(c.bindings, clientID)
	if clientID == c.committedClientID {
		c.clearCommit()
	}
	return err
}

// Stop releases both paths.
func (c *Subscriber) Stop() {
	if !c.running || c.stopping {
		return
	}
	c.stopping = true
	if c.localTimer != nil {
		c.localTimer.Stop()
		c.localTimer = nil
	}
	if c.local.started {
		c.local.sub.Stop()
		c.local.started = false
	}
	if c.global.started {
		c.global.sub.Stop()
		c.global.started = false
	}
	c.clearCommit()
	c.running = false
	log.Info().Msg("composite.Subscriber stopped")
}

// GoBackground suspends discovery on every live path.
func (c *Subscriber) GoBackground() {
	if c.local.started {
		c.local.sub.GoBackground()
	}
	if c.global.started {
		c.global.sub.GoBackground()
	}
}

// GoForeground resumes discovery on every live path.
func (c *Subscriber) GoForeground() {
	if c.local.started {
		c.local.sub.GoForeground()
	}
	if c.global.started {
		c.global.sub.GoForeground()
	}
}

// Status reports the best live path.
func (c *Subscriber) Status() transport.Status {
	ls, gs := c.local.sub.Status(), c.global.sub.Status()
	switch {
	case ls == transport.StatusOn || gs == transport.StatusOn:
		return transport.StatusOn
	case ls == transport.StatusOff || gs == transport.StatusOff:
		return transport.StatusOff
	default:
		return transport.StatusDisabled
	}
}
