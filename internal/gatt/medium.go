package gatt

import (
	"fmt"
	"sync"
)

// notifyQueueCap bounds each central's notification inbox. A full inbox
// is surfaced to the peripheral as a failed Notify, mirroring a radio
// stack's transmit-queue backpressure.
const notifyQueueCap = 64

// Medium is an in-process radio. One Medium value is built at session
// start and handed to every component that needs a radio endpoint; there
// is no process-wide registry.
type Medium struct {
	mu          sync.Mutex
	state       State
	nextID      int
	peripherals map[string]*MemoryPeripheral
	centrals    map[string]*MemoryCentral
}

// NewMedium returns a powered-on radio.
func NewMedium() *Medium {
	return &Medium{
		state:       StateOn,
		peripherals: make(map[string]*MemoryPeripheral),
		centrals:    make(map[string]*MemoryCentral),
	}
}

// State reports the current power state.
func (m *Medium) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState flips the radio power state. Leaving StateOn tears down every
// live connection and clears advertising, scanning, and announcements.
func (m *Medium) SetState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	peripherals := m.peripheralList()
	centrals := m.centralList()
	m.mu.Unlock()

	if s != StateOn {
		for _, c := range centrals {
			c.dropAllConns(ErrRadioOff)
			c.mu.Lock()
			c.scanning = false
			c.announceName = ""
			c.mu.Unlock()
		}
		for _, p := range peripherals {
			p.mu.Lock()
			p.advertising = false
			p.mu.Unlock()
		}
	}
	for _, p := range peripherals {
		if h := p.handlerRef(); h != nil {
			h.StateChanged(s)
		}
	}
	for _, c := range centrals {
		if h := c.handlerRef(); h != nil {
			h.StateChanged(s)
		}
	}
}

// peripheralList copies the registry. Callers hold m.mu.
func (m *Medium) peripheralList() []*MemoryPeripheral {
	out := make([]*MemoryPeripheral, 0, len(m.peripherals))
	for _, p := range m.peripherals {
		out = append(out, p)
	}
	return out
}

// centralList copies the registry. Callers hold m.mu.
func (m *Medium) centralList() []*MemoryCentral {
	out := make([]*MemoryCentral, 0, len(m.centrals))
	for _, c := range m.centrals {
		out = append(out, c)
	}
	return out
}

func (m *Medium) on() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOn
}

func (m *Medium) peripheral(id string) (*MemoryPeripheral, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peripherals[id]
	return p, ok
}

func (m *Medium) central(id string) (*MemoryCentral, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.centrals[id]
	return c, ok
}

// NewPeripheral registers a peripheral endpoint.
func (m *Medium) NewPeripheral() *MemoryPeripheral {
	m.mu.Lock()
	m.nextID++
	p := &MemoryPeripheral{
		m:  m,
		id: fmt.Sprintf("periph-%d", m.nextID),
	}
	m.peripherals[p.id] = p
	m.mu.Unlock()
	return p
}

// NewCentral registers a central endpoint and starts its notification
// drainer.
func (m *Medium) NewCentral() *MemoryCentral {
	m.mu.Lock()
	m.nextID++
	c := &MemoryCentral{
		m:     m,
		id:    fmt.Sprintf("central-%d", m.nextID),
		conns: make(map[string]*memConn),
		inbox: make(chan notification, notifyQueueCap),
		done:  make(chan struct{}),
	}
	m.centrals[c.id] = c
	m.mu.Unlock()
	go c.drainNotifications()
	return c
}

// announcers returns the names of centrals currently announcing.
func (m *Medium) announcers() []string {
	m.mu.Lock()
	centrals := m.centralList()
	m.mu.Unlock()
	var names []string
	for _, c := range centrals {
		c.mu.Lock()
		if c.announceName != "" {
			names = append(names, c.announceName)
		}
		c.mu.Unlock()
	}
	return names
}

// advertisers returns current advertisements.
func (m *Medium) advertisers() []Advertisement {
	m.mu.Lock()
	peripherals := m.peripheralList()
	m.mu.Unlock()
	var advs []Advertisement
	for _, p := range peripherals {
		p.mu.Lock()
		if p.advertising {
			advs = append(advs, Advertisement{
				PeripheralID: p.id,
				ServiceUUID:  ServiceUUID,
				LocalName:    p.localName,
			})
		}
		p.mu.Unlock()
	}
	return advs
}

// readyCheck wakes peripherals blocked on a full notification queue once
// the given central's inbox has drained.
func (m *Medium) readyCheck(c *MemoryCentral) {
	if len(c.inbox) != 0 {
		return
	}
	c.mu.Lock()
	peerIDs := make([]string, 0, len(c.conns))
	for pid := range c.conns {
		peerIDs = append(peerIDs, pid)
	}
	c.mu.Unlock()

	for _, pid := range peerIDs {
		p, ok := m.peripheral(pid)
		if !ok {
			continue
		}
		p.mu.Lock()
		waiting := p.awaitingReady
		p.awaitingReady = false
		h := p.handler
		p.mu.Unlock()
		if waiting && h != nil {
			h.ReadyToNotify()
		}
	}
}

type notification struct {
	peripheralID string
	ch           Characteristic
	payload      []byte
}

type memConn struct {
	resolved bool
	subs     map[Characteristic]bool
}

// MemoryPeripheral implements Peripheral over a Medium.
type MemoryPeripheral struct {
	m  *Medium
	id string

	mu            sync.Mutex
	handler       PeripheralHandler
	advertising   bool
	localName     string
	awaitingReady bool
	closed        bool
}

func (p *MemoryPeripheral) ID() string { return p.id }

func (p *MemoryPeripheral) State() State { return p.m.State() }

func (p *MemoryPeripheral) SetHandler(h PeripheralHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *MemoryPeripheral) handlerRef() PeripheralHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *MemoryPeripheral) StartAdvertising(localName string) error {
	if !p.m.on() {
		return ErrRadioOff
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.advertising = true
	p.localName = localName
	h := p.handler
	p.mu.Unlock()

	adv := Advertisement{PeripheralID: p.id, ServiceUUID: ServiceUUID, LocalName: localName}
	p.m.mu.Lock()
	centrals := p.m.centralList()
	p.m.mu.Unlock()
	for _, c := range centrals {
		c.mu.Lock()
		scanning := c.scanning
		ch := c.handler
		c.mu.Unlock()
		if scanning && ch != nil {
			ch.PeripheralDiscovered(adv)
		}
	}

	// Replay current announcers so a window opened late still sees who
	// is already nearby.
	if h != nil {
		for _, name := range p.m.announcers() {
			h.CentralSighted(name)
		}
	}
	return nil
}

func (p *MemoryPeripheral) StopAdvertising() {
	p.mu.Lock()
	p.advertising = false
	p.mu.Unlock()
}

func (p *MemoryPeripheral) Notify(centralID string, ch Characteristic, payload []byte) (bool, error) {
	if !p.m.on() {
		return false, ErrRadioOff
	}
	c, ok := p.m.central(centralID)
	if !ok {
		return false, ErrNotConnected
	}
	c.mu.Lock()
	conn, ok := c.conns[p.id]
	subscribed := ok && conn.subs[ch]
	c.mu.Unlock()
	if !subscribed {
		return false, ErrNotSubscribed
	}

	select {
	case c.inbox <- notification{peripheralID: p.id, ch: ch, payload: payload}:
		return true, nil
	default:
		p.mu.Lock()
		p.awaitingReady = true
		p.mu.Unlock()
		return false, nil
	}
}

func (p *MemoryPeripheral) CancelSubscription(centralID string, ch Characteristic) error {
	c, ok := p.m.central(centralID)
	if !ok {
		return ErrNotConnected
	}
	c.mu.Lock()
	conn, ok := c.conns[p.id]
	if !ok || !conn.subs[ch] {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(conn.subs, ch)
	c.mu.Unlock()

	if h := p.handlerRef(); h != nil {
		h.CentralUnsubscribed(centralID, ch)
	}
	return nil
}

func (p *MemoryPeripheral) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.advertising = false
	p.mu.Unlock()

	p.m.mu.Lock()
	delete(p.m.peripherals, p.id)
	centrals := p.m.centralList()
	p.m.mu.Unlock()

	for _, c := range centrals {
		c.mu.Lock()
		_, connected := c.conns[p.id]
		delete(c.conns, p.id)
		h := c.handler
		c.mu.Unlock()
		if connected && h != nil {
			h.PeripheralDisconnected(p.id, ErrClosed)
		}
	}
}

// MemoryCentral implements Central over a Medium.
type MemoryCentral struct {
	m  *Medium
	id string

	mu           sync.Mutex
	handler      CentralHandler
	scanning     bool
	announceName string
	closed       bool
	conns        map[string]*memConn

	inbox chan notification
	done  chan struct{}
}

func (c *MemoryCentral) ID() string { return c.id }

func (c *MemoryCentral) State() State { return c.m.State() }

func (c *MemoryCentral) SetHandler(h CentralHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *MemoryCentral) handlerRef() CentralHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *MemoryCentral) drainNotifications() {
	for {
		select {
		case <-c.done:
			return
		case n := <-c.inbox:
			if h := c.handlerRef(); h != nil {
				h.Notified(n.peripheralID, n.ch, n.payload)
			}
			c.m.readyCheck(c)
		}
	}
}

func (c *MemoryCentral) StartScan() error {
	if !c.m.on() {
		return ErrRadioOff
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.scanning = true
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		for _, adv := range c.m.advertisers() {
			h.PeripheralDiscovered(adv)
		}
	}
	return nil
}

func (c *MemoryCentral) StopScan() {
	c.mu.Lock()
	c.scanning = false
	c.mu.Unlock()
}

func (c *MemoryCentral) Announce(name string) error {
	if !c.m.on() {
		return ErrRadioOff
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.announceName = name
	c.mu.Unlock()

	c.m.mu.Lock()
	peripherals := c.m.peripheralList()
	c.m.mu.Unlock()
	for _, p := range peripherals {
		if h := p.handlerRef(); h != nil {
			h.CentralSighted(name)
		}
	}
	return nil
}

func (c *MemoryCentral) StopAnnounce() {
	c.mu.Lock()
	c.announceName = ""
	c.mu.Unlock()
}

func (c *MemoryCentral) Connect(peripheralID string) error {
	if !c.m.on() {
		return ErrRadioOff
	}
	_, ok := c.m.peripheral(peripheralID)
	if !ok {
		return ErrUnknownPeripheral
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, exists := c.conns[peripheralID]; !exists {
		c.conns[peripheralID] = &memConn{subs: make(map[Characteristic]bool)}
	}
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h.PeripheralConnected(peripheralID)
	}
	return nil
}

func (c *MemoryCentral) ResolveServices(peripheralID string) error {
	c.mu.Lock()
	conn, ok := c.conns[peripheralID]
	if !ok {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn.resolved = true
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h.ServicesResolved(peripheralID)
	}
	return nil
}

func (c *MemoryCentral) Subscribe(peripheralID string, ch Characteristic) error {
	if !c.m.on() {
		return ErrRadioOff
	}
	c.mu.Lock()
	conn, ok := c.conns[peripheralID]
	if !ok || !conn.resolved {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn.subs[ch] = true
	c.mu.Unlock()

	p, ok := c.m.peripheral(peripheralID)
	if !ok {
		return ErrUnknownPeripheral
	}
	if h := p.handlerRef(); h != nil {
		h.CentralSubscribed(c.id, ch)
	}
	return nil
}

func (c *MemoryCentral) Unsubscribe(peripheralID string, ch Characteristic) error {
	c.mu.Lock()
	conn, ok := c.conns[peripheralID]
	if !ok || !conn.subs[ch] {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(conn.subs, ch)
	c.mu.Unlock()

	if p, ok := c.m.peripheral(peripheralID); ok {
		if h := p.handlerRef(); h != nil {
			h.CentralUnsubscribed(c.id, ch)
		}
	}
	return nil
}

func (c *MemoryCentral) Write(peripheralID string, ch Characteristic, payload []byte, withResponse bool) error {
	if !c.m.on() {
		return ErrRadioOff
	}
	c.mu.Lock()
	conn, ok := c.conns[peripheralID]
	resolved := ok && conn.resolved
	c.mu.Unlock()
	if !resolved {
		if withResponse {
			return ErrNotConnected
		}
		return nil
	}

	p, ok := c.m.peripheral(peripheralID)
	if !ok {
		if withResponse {
			return ErrNotConnected
		}
		return nil
	}
	if h := p.handlerRef(); h != nil {
		h.CentralWrote(c.id, ch, payload)
	}
	return nil
}

func (c *MemoryCentral) Disconnect(peripheralID string) {
	c.mu.Lock()
	conn, ok := c.conns[peripheralID]
	if !ok {
		c.mu.Unlock()
		return
	}
	subs := make([]Characteristic, 0, len(conn.subs))
	for ch := range conn.subs {
		subs = append(subs, ch)
	}
	delete(c.conns, peripheralID)
	h := c.handler
	c.mu.Unlock()

	if p, ok := c.m.peripheral(peripheralID); ok {
		if ph := p.handlerRef(); ph != nil {
			for _, ch := range subs {
				ph.CentralUnsubscribed(c.id, ch)
			}
		}
	}
	if h != nil {
		h.PeripheralDisconnected(peripheralID, nil)
	}
}

// dropAllConns tears down every connection, reporting err to the
// central's handler and unsubscribes to each peripheral.
func (c *MemoryCentral) dropAllConns(err error) {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*memConn)
	h := c.handler
	c.mu.Unlock()

	for pid, conn := range conns {
		if p, ok := c.m.peripheral(pid); ok {
			if ph := p.handlerRef(); ph != nil {
				for ch := range conn.subs {
					ph.CentralUnsubscribed(c.id, ch)
				}
			}
		}
		if h != nil {
			h.PeripheralDisconnected(pid, err)
		}
	}
}

func (c *MemoryCentral) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.scanning = false
	c.announceName = ""
	c.mu.Unlock()

	c.dropAllConns(ErrClosed)

	c.m.mu.Lock()
	delete(c.m.centrals, c.id)
	c.m.mu.Unlock()
	close(c.done)
}
