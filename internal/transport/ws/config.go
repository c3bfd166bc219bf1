package ws

import "time"

// PublisherConfig defines whisperer-side network timing and sizing.
type PublisherConfig struct {
	// Addr is the listen address. Port zero lets the OS pick; the bound
	// port is what gets advertised.
	Addr string

	// HandshakeTimeout bounds accept-to-listen-request for one socket.
	HandshakeTimeout time.Duration

	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration

	// PongWait bounds reader liveness; pings go out at 9/10 of it.
	PongWait time.Duration

	// SendBuffer is the per-connection outbound frame buffer. A full
	// buffer marks the consumer too slow to keep.
	SendBuffer int

	// DropTimeout bounds teardown once a drop notice is queued.
	DropTimeout time.Duration
}

// DefaultPublisherConfig returns the network publisher defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Addr:             ":0",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		SendBuffer:       64,
		DropTimeout:      5 * time.Second,
	}
}

// WithDefaults fills unset fields from DefaultPublisherConfig.
func (c PublisherConfig) WithDefaults() PublisherConfig {
	def := DefaultPublisherConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.DropTimeout <= 0 {
		c.DropTimeout = def.DropTimeout
	}
	return c
}

// SubscriberConfig defines listener-side network timing and sizing.
type SubscriberConfig struct {
	// URL, when set, bypasses discovery and dials one publisher directly.
	// Used for WAN sessions where multicast discovery cannot reach.
	URL string

	// HandshakeTimeout bounds dial-to-subscribed for one candidate.
	HandshakeTimeout time.Duration

	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration

	// PongWait bounds reader liveness; pings go out at 9/10 of it.
	PongWait time.Duration

	// SendBuffer is the outbound frame buffer toward the publisher.
	SendBuffer int

	// DialInitial, DialMax, and DialElapsed shape the exponential backoff
	// around one candidate's dial attempts.
	DialInitial time.Duration
	DialMax     time.Duration
	DialElapsed time.Duration
}

// DefaultSubscriberConfig returns the network subscriber defaults.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		SendBuffer:       16,
		DialInitial:      250 * time.Millisecond,
		DialMax:          5 * time.Second,
		DialElapsed:      30 * time.Second,
	}
}

// WithDefaults fills unset fields from DefaultSubscriberConfig.
func (c SubscriberConfig) WithDefaults() SubscriberConfig {
	def := DefaultSubscriberConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.DialInitial <= 0 {
		c.DialInitial = def.DialInitial
	}
	if c.DialMax <= 0 {
		c.DialMax = def.DialMax
	}
	if c.DialElapsed <= 0 {
		c.DialElapsed = def.DialElapsed
	}
	return c
}
