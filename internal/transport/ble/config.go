package ble

import "time"

// PublisherConfig defines whisperer-side radio timing defaults.
type PublisherConfig struct {
	// AdvertiseIdle closes the advertising window when no qualifying
	// listener has been sighted for this long.
	AdvertiseIdle time.Duration

	// AdvertiseMax caps one advertising window regardless of sightings.
	AdvertiseMax time.Duration

	// HandshakeTimeout bounds how long a candidate may sit between first
	// contact and a live content subscription.
	HandshakeTimeout time.Duration

	// DropTimeout bounds the wait for unsubscribe acknowledgements
	// during teardown.
	DropTimeout time.Duration
}

// DefaultPublisherConfig returns the radio publisher timing defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		AdvertiseIdle:    2 * time.Second,
		AdvertiseMax:     30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		DropTimeout:      5 * time.Second,
	}
}

// WithDefaults fills unset fields from DefaultPublisherConfig.
func (c PublisherConfig) WithDefaults() PublisherConfig {
	def := DefaultPublisherConfig()
	if c.AdvertiseIdle <= 0 {
		c.AdvertiseIdle = def.AdvertiseIdle
	}
	if c.AdvertiseMax <= 0 {
		c.AdvertiseMax = def.AdvertiseMax
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.DropTimeout <= 0 {
		c.DropTimeout = def.DropTimeout
	}
	return c
}

// SubscriberConfig defines listener-side radio timing defaults.
type SubscriberConfig struct {
	// HandshakeTimeout bounds one candidate's connect-resolve-pair
	// sequence.
	HandshakeTimeout time.Duration
}

// DefaultSubscriberConfig returns the radio subscriber timing defaults.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		HandshakeTimeout: 10 * time.Second,
	}
}

// WithDefaults fills unset fields from DefaultSubscriberConfig.
func (c SubscriberConfig) WithDefaults() SubscriberConfig {
	def := DefaultSubscriberConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	return c
}
