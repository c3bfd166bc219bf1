package composite

import "time"

// Config defines multi-path startup timing.
type Config struct {
	// LocalStartDelay is the grace period between the network path
	// starting and the radio path joining it. A network-capable peer gets
	// that long to finish its handshake before the radio path starts
	// competing for the same logical peer.
	LocalStartDelay time.Duration
}

// DefaultConfig returns the composite transport defaults.
func DefaultConfig() Config {
	return Config{LocalStartDelay: 2 * time.Second}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.LocalStartDelay <= 0 {
		c.LocalStartDelay = def.LocalStartDelay
	}
	return c
}
