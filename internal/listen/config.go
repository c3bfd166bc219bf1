package listen

// Config tunes a listener session.
type Config struct {
	// HistoryLimit bounds the reconstructed history ring.
	HistoryLimit int

	// StatusAddr serves the gin status surface when non-empty.
	StatusAddr string

	// AdminOrigins lists browser origins allowed on the status surface.
	// Empty falls back to the local dev panel origin.
	AdminOrigins []string
}

// DefaultConfig mirrors the whisperer-side defaults so a replayed
// session fits on either end.
var DefaultConfig = Config{
	HistoryLimit: 256,
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultConfig.HistoryLimit
	}
	return c
}
