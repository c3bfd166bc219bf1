package whisper

// Config carries the whisperer session knobs.
type Config struct {
	// HistoryLimit bounds the committed-line ring. Oldest lines fall off.
	HistoryLimit int

	// CatchUpHistory bounds how many committed lines a late joiner is
	// replayed. The live line is always included.
	CatchUpHistory int

	// StatusAddr serves the gin status and metrics surface when set.
	// Empty disables the surface entirely.
	StatusAddr string

	// AdminOrigins lists browser origins allowed on the status surface.
	// Empty falls back to the local dev panel origin.
	AdminOrigins []string
}

func DefaultConfig() Config {
	return Config{
		HistoryLimit:   256,
		CatchUpHistory: 32,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.CatchUpHistory <= 0 {
		c.CatchUpHistory = d.CatchUpHistory
	}
	return c
}
