package docstore

// Config holds settings shared by every backend.
type Config struct {
	// MaxAttempts is how many times a transaction function runs before the
	// transaction fails with ErrTxAborted.
	// Default: 5
	// Max: 100
	MaxAttempts int
}

// DefaultConfig returns the defaults used by all backends.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5}
}

// Validate clamps config values into acceptable bounds.
func (c *Config) Validate() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.MaxAttempts > 100 {
		c.MaxAttempts = 100
	}
}
