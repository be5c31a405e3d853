package dynamo

import "time"

// Config holds configuration for the DynamoDB store.
type Config struct {
	// TablePrefix is prepended to a collection name to form its table name.
	// Default: "" (the table is named after the collection)
	TablePrefix string

	// MaxAttempts is how many times a transaction runs before giving up.
	// Default: 5
	// Max: 100
	MaxAttempts int

	// RetryBackoff is the base delay between transaction attempts, doubled
	// after each conflict up to txn.DefaultMaxBackoff.
	// Default: 10ms
	RetryBackoff time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		RetryBackoff: 10 * time.Millisecond,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.MaxAttempts > 100 {
		c.MaxAttempts = 100
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
}
