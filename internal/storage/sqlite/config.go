package sqlite

import (
	"fmt"
)

type Config struct {
	Path string
}

func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("SQLite database path is required")
	}
	return nil
}

func (c *Config) GetType() string {
	return "sqlite"
}

func (c *Config) GetConnectionString() string {
	// Busy timeout keeps concurrent CAS writers queueing instead of
	// failing with SQLITE_BUSY.
	return fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", c.Path)
}

func DefaultConfig() *Config {
	return &Config{
		Path: "./auth-broker.db",
	}
}
