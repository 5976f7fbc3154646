package postgres

import (
	"fmt"

	"auth-broker/internal/common/errors"
)

type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		Database: "auth_broker",
		Username: "postgres",
		SSLMode:  "prefer",
	}
}

// Validate checks required fields and fills defaults for optional ones.
func (c *Config) Validate() error {
	if c.Host == "" || c.Database == "" || c.Username == "" {
		return errors.ConfigError("postgres host, database, and username are required")
	}
	if c.Port <= 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "prefer"
	}
	return nil
}

func (c *Config) GetType() string {
	return "postgres"
}

func (c *Config) GetConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}
