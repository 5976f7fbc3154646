// Package config loads service configuration from environment
// variables with sensible defaults for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full service configuration.
type Config struct {
	// HTTP server
	ServerHost      string
	ServerPort      int
	ShutdownTimeout time.Duration

	// Storage backend: sqlite or postgres
	DatabaseType string
	DatabasePath string

	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis, optional. Empty address disables distributed locking and
	// policy reload fan-out; single-instance deployments run without it.
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	// EncryptionKey seals credential secrets and cached tokens at rest.
	EncryptionKey string

	// Renewal worker
	RenewalEnabled   bool
	RenewalSchedule  string
	RenewalThreshold time.Duration

	// AdapterHeader selects the adapter on multi-tenant policies.
	AdapterHeader string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		ServerHost:      getEnv("SERVER_HOST", ""),
		ServerPort:      getEnvInt("SERVER_PORT", 8085),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseType: getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath: getEnv("DATABASE_PATH", "./auth-broker.db"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "auth_broker"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "prefer"),

		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		RenewalEnabled:   getEnvBool("RENEWAL_ENABLED", true),
		RenewalSchedule:  getEnv("RENEWAL_SCHEDULE", "@every 1m"),
		RenewalThreshold: getEnvDuration("RENEWAL_THRESHOLD", 5*time.Minute),

		AdapterHeader: getEnv("ADAPTER_HEADER", "X-Auth-Adapter"),
	}
}

// Validate checks the configuration before the service starts.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}

	switch c.DatabaseType {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for sqlite storage")
		}
	case "postgres":
		if c.PostgresHost == "" || c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_HOST and POSTGRES_DB are required for postgres storage")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.EncryptionKey) < 16 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 16 characters")
	}

	if c.RenewalEnabled && c.RenewalThreshold <= 0 {
		return fmt.Errorf("invalid renewal threshold: %v", c.RenewalThreshold)
	}

	return nil
}

// ServerAddress returns the host:port the HTTP server binds to.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
