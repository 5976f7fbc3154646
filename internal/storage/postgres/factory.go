package postgres

import (
	"fmt"

	"auth-broker/internal/storage"
)

type Factory struct{}

func (f *Factory) Create(config storage.StorageConfig) (storage.Storage, error) {
	switch c := config.(type) {
	case *Config:
		return NewAdapter(c)
	case storage.GenericConfig:
		return NewAdapter(configFromGeneric(c))
	default:
		return nil, fmt.Errorf("invalid config type for PostgreSQL storage")
	}
}

func (f *Factory) GetType() string {
	return "postgres"
}

func configFromGeneric(gc storage.GenericConfig) *Config {
	config := DefaultConfig()

	if host, ok := gc["host"].(string); ok && host != "" {
		config.Host = host
	}
	if port, ok := gc["port"].(int); ok && port > 0 {
		config.Port = port
	}
	if database, ok := gc["database"].(string); ok && database != "" {
		config.Database = database
	}
	if username, ok := gc["username"].(string); ok && username != "" {
		config.Username = username
	}
	if password, ok := gc["password"].(string); ok {
		config.Password = password
	}
	if sslMode, ok := gc["sslmode"].(string); ok && sslMode != "" {
		config.SSLMode = sslMode
	}

	return config
}

func init() {
	storage.Register("postgres", &Factory{})
}
