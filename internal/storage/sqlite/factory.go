package sqlite

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
		cfg := DefaultConfig()
		if path, ok := c["path"].(string); ok && path != "" {
			cfg.Path = path
		}
		return NewAdapter(cfg)
	default:
		return nil, fmt.Errorf("invalid config type for SQLite storage")
	}
}

func (f *Factory) GetType() string {
	return "sqlite"
}

func init() {
	storage.Register("sqlite", &Factory{})
}
