package cookie

import (
	"auth-broker/internal/adapters"
	"auth-broker/internal/storage"
)

// Factory builds cookie adapters.
type Factory struct{}

func (f *Factory) Kind() string {
	return storage.KindCookie
}

func (f *Factory) Create(config *storage.CredentialConfig, deps adapters.Deps) (adapters.Adapter, error) {
	return New(config, deps)
}

func init() {
	adapters.Register(storage.KindCookie, &Factory{})
}
