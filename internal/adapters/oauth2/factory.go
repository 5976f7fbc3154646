package oauth2

import (
	"auth-broker/internal/adapters"
	"auth-broker/internal/storage"
)

// Factory builds OAuth2 adapters.
type Factory struct{}

func (f *Factory) Kind() string {
	return storage.KindOAuth2
}

func (f *Factory) Create(config *storage.CredentialConfig, deps adapters.Deps) (adapters.Adapter, error) {
	return New(config, deps)
}

func init() {
	adapters.Register(storage.KindOAuth2, &Factory{})
}
