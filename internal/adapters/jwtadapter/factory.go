package jwtadapter

import (
	"auth-broker/internal/adapters"
	"auth-broker/internal/storage"
)

// Factory builds JWT adapters.
type Factory struct{}

func (f *Factory) Kind() string {
	return storage.KindJWT
}

func (f *Factory) Create(config *storage.CredentialConfig, deps adapters.Deps) (adapters.Adapter, error) {
	return New(config, deps)
}

func init() {
	adapters.Register(storage.KindJWT, &Factory{})
}
