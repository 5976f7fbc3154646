// Package app wires the broker's components together and owns their
// lifecycle: storage, optional Redis coordination, the token lifecycle
// coordinator, the inbound gate, outbound auth, and the renewal worker.
package app

import (
	"context"

	"github.com/gorilla/mux"

	"auth-broker/internal/adapters"
	"auth-broker/internal/common/logging"
	"auth-broker/internal/config"
	"auth-broker/internal/crypto"
	"auth-broker/internal/gate"
	"auth-broker/internal/handlers"
	"auth-broker/internal/lifecycle"
	"auth-broker/internal/locks"
	"auth-broker/internal/outbound"
	redisclient "auth-broker/internal/redis"
	"auth-broker/internal/renewal"
	"auth-broker/internal/storage"

	// Credential adapters register themselves on import
	_ "auth-broker/internal/adapters/cookie"
	_ "auth-broker/internal/adapters/jwtadapter"
	_ "auth-broker/internal/adapters/oauth2"

	// Storage backends register themselves on import
	_ "auth-broker/internal/storage/postgres"
	_ "auth-broker/internal/storage/sqlite"
)

// App holds the wired application components.
type App struct {
	Config *config.Config

	Storage   storage.Storage
	Redis     *redisclient.Client
	Encryptor *crypto.SecretEncryptor

	Coordinator  *lifecycle.Coordinator
	Gate         *gate.Gate
	Provider     *outbound.Provider
	ErrorHandler *outbound.ErrorHandler
	Worker       *renewal.Worker

	Handlers *handlers.Handlers
	Router   *mux.Router

	logger logging.Logger

	cancelListeners context.CancelFunc
}

// New builds the application from configuration. Components come up in
// dependency order; a failure tears down what already started.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		Config: cfg,
		logger: logging.GetGlobalLogger(),
	}

	if err := a.initializeStorage(); err != nil {
		return nil, err
	}

	a.initializeRedis()

	if err := a.initializeCrypto(); err != nil {
		a.Cleanup()
		return nil, err
	}

	a.initializeCore()
	a.initializeRoutes()

	return a, nil
}

func (a *App) initializeStorage() error {
	store, err := storage.NewStorage(a.Config)
	if err != nil {
		return err
	}

	a.Storage = store
	a.logger.Info("Storage initialized",
		logging.Field{Key: "type", Value: a.Config.DatabaseType},
	)
	return nil
}

// initializeRedis connects the optional coordination layer. The broker
// runs without it; distributed scan election and policy reload fan-out
// just stay local.
func (a *App) initializeRedis() {
	if a.Config.RedisAddress == "" {
		return
	}

	client, err := redisclient.NewClient(&redisclient.Config{
		Address:  a.Config.RedisAddress,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	if err != nil {
		a.logger.Warn("Redis unavailable, continuing without coordination",
			logging.Field{Key: "error", Value: err.Error()},
		)
		return
	}

	a.Redis = client
	a.logger.Info("Redis connected",
		logging.Field{Key: "address", Value: a.Config.RedisAddress},
	)
}

func (a *App) initializeCrypto() error {
	encryptor, err := crypto.NewSecretEncryptor(a.Config.EncryptionKey)
	if err != nil {
		return err
	}

	a.Encryptor = encryptor
	return nil
}

func (a *App) initializeCore() {
	a.Coordinator = lifecycle.NewCoordinator(a.Storage, a.Encryptor, a.logger)

	deps := adapters.Deps{
		Encryptor: a.Encryptor,
		Tokens:    a.Coordinator,
		Logger:    a.logger,
	}

	a.Gate = gate.NewGate(gate.Config{
		Store:         a.Storage,
		AdapterDeps:   deps,
		Redis:         a.Redis,
		AdapterHeader: a.Config.AdapterHeader,
		Logger:        a.logger,
	})

	a.Provider = outbound.NewProvider(a.Storage, a.Coordinator, deps, a.logger)
	a.ErrorHandler = outbound.NewErrorHandler(a.Storage, a.Coordinator, a.logger)

	if a.Config.RenewalEnabled {
		var lockManager *locks.Manager
		if a.Redis != nil {
			lockManager = locks.NewManager(a.Redis)
		}

		a.Worker = renewal.NewWorker(renewal.Config{
			Schedule:    a.Config.RenewalSchedule,
			Threshold:   a.Config.RenewalThreshold,
			Coordinator: a.Coordinator,
			Store:       a.Storage,
			AdapterDeps: deps,
			Locks:       lockManager,
			Logger:      a.logger,
		})
	}
}

func (a *App) initializeRoutes() {
	a.Handlers = handlers.New(a.Storage, a.Coordinator, a.Provider, a.Gate, a.Redis, a.logger)

	a.Router = mux.NewRouter()
	SetupRoutes(a.Router, a.Handlers, a.Gate)
}

// Start loads policies and launches the background pieces: the reload
// listener and the renewal worker.
func (a *App) Start(ctx context.Context) error {
	if err := a.Gate.ReloadPolicies(ctx); err != nil {
		return err
	}

	listenerCtx, cancel := context.WithCancel(context.Background())
	a.cancelListeners = cancel
	a.Gate.StartReloadListener(listenerCtx)

	if a.Worker != nil {
		if err := a.Worker.Start(); err != nil {
			return err
		}
	}

	return nil
}

// Cleanup stops background work and closes connections. Safe to call
// on a partially constructed App.
func (a *App) Cleanup() {
	if a.cancelListeners != nil {
		a.cancelListeners()
	}

	if a.Worker != nil {
		a.Worker.Stop()
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis connection",
				logging.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.logger.Warn("Failed to close storage",
				logging.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}
