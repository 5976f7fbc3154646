package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"

	"auth-broker/internal/common/logging"
	"auth-broker/internal/config"
	"auth-broker/internal/server"
)

// Run is the service entrypoint: load configuration, wire the app,
// serve until a signal arrives, then shut down gracefully.
func Run() error {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	runtime.GOMAXPROCS(runtime.NumCPU())

	logger, err := logging.NewZapLogger(logging.DefaultLogConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	if zl, ok := logger.(*logging.ZapAdapter); ok {
		defer zl.Sync()
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer a.Cleanup()

	startCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	err = a.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	srv := server.New(a.Router, cfg.ServerAddress())
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("Auth broker started",
		logging.Field{Key: "address", Value: cfg.ServerAddress()},
		logging.Field{Key: "storage", Value: cfg.DatabaseType},
		logging.Field{Key: "renewal_enabled", Value: cfg.RenewalEnabled},
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("Auth broker stopped")
	return nil
}
