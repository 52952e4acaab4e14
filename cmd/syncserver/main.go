// Command syncserver runs the real-time event-sync server: a WebSocket
// front door over a per-store append-only event log.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/syncserver/internal/config"
	"github.com/adred-codev/syncserver/internal/identity"
	"github.com/adred-codev/syncserver/internal/logging"
	"github.com/adred-codev/syncserver/internal/metrics"
	"github.com/adred-codev/syncserver/internal/session"
	"github.com/adred-codev/syncserver/internal/store"
	"github.com/adred-codev/syncserver/internal/store/migrations"
	"github.com/adred-codev/syncserver/internal/transport"
)

func main() {
	bootstrapLogger := logging.New("info", "console")

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("environment", cfg.Environment).Msg("starting syncserver")

	if err := migrations.Run(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	eventStore, err := store.NewPostgresStore(cfg.DatabaseURL, cfg.PersistenceVersion, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		CommandTimeout:  cfg.DBCommandTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open event store")
	}

	metrics.Register()

	stopMetrics := make(chan struct{})
	go metrics.SampleProcessStats(cfg.MetricsInterval, stopMetrics)

	sessions := session.NewManager()

	verifier := identity.NewVerifier(identity.Config{
		JWTSigningKey:   cfg.JWTSigningKey,
		LegacyAuthToken: cfg.LegacyAuthToken,
		AdminSecret:     cfg.AdminSecret,
	})

	srv := transport.NewServer(transport.Config{
		Addr:             cfg.Addr,
		MaxConnections:   cfg.MaxConnections,
		MessageRateLimit: float64(cfg.MessageRateLimit),
		MessageRateBurst: cfg.MessageRateBurst,
		PullChunkSize:    cfg.PullChunkSize,
		AdminSecret:      cfg.AdminSecret,
	}, logger, sessions, eventStore, verifier)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start transport server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	close(stopMetrics)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
