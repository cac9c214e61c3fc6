// Package main is the entry point for the moves engine: a single-user
// investment operations service that turns theses into signals, signals
// into risk-checked orders, and orders into an auditable book.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"moves/internal/config"
	"moves/internal/di"
	"moves/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("db", cfg.DatabasePath()).
		Int("port", cfg.Port).
		Msg("Starting moves")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer func() {
		if err := container.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	warnings, err := container.Orchestrator.Startup(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Startup check failed")
	}
	for _, w := range warnings {
		log.Warn().Str("warning", w).Msg("Startup check")
	}

	container.Scheduler.Start()
	log.Info().Msg("Scheduler started")

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- container.Server.Start(cfg.Port)
	}()
	log.Info().Int("port", cfg.Port).Msg("HTTP server listening")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	container.Scheduler.Stop()
	log.Info().Msg("Scheduler stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
