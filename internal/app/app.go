// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-message-hub/messagehub"
)

const shutdownTimeout = 15 * time.Second

// Run executes the main application lifecycle for the hub. It starts the
// service, listens for OS signals, and performs a graceful shutdown.
func Run(ctx context.Context, logger zerolog.Logger, service *messagehub.Wrapper) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		logger.Info().Msg("Starting hub service...")
		if err := service.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Hub service failed")
			cancel()
		}
	}()

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info().Msg("Shutting down hub service...")
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Hub service shutdown failed.")
	}

	<-serviceDone
	logger.Info().Msg("All services shut down gracefully.")
}
