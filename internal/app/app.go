// Package app contains the shared logic for starting and stopping the
// service processes.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayworks/go-relay-service/internal/realtime"
	"github.com/relayworks/go-relay-service/relayservice"
)

const shutdownTimeout = 15 * time.Second

// Run executes the main application lifecycle. It starts the API service
// and the websocket connection manager, listens for OS signals, and
// performs a graceful shutdown of both.
func Run(
	ctx context.Context,
	logger zerolog.Logger,
	apiService *relayservice.Wrapper,
	connManager *realtime.ConnectionManager,
) {
	var wg sync.WaitGroup
	wg.Add(2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting API Service...")
		err := apiService.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("API Service failed")
			cancel()
		}
	}()

	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting Connection Manager Service...")
		err := connManager.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Connection Manager Service failed")
			cancel()
		}
	}()

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

	logger.Info().Msg("Shutting down API Service...")
	if err := apiService.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API Service shutdown failed.")
	}

	logger.Info().Msg("Shutting down Connection Manager...")
	if err := connManager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Connection Manager shutdown failed.")
	}

	wg.Wait()
	logger.Info().Msg("All services shut down gracefully.")
}
