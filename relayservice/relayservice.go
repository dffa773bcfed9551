// Package relayservice wires the HTTP API server and the background
// ingestion pipeline into a single runnable service.
package relayservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/relayworks/go-relay-service/internal/api"
	"github.com/relayworks/go-relay-service/internal/pipeline"
	"github.com/relayworks/go-relay-service/internal/push"
	"github.com/relayworks/go-relay-service/internal/router"
	"github.com/relayworks/go-relay-service/pkg/relay"
	"github.com/relayworks/go-relay-service/relayservice/config"
)

// Wrapper owns the API HTTP server and the ingestion pipeline. The
// websocket connection manager runs as a sibling service; see
// internal/realtime.
type Wrapper struct {
	server     *http.Server
	pipeline   *pipeline.Service
	dispatcher *push.Dispatcher
	logger     zerolog.Logger
	ready      atomic.Bool
}

// New creates and wires up the relay service around an already-constructed
// router and dispatcher.
func New(
	cfg *config.AppConfig,
	deps *relay.ServiceDependencies,
	rtr *router.Router,
	dispatcher *push.Dispatcher,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if rtr == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}

	w := &Wrapper{
		dispatcher: dispatcher,
		logger:     logger,
	}

	apiHandler := api.NewAPI(deps.Ingestor, deps.Queue, deps.Credentials, logger)

	// Pipeline workers feed bus events straight into the router; the
	// router owns validation and drop decisions.
	pipelineSvc, err := pipeline.NewService(
		cfg.NumPipelineWorkers,
		deps.IngestConsumer,
		func(ctx context.Context, evt pipeline.Event) {
			rtr.HandleInbound(ctx, relay.Identity(evt.Recipient), evt.Raw)
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	w.pipeline = pipelineSvc

	mux := http.NewServeMux()
	mux.Handle("POST /api/send/{recipient}", authMiddleware(http.HandlerFunc(apiHandler.SendHandler)))
	mux.Handle("GET /api/queue", authMiddleware(http.HandlerFunc(apiHandler.PeekHandler)))
	mux.Handle("PUT /api/credentials", authMiddleware(http.HandlerFunc(apiHandler.RegisterCredentialHandler)))
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.ready.Load() {
			rw.WriteHeader(http.StatusOK)
			return
		}
		rw.WriteHeader(http.StatusServiceUnavailable)
	})

	w.server = &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: mux,
	}

	return w, nil
}

// Start runs the ingestion pipeline and then serves the HTTP API. The
// service is marked ready once the listener is active. Start blocks until
// the server exits.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info().Msg("Ingestion pipeline starting...")
	if err := w.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	ln, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.server.Addr, err)
	}

	w.ready.Store(true)
	w.logger.Info().Str("addr", w.server.Addr).Msg("HTTP listener is active. Service is ready.")

	if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Ready reports whether the HTTP listener is accepting requests.
func (w *Wrapper) Ready() bool { return w.ready.Load() }

// Shutdown gracefully stops all service components in the correct order:
// stop consuming, let in-flight push dispatches finish, then close the
// HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.ready.Store(false)
	var finalErr error

	if err := w.pipeline.Stop(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Pipeline shutdown failed.")
		finalErr = err
	}

	w.dispatcher.Wait()

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
