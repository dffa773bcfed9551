package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relayworks/go-relay-service/internal/middleware"
	"github.com/relayworks/go-relay-service/pkg/relay"
)

// MessageRouter is the entry point the connection manager feeds inbound
// frames into.
type MessageRouter interface {
	HandleInbound(ctx context.Context, recipient relay.Identity, raw []byte)
	HandleDrain(ctx context.Context, identity relay.Identity) ([]*relay.Message, error)
}

// inboundFrame is the wire shape of a client-to-server websocket frame.
//
//	{"type":"send","to":"<identity>","message":{...}}
//	{"type":"drain"}
type inboundFrame struct {
	Type    string          `json:"type"`
	To      string          `json:"to,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

const (
	frameTypeSend  = "send"
	frameTypeDrain = "drain"
)

// ConnectionManager manages all active WebSocket connections. It runs its
// own dedicated HTTP server and bridges attached clients to the router:
// inbound "send" frames become routed events, and a "drain" frame flushes
// the connection's own queue back down the requesting connection.
type ConnectionManager struct {
	server     *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	router     MessageRouter
	logger     zerolog.Logger
	instanceID string
}

// NewConnectionManager creates and wires up a new WebSocket connection
// manager listening on addr. allowedOrigins limits upgrade requests; an
// empty list allows any origin.
func NewConnectionManager(
	addr string,
	authMiddleware func(http.Handler) http.Handler,
	hub *Hub,
	router MessageRouter,
	allowedOrigins []string,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if hub == nil {
		return nil, fmt.Errorf("hub cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}

	instanceID := uuid.NewString()
	cmLogger := logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger()

	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		hub:        hub,
		router:     router,
		logger:     cmLogger,
		instanceID: instanceID,
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", authMiddleware(http.HandlerFunc(cm.connectHandler)))
	cm.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return cm, nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(_ *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(_ context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		return err
	}
	cm.logger.Info().Msg("WebSocket service shut down.")
	return nil
}

// connectHandler upgrades a new HTTP request to a WebSocket and manages its
// lifecycle.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	authedID, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	identity := relay.Identity(authedID)

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			cm.logger.Warn().Err(err).Msg("error closing connection")
		}
	}()

	c := cm.hub.Attach(identity, conn)
	defer cm.hub.Detach(c)

	log := cm.logger.With().Str("identity", identity.String()).Logger()
	log.Info().Msg("Listener attached via WebSocket.")

	cm.readLoop(r.Context(), c, log)

	log.Info().Msg("Listener detached.")
}

// readLoop consumes frames until the client disconnects. Frame handling
// failures never terminate the connection; only a transport-level read
// error does.
func (cm *ConnectionManager) readLoop(ctx context.Context, c *client, log zerolog.Logger) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return // Client disconnected or transport error.
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Warn().Err(err).Msg("Dropping unparseable frame")
			continue
		}

		switch frame.Type {
		case frameTypeSend:
			// The channel name on the frame is used directly as the
			// recipient identity; the router does all further validation.
			cm.router.HandleInbound(ctx, relay.Identity(frame.To), frame.Message)

		case frameTypeDrain:
			cm.drainTo(ctx, c, log)

		default:
			log.Warn().Str("type", frame.Type).Msg("Dropping frame of unknown type")
		}
	}
}

// drainTo flushes the connection's own queue down the requesting connection
// in FIFO order.
func (cm *ConnectionManager) drainTo(ctx context.Context, c *client, log zerolog.Logger) {
	msgs, err := cm.router.HandleDrain(ctx, c.identity)
	if err != nil {
		log.Error().Err(err).Msg("Drain request failed")
		return
	}
	for _, msg := range msgs {
		if err := c.submit(msg); err != nil {
			// The messages are already cleared from the queue, so losing the
			// connection here is the accepted loss window of drain-equals-ack.
			log.Warn().Err(err).Msg("Failed to queue drained message for writing")
			return
		}
	}
}
