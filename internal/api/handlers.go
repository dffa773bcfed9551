// Package api defines the HTTP handlers for the relay service: event
// submission, queue introspection, and push credential registration.
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/relayworks/go-relay-service/internal/middleware"
	"github.com/relayworks/go-relay-service/pkg/relay"
)

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	ingestor    relay.Ingestor
	queue       relay.RecipientQueue
	credentials relay.CredentialDirectory
	logger      zerolog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(ingestor relay.Ingestor, queue relay.RecipientQueue, credentials relay.CredentialDirectory, logger zerolog.Logger) *API {
	return &API{
		ingestor:    ingestor,
		queue:       queue,
		credentials: credentials,
		logger:      logger.With().Str("component", "API").Logger(),
	}
}

// SendHandler accepts an inbound event addressed to the recipient named in
// the path and submits it for routing. The body is checked for message
// shape before submission so an obviously malformed event is rejected at
// the edge instead of silently dropped by the router.
func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	recipient := relay.Identity(r.PathValue("recipient"))
	log := a.logger.With().Str("recipient", recipient.String()).Logger()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if _, err := relay.ParseMessage(body); err != nil {
		log.Warn().Err(err).Msg("Rejecting malformed message")
		writeJSONError(w, http.StatusBadRequest, "invalid message format")
		return
	}

	if err := a.ingestor.Ingest(r.Context(), recipient, body); err != nil {
		log.Error().Err(err).Msg("Failed to submit message for routing")
		writeJSONError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	log.Debug().Msg("Message accepted for routing")
	w.WriteHeader(http.StatusAccepted)
}

// queueResponse is the body returned by PeekHandler.
type queueResponse struct {
	Identity string           `json:"identity"`
	Count    int              `json:"count"`
	Messages []*relay.Message `json:"messages"`
}

// PeekHandler returns the authed identity's pending messages without
// mutating the queue. Introspection only; draining happens over the live
// connection.
func (a *API) PeekHandler(w http.ResponseWriter, r *http.Request) {
	authedID, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	identity := relay.Identity(authedID)

	msgs, err := a.queue.PeekAll(r.Context(), identity)
	if err != nil {
		a.logger.Error().Err(err).Str("identity", identity.String()).Msg("Failed to peek queue")
		writeJSONError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}

	writeJSON(w, http.StatusOK, queueResponse{
		Identity: identity.String(),
		Count:    len(msgs),
		Messages: msgs,
	})
}

// registerCredentialRequest is the body accepted by
// RegisterCredentialHandler.
type registerCredentialRequest struct {
	DeviceID string `json:"deviceId"`
	Token    string `json:"token"`
}

// RegisterCredentialHandler stores the authed identity's push credential,
// replacing any previous one.
func (a *API) RegisterCredentialHandler(w http.ResponseWriter, r *http.Request) {
	authedID, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	identity := relay.Identity(authedID)

	var req registerCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" || req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "deviceId and token are required")
		return
	}

	if err := a.credentials.Register(r.Context(), identity, req.DeviceID, req.Token); err != nil {
		a.logger.Error().Err(err).Str("identity", identity.String()).Msg("Failed to register credential")
		writeJSONError(w, http.StatusInternalServerError, "failed to register credential")
		return
	}

	a.logger.Info().Str("identity", identity.String()).Msg("Push credential registered")
	w.WriteHeader(http.StatusNoContent)
}
