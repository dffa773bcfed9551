package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/go-relay-service/internal/middleware"
	"github.com/relayworks/go-relay-service/internal/queue"
	"github.com/relayworks/go-relay-service/internal/test/fakes"
	"github.com/relayworks/go-relay-service/pkg/relay"
)

type apiFixture struct {
	api       *API
	queue     *queue.MemoryQueue
	directory *fakes.InMemoryDirectory
	ingested  []ingestRecord
}

type ingestRecord struct {
	recipient relay.Identity
	raw       []byte
}

func setup(t *testing.T) *apiFixture {
	t.Helper()
	fx := &apiFixture{
		queue:     queue.NewMemoryQueue(zerolog.Nop()),
		directory: fakes.NewInMemoryDirectory(),
	}
	ingestor := &fakes.DirectIngestor{
		Handle: func(_ context.Context, recipient relay.Identity, raw []byte) {
			fx.ingested = append(fx.ingested, ingestRecord{recipient: recipient, raw: raw})
		},
	}
	fx.api = NewAPI(ingestor, fx.queue, fx.directory, zerolog.Nop())
	return fx
}

func authedRequest(method, target, body, identity string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	return r.WithContext(middleware.WithIdentity(r.Context(), identity))
}

func TestSendHandler_AcceptsValidMessage(t *testing.T) {
	fx := setup(t)

	body := `{"event":"Ping","payload":{"n":1},"timestamp":1000}`
	r := httptest.NewRequest(http.MethodPost, "/api/send/bob", strings.NewReader(body))
	r.SetPathValue("recipient", "bob")
	w := httptest.NewRecorder()

	fx.api.SendHandler(w, r)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, fx.ingested, 1)
	assert.Equal(t, relay.Identity("bob"), fx.ingested[0].recipient)
	assert.JSONEq(t, body, string(fx.ingested[0].raw))
}

func TestSendHandler_RejectsMalformedMessage(t *testing.T) {
	fx := setup(t)

	cases := map[string]string{
		"not json":          `this is not JSON`,
		"missing event":     `{"payload":{},"timestamp":1}`,
		"empty event":       `{"event":"","payload":{},"timestamp":1}`,
		"null payload":      `{"event":"Ping","payload":null,"timestamp":1}`,
		"missing timestamp": `{"event":"Ping","payload":{}}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/send/bob", strings.NewReader(body))
			r.SetPathValue("recipient", "bob")
			w := httptest.NewRecorder()

			fx.api.SendHandler(w, r)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, fx.ingested, "a rejected message must never be submitted")
		})
	}
}

func TestPeekHandler_ReturnsPendingMessagesWithoutDraining(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	for _, ev := range []string{"First", "Second"} {
		msg := &relay.Message{Event: ev, Payload: json.RawMessage(`{}`), Timestamp: 1}
		require.NoError(t, fx.queue.Enqueue(ctx, "alice", msg))
	}

	w := httptest.NewRecorder()
	fx.api.PeekHandler(w, authedRequest(http.MethodGet, "/api/queue", "", "alice"))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Identity string           `json:"identity"`
		Count    int              `json:"count"`
		Messages []*relay.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Identity)
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "First", resp.Messages[0].Event)
	assert.Equal(t, "Second", resp.Messages[1].Event)

	// Peek must not mutate the queue.
	pending, err := fx.queue.PeekAll(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestPeekHandler_RequiresAuthentication(t *testing.T) {
	fx := setup(t)

	w := httptest.NewRecorder()
	fx.api.PeekHandler(w, httptest.NewRequest(http.MethodGet, "/api/queue", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterCredentialHandler_StoresCredential(t *testing.T) {
	fx := setup(t)

	body := `{"deviceId":"device-1","token":"tok-1"}`
	w := httptest.NewRecorder()
	fx.api.RegisterCredentialHandler(w, authedRequest(http.MethodPut, "/api/credentials", body, "alice"))

	require.Equal(t, http.StatusNoContent, w.Code)

	cred, err := fx.directory.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "device-1", cred.DeviceID)
	assert.Equal(t, "tok-1", cred.Token)
}

func TestRegisterCredentialHandler_ReplacesPreviousCredential(t *testing.T) {
	fx := setup(t)

	for _, body := range []string{
		`{"deviceId":"device-1","token":"tok-1"}`,
		`{"deviceId":"device-2","token":"tok-2"}`,
	} {
		w := httptest.NewRecorder()
		fx.api.RegisterCredentialHandler(w, authedRequest(http.MethodPut, "/api/credentials", body, "carol"))
		require.Equal(t, http.StatusNoContent, w.Code)
	}

	cred, err := fx.directory.Lookup(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cred.Token)
}

func TestRegisterCredentialHandler_ValidatesBody(t *testing.T) {
	fx := setup(t)

	cases := map[string]string{
		"not json":       `nope`,
		"missing token":  `{"deviceId":"device-1"}`,
		"missing device": `{"token":"tok-1"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			fx.api.RegisterCredentialHandler(w, authedRequest(http.MethodPut, "/api/credentials", body, "alice"))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRegisterCredentialHandler_RequiresAuthentication(t *testing.T) {
	fx := setup(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPut, "/api/credentials", strings.NewReader(`{"deviceId":"d","token":"t"}`))
	fx.api.RegisterCredentialHandler(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
