package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/go-relay-service/internal/middleware"
	"github.com/relayworks/go-relay-service/pkg/relay"
)

// stubRouter records inbound frames and serves canned drain results.
type stubRouter struct {
	mu       sync.Mutex
	inbound  []inboundRecord
	notify   chan struct{}
	drainMsg []*relay.Message
	drainErr error
}

type inboundRecord struct {
	recipient relay.Identity
	raw       []byte
}

func newStubRouter() *stubRouter {
	return &stubRouter{notify: make(chan struct{}, 16)}
}

func (r *stubRouter) HandleInbound(_ context.Context, recipient relay.Identity, raw []byte) {
	r.mu.Lock()
	r.inbound = append(r.inbound, inboundRecord{recipient: recipient, raw: raw})
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *stubRouter) HandleDrain(_ context.Context, _ relay.Identity) ([]*relay.Message, error) {
	return r.drainMsg, r.drainErr
}

func (r *stubRouter) received() []inboundRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]inboundRecord, len(r.inbound))
	copy(out, r.inbound)
	return out
}

// queryParamAuth stands in for the JWKS middleware: the identity rides on
// the "id" query parameter.
func queryParamAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), id)))
	})
}

type wsFixture struct {
	hub    *Hub
	router *stubRouter
	server *httptest.Server
}

func setupWsFixture(t *testing.T) *wsFixture {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	router := newStubRouter()

	cm, err := NewConnectionManager(":0", queryParamAuth, hub, router, nil, zerolog.Nop())
	require.NoError(t, err)

	server := httptest.NewServer(queryParamAuth(http.HandlerFunc(cm.connectHandler)))
	t.Cleanup(server.Close)

	return &wsFixture{hub: hub, router: router, server: server}
}

func (fx *wsFixture) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/connect?id=" + identity
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestConnectionManager_RejectsUnauthenticatedUpgrade(t *testing.T) {
	fx := setupWsFixture(t)

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/connect"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectionManager_AttachesAndDetachesListener(t *testing.T) {
	fx := setupWsFixture(t)

	conn := fx.dial(t, "alice")
	require.Eventually(t, func() bool {
		return fx.hub.Listeners("alice") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return fx.hub.Listeners("alice") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionManager_SendFrameReachesRouter(t *testing.T) {
	fx := setupWsFixture(t)
	conn := fx.dial(t, "alice")

	frame := `{"type":"send","to":"bob","message":{"event":"Ping","payload":{},"timestamp":1}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	select {
	case <-fx.router.notify:
	case <-time.After(time.Second):
		t.Fatal("router never received the frame")
	}

	got := fx.router.received()
	require.Len(t, got, 1)
	assert.Equal(t, relay.Identity("bob"), got[0].recipient)
	assert.JSONEq(t, `{"event":"Ping","payload":{},"timestamp":1}`, string(got[0].raw))
}

func TestConnectionManager_DrainFlushesQueueInOrder(t *testing.T) {
	fx := setupWsFixture(t)
	fx.router.drainMsg = []*relay.Message{
		{Event: "First", Payload: json.RawMessage(`1`), Timestamp: 1},
		{Event: "Second", Payload: json.RawMessage(`2`), Timestamp: 2},
	}

	conn := fx.dial(t, "alice")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"drain"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for _, want := range []string{"First", "Second"} {
		var msg relay.Message
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, want, msg.Event)
	}
}

func TestConnectionManager_MalformedFrameKeepsConnectionAlive(t *testing.T) {
	fx := setupWsFixture(t)
	conn := fx.dial(t, "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))

	// The connection must survive both bad frames and still route this one.
	frame := `{"type":"send","to":"bob","message":{"event":"Ping","payload":{},"timestamp":1}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	select {
	case <-fx.router.notify:
	case <-time.After(time.Second):
		t.Fatal("connection did not survive malformed frames")
	}
	assert.Len(t, fx.router.received(), 1)
}

func TestHub_BroadcastReachesAllListenersOnChannel(t *testing.T) {
	fx := setupWsFixture(t)

	first := fx.dial(t, "alice")
	second := fx.dial(t, "alice")
	other := fx.dial(t, "bob")

	require.Eventually(t, func() bool {
		return fx.hub.Listeners("alice") == 2 && fx.hub.Listeners("bob") == 1
	}, time.Second, 10*time.Millisecond)

	msg := &relay.Message{Event: "Ping", Payload: json.RawMessage(`{}`), Timestamp: 1}
	fx.hub.Broadcast("alice", msg)

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		var got relay.Message
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, "Ping", got.Event)
	}

	// Bob's channel saw nothing.
	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var got relay.Message
	assert.Error(t, other.ReadJSON(&got))
}

func TestHub_BroadcastNeverBlocksOnStalledListener(t *testing.T) {
	fx := setupWsFixture(t)

	// Attached but never reads: the peer's TCP window and this client's
	// send buffer eventually fill up.
	_ = fx.dial(t, "alice")
	require.Eventually(t, func() bool {
		return fx.hub.Listeners("alice") == 1
	}, time.Second, 10*time.Millisecond)

	payload, err := json.Marshal(strings.Repeat("x", 512*1024))
	require.NoError(t, err)
	msg := &relay.Message{Event: "Bulk", Payload: payload, Timestamp: 1}

	// Far more frames than the buffer holds; the overflow is dropped, and
	// the caller must come back immediately every time.
	const broadcasts = 3 * sendBufferSize
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < broadcasts; i++ {
			fx.hub.Broadcast("alice", msg)
		}
	}()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("Broadcast blocked on a listener that stopped reading")
	}
}

func TestHub_BroadcastToEmptyChannelIsSilentSuccess(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	// Must not panic or block.
	hub.Broadcast("nobody", &relay.Message{Event: "Ping", Payload: json.RawMessage(`{}`), Timestamp: 1})
}

func TestOriginChecker(t *testing.T) {
	t.Run("empty allow list accepts any origin", func(t *testing.T) {
		check := originChecker(nil)
		r := httptest.NewRequest(http.MethodGet, "/connect", nil)
		r.Header.Set("Origin", "https://anywhere.example")
		assert.True(t, check(r))
	})

	t.Run("listed origin accepted, others rejected", func(t *testing.T) {
		check := originChecker([]string{"https://app.example.com"})

		r := httptest.NewRequest(http.MethodGet, "/connect", nil)
		r.Header.Set("Origin", "https://app.example.com")
		assert.True(t, check(r))

		r.Header.Set("Origin", "https://evil.example.com")
		assert.False(t, check(r))
	})

	t.Run("non-browser clients send no origin", func(t *testing.T) {
		check := originChecker([]string{"https://app.example.com"})
		r := httptest.NewRequest(http.MethodGet, "/connect", nil)
		assert.True(t, check(r))
	})
}
