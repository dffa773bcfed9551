// Package realtime provides components for managing real-time client
// connections and carrying outbound frames to them.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relayworks/go-relay-service/pkg/relay"
)

const (
	// writeTimeout bounds a single websocket write so a stalled peer cannot
	// wedge the writer goroutine forever.
	writeTimeout = 10 * time.Second

	// sendBufferSize is the per-client outbound frame buffer. A client that
	// falls this far behind starts losing live frames.
	sendBufferSize = 256
)

var errClientClosed = errors.New("connection closed")

// client is one attached websocket listener. All writes to the gorilla
// connection happen on the client's own writer goroutine; callers only
// submit frames to the send channel.
type client struct {
	identity  relay.Identity
	conn      *websocket.Conn
	send      chan *relay.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// trySubmit offers a frame without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *client) trySubmit(msg *relay.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// submit queues a frame, waiting for buffer space. It fails only when the
// client closes while waiting.
func (c *client) submit(msg *relay.Message) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errClientClosed
	}
}

// Hub is the registry of attached listeners, keyed by channel name (which is
// the recipient identity). It implements relay.Broadcaster. Multiple
// simultaneous connections per identity are allowed; a broadcast reaches all
// of them, and a broadcast to a channel with no listeners is a silent
// success.
type Hub struct {
	mu       sync.RWMutex
	channels map[relay.Identity]map[*client]struct{}
	logger   zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		channels: make(map[relay.Identity]map[*client]struct{}),
		logger:   logger.With().Str("component", "Hub").Logger(),
	}
}

// Attach registers a connection as a listener on its identity's channel and
// starts its writer goroutine.
func (h *Hub) Attach(identity relay.Identity, conn *websocket.Conn) *client {
	c := &client{
		identity: identity,
		conn:     conn,
		send:     make(chan *relay.Message, sendBufferSize),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	set, ok := h.channels[identity]
	if !ok {
		set = make(map[*client]struct{})
		h.channels[identity] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	return c
}

// Detach removes a listener, dropping the channel entry when it was the
// last one, and stops its writer goroutine.
func (h *Hub) Detach(c *client) {
	h.mu.Lock()
	if set, ok := h.channels[c.identity]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, c.identity)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Listeners reports how many connections are attached to a channel.
func (h *Hub) Listeners(identity relay.Identity) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[identity])
}

// writeLoop is the single writer for one connection. A write failure closes
// the connection, which also unblocks the client's read loop.
func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Warn().Err(err).Str("channel", c.identity.String()).Msg("Failed to write frame. Closing listener.")
				c.close()
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Broadcast submits the message to every listener currently attached to the
// channel and returns without waiting on any I/O. A listener whose buffer
// is full loses the frame; the message is still owed to the recipient via
// its queue. No result is reported to the caller.
func (h *Hub) Broadcast(channel relay.Identity, msg *relay.Message) {
	h.mu.RLock()
	listeners := make([]*client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		listeners = append(listeners, c)
	}
	h.mu.RUnlock()

	if len(listeners) == 0 {
		h.logger.Debug().Str("channel", channel.String()).Msg("Broadcast reached zero listeners")
		return
	}

	for _, c := range listeners {
		if !c.trySubmit(msg) {
			h.logger.Warn().Str("channel", channel.String()).Msg("Listener is not keeping up. Dropping live frame.")
		}
	}
}
