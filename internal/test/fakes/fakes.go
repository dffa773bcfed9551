// Package fakes provides in-memory test doubles for the service's
// dependencies. These are used in unit tests and local wiring.
package fakes

import (
	"context"
	"sync"
	"time"

	"github.com/relayworks/go-relay-service/internal/pipeline"
	"github.com/relayworks/go-relay-service/pkg/relay"
)

// --- Credential directory ---

// InMemoryDirectory is a map-backed relay.CredentialDirectory.
type InMemoryDirectory struct {
	mu    sync.Mutex
	creds map[relay.Identity]*relay.Credential
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{creds: make(map[relay.Identity]*relay.Credential)}
}

func (d *InMemoryDirectory) Lookup(_ context.Context, identity relay.Identity) (*relay.Credential, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cred, ok := d.creds[identity]
	if !ok {
		return nil, relay.ErrNoCredential
	}
	c := *cred
	return &c, nil
}

func (d *InMemoryDirectory) Register(_ context.Context, identity relay.Identity, deviceID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds[identity] = &relay.Credential{
		DeviceID:  deviceID,
		Token:     token,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// --- Push sender ---

// SentPush records one submission accepted by the CapturingSender.
type SentPush struct {
	Token string
	Data  map[string]string
}

// CapturingSender is a relay.PushSender that records every submission and
// can be told to fail.
type CapturingSender struct {
	mu   sync.Mutex
	sent []SentPush
	Err  error
}

func NewCapturingSender() *CapturingSender { return &CapturingSender{} }

func (s *CapturingSender) Send(_ context.Context, token string, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.sent = append(s.sent, SentPush{Token: token, Data: data})
	return nil
}

func (s *CapturingSender) Sent() []SentPush {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentPush, len(s.sent))
	copy(out, s.sent)
	return out
}

// --- Broadcaster ---

// BroadcastRecord is one frame observed by the CapturingBroadcaster.
type BroadcastRecord struct {
	Channel relay.Identity
	Message *relay.Message
}

// CapturingBroadcaster is a relay.Broadcaster that records every broadcast.
type CapturingBroadcaster struct {
	mu     sync.Mutex
	frames []BroadcastRecord
}

func NewCapturingBroadcaster() *CapturingBroadcaster { return &CapturingBroadcaster{} }

func (b *CapturingBroadcaster) Broadcast(channel relay.Identity, msg *relay.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, BroadcastRecord{Channel: channel, Message: msg})
}

func (b *CapturingBroadcaster) Frames() []BroadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BroadcastRecord, len(b.frames))
	copy(out, b.frames)
	return out
}

// --- Ingestion ---

// InMemoryConsumer is a pipeline.Consumer backed by a channel that tests
// publish into directly. The mutex keeps Publish and Stop ordered so a
// publish can never race the channel close.
type InMemoryConsumer struct {
	mu      sync.RWMutex
	events  chan pipeline.Event
	stopped bool
}

func NewInMemoryConsumer(bufferSize int) *InMemoryConsumer {
	return &InMemoryConsumer{
		events: make(chan pipeline.Event, bufferSize),
	}
}

// Publish hands an event to the consumer. Events published after Stop are
// silently dropped.
func (c *InMemoryConsumer) Publish(evt pipeline.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	c.events <- evt
}

func (c *InMemoryConsumer) Start(_ context.Context) error { return nil }
func (c *InMemoryConsumer) Events() <-chan pipeline.Event { return c.events }
func (c *InMemoryConsumer) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.events)
	}
	return nil
}

// DirectIngestor is a relay.Ingestor that hands events straight to a
// routing function, bypassing the bus.
type DirectIngestor struct {
	Handle func(ctx context.Context, recipient relay.Identity, raw []byte)
}

func (d *DirectIngestor) Ingest(ctx context.Context, recipient relay.Identity, raw []byte) error {
	d.Handle(ctx, recipient, raw)
	return nil
}
