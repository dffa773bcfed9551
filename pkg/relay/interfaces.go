package relay

import (
	"context"
	"errors"
	"time"
)

// ErrNoCredential is returned by a CredentialDirectory lookup when the
// identity has no registered push credential. This is a normal degraded
// condition, not a failure.
var ErrNoCredential = errors.New("no push credential registered")

// Credential is one identity's registered push credential. A single record
// exists per identity; Register overwrites it wholesale and the latest write
// wins. No history is retained.
type Credential struct {
	DeviceID  string    `json:"deviceId"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecipientQueue is the per-identity FIFO buffer of pending messages. It is
// the single place where "what is still owed to this recipient" is tracked.
// A sequence is created implicitly on first enqueue and removed entirely by
// DrainAndClear. There is no size bound, expiry, or deduplication.
//
// Implementations must make Enqueue and DrainAndClear mutually exclusive per
// identity: a drain never observes a partially applied enqueue, and a
// concurrent enqueue is either included in the drained sequence or lands in
// the fresh sequence created after it.
type RecipientQueue interface {
	// Enqueue appends to the tail of the identity's sequence, creating the
	// sequence if absent.
	Enqueue(ctx context.Context, identity Identity, msg *Message) error

	// PeekAll returns the current contents in FIFO order without mutating
	// state. Used for introspection.
	PeekAll(ctx context.Context, identity Identity) ([]*Message, error)

	// DrainAndClear atomically returns the full sequence in FIFO order and
	// removes the identity's entry entirely. Draining an identity with no
	// pending messages returns an empty sequence and no error.
	DrainAndClear(ctx context.Context, identity Identity) ([]*Message, error)
}

// Broadcaster carries outbound frames to the listeners currently attached to
// a named channel. Delivery is best effort: a broadcast may reach zero
// listeners, never blocks the caller, and reports no per-listener result.
type Broadcaster interface {
	Broadcast(channel Identity, msg *Message)
}

// PushSender submits a data-only payload for best-effort delivery to the
// device identified by token. Failure reasons are opaque to the caller.
type PushSender interface {
	Send(ctx context.Context, token string, data map[string]string) error
}

// CredentialDirectory maps an identity to its current push credential.
// Lookup returns ErrNoCredential when no record exists.
type CredentialDirectory interface {
	Lookup(ctx context.Context, identity Identity) (*Credential, error)
	Register(ctx context.Context, identity Identity, deviceID, token string) error
}

// Ingestor accepts an inbound (recipient, raw message) pair for routing. The
// production implementation publishes to the ingress topic; test wiring may
// hand the pair straight to the router.
type Ingestor interface {
	Ingest(ctx context.Context, recipient Identity, raw []byte) error
}
