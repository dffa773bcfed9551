// Package queue provides the in-process implementation of the per-recipient
// message queue.
package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relayworks/go-relay-service/pkg/relay"
)

// MemoryQueue implements relay.RecipientQueue with an in-process map of
// per-identity buffers. Contents are lost on process restart; that is the
// documented contract, not a defect.
//
// Sequences have no upper bound. A recipient that never drains will grow its
// buffer indefinitely, and nothing evicts idle identities. Deployments must
// account for this.
type MemoryQueue struct {
	buffers sync.Map // map[relay.Identity]*buffer
	logger  zerolog.Logger
}

// buffer is one identity's pending sequence. The drained flag marks a buffer
// that has been removed from the map so a racing Enqueue can detect it and
// start a fresh sequence instead of appending to a dead one.
type buffer struct {
	mu      sync.Mutex
	msgs    []*relay.Message
	drained bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(logger zerolog.Logger) *MemoryQueue {
	return &MemoryQueue{
		logger: logger.With().Str("component", "MemoryQueue").Logger(),
	}
}

// Enqueue appends to the tail of the identity's sequence, creating the
// sequence if absent. Only the target identity's buffer is locked, so
// unrelated recipients are never serialized against each other.
func (q *MemoryQueue) Enqueue(_ context.Context, identity relay.Identity, msg *relay.Message) error {
	for {
		v, _ := q.buffers.LoadOrStore(identity, &buffer{})
		b := v.(*buffer)

		b.mu.Lock()
		if b.drained {
			// Lost the race with DrainAndClear: this buffer is already out
			// of the map. Retry so the message lands in a fresh sequence.
			b.mu.Unlock()
			continue
		}
		b.msgs = append(b.msgs, msg)
		n := len(b.msgs)
		b.mu.Unlock()

		q.logger.Debug().Str("identity", identity.String()).Int("pending", n).Msg("Message enqueued")
		return nil
	}
}

// PeekAll returns a copy of the identity's pending sequence in FIFO order
// without mutating state.
func (q *MemoryQueue) PeekAll(_ context.Context, identity relay.Identity) ([]*relay.Message, error) {
	v, ok := q.buffers.Load(identity)
	if !ok {
		return []*relay.Message{}, nil
	}
	b := v.(*buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*relay.Message, len(b.msgs))
	copy(out, b.msgs)
	return out, nil
}

// DrainAndClear atomically returns the identity's full sequence and removes
// the entry entirely. Every message enqueued strictly before the drain is
// included; a message racing the drain lands in the fresh sequence created
// by its own retrying Enqueue.
func (q *MemoryQueue) DrainAndClear(_ context.Context, identity relay.Identity) ([]*relay.Message, error) {
	for {
		v, ok := q.buffers.Load(identity)
		if !ok {
			return []*relay.Message{}, nil
		}
		b := v.(*buffer)

		b.mu.Lock()
		if b.drained {
			// Lost the race with another drain: this buffer is already out
			// of the map, and the map entry (if any) is a fresh sequence we
			// must not touch. Reload and drain that one instead.
			b.mu.Unlock()
			continue
		}
		b.drained = true
		msgs := b.msgs
		b.msgs = nil
		q.buffers.Delete(identity)
		b.mu.Unlock()

		if len(msgs) > 0 {
			q.logger.Debug().Str("identity", identity.String()).Int("count", len(msgs)).Msg("Queue drained and cleared")
		}
		return msgs, nil
	}
}
