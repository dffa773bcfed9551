// Package router implements the entry point for inbound events and drives
// the dual delivery paths: live broadcast and asynchronous push.
package router

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/relayworks/go-relay-service/pkg/relay"
)

// PushDispatcher hands a message to the asynchronous push delivery path.
// Implementations never block the caller and never surface delivery
// failures.
type PushDispatcher interface {
	Dispatch(ctx context.Context, identity relay.Identity, msg *relay.Message)
}

// Router validates inbound events, enqueues them, and fans them out to both
// delivery paths. It is the failure boundary for all three steps: no failure
// in validation, live broadcast, or push dispatch may propagate to, or
// block, another path or another recipient's processing.
type Router struct {
	queue      relay.RecipientQueue
	live       relay.Broadcaster
	dispatcher PushDispatcher
	logger     zerolog.Logger
}

// New wires up a router. All dependencies are required.
func New(queue relay.RecipientQueue, live relay.Broadcaster, dispatcher PushDispatcher, logger zerolog.Logger) *Router {
	return &Router{
		queue:      queue,
		live:       live,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "Router").Logger(),
	}
}

// HandleInbound accepts one (recipient, raw message) pair. A malformed
// message is logged and dropped with no state change. A valid message is
// enqueued, broadcast on the recipient's live channel regardless of whether
// any listener is attached, and unconditionally handed to the push
// dispatcher. The two delivery paths are never made conditional on each
// other's outcome.
func (r *Router) HandleInbound(ctx context.Context, recipient relay.Identity, raw []byte) {
	log := r.logger.With().Str("recipient", recipient.String()).Logger()

	msg, err := relay.ParseMessage(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Rejecting malformed message")
		return
	}
	log = log.With().Str("event", msg.Event).Logger()

	// 1. Queue is the durable record of intent for this process lifetime.
	// An enqueue failure must not suppress the delivery attempts.
	if err := r.queue.Enqueue(ctx, recipient, msg); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue message")
	}

	// 2. Live broadcast: fire-and-forget, may reach zero listeners.
	r.live.Broadcast(recipient, msg)

	// 3. Push dispatch: unconditional, asynchronous, outcome unobserved.
	r.dispatcher.Dispatch(ctx, recipient, msg)

	log.Debug().Msg("Inbound message routed")
}

// HandleDrain returns everything owed to the identity in FIFO order and
// clears its queue entry. An identity with nothing pending yields an empty
// sequence and no error.
func (r *Router) HandleDrain(ctx context.Context, identity relay.Identity) ([]*relay.Message, error) {
	msgs, err := r.queue.DrainAndClear(ctx, identity)
	if err != nil {
		r.logger.Error().Err(err).Str("identity", identity.String()).Msg("Failed to drain queue")
		return nil, err
	}
	if len(msgs) > 0 {
		r.logger.Info().Str("identity", identity.String()).Int("count", len(msgs)).Msg("Drained pending messages")
	}
	return msgs, nil
}
