// Package push implements the best-effort push delivery path. Dispatch is a
// pure side channel: it never blocks the router, never retries, and never
// lets a failure reach queue or live-delivery state.
package push

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayworks/go-relay-service/pkg/relay"
)

// submitTimeout bounds a single background push submission.
const submitTimeout = 15 * time.Second

// Dispatcher looks up a recipient's push credential and submits a data-only
// payload to the push transport. A nil sender puts the dispatcher in
// degraded no-op mode, used when the push subsystem was never configured.
type Dispatcher struct {
	directory relay.CredentialDirectory
	sender    relay.PushSender
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. The sender may be nil; the directory
// may not.
func NewDispatcher(directory relay.CredentialDirectory, sender relay.PushSender, logger zerolog.Logger) (*Dispatcher, error) {
	if directory == nil {
		return nil, errors.New("credential directory cannot be nil")
	}
	return &Dispatcher{
		directory: directory,
		sender:    sender,
		logger:    logger.With().Str("component", "PushDispatcher").Logger(),
	}, nil
}

// Enabled reports whether a push transport is configured.
func (d *Dispatcher) Enabled() bool { return d.sender != nil }

// Dispatch hands the message to the asynchronous push path and returns
// immediately. The caller observes no outcome; completion and failure are
// reported only through logging.
func (d *Dispatcher) Dispatch(_ context.Context, identity relay.Identity, msg *relay.Message) {
	if d.sender == nil {
		d.logger.Debug().Str("identity", identity.String()).Msg("Push transport not configured. Skipping dispatch.")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Deliberately detached from the caller's context: the router must
		// not be able to cancel or observe this submission.
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		d.deliver(ctx, identity, msg)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, identity relay.Identity, msg *relay.Message) {
	log := d.logger.With().Str("identity", identity.String()).Str("event", msg.Event).Logger()

	cred, err := d.directory.Lookup(ctx, identity)
	if errors.Is(err, relay.ErrNoCredential) {
		log.Debug().Msg("No push credential registered. Skipping dispatch.")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Credential lookup failed. Dropping push dispatch.")
		return
	}

	if err := d.sender.Send(ctx, cred.Token, dataPayload(identity, msg)); err != nil {
		log.Warn().Err(err).Msg("Push submission failed. Message remains queued for drain.")
		return
	}
	log.Debug().Msg("Push submitted.")
}

// dataPayload builds the data-only push body: the receiving application
// decides how to surface it, so no notification title or body is attached.
func dataPayload(identity relay.Identity, msg *relay.Message) map[string]string {
	return map[string]string{
		"recipient": identity.String(),
		"event":     msg.Event,
		"payload":   string(msg.Payload),
		"timestamp": strconv.FormatInt(msg.Timestamp, 10),
	}
}

// Wait blocks until all in-flight dispatches have completed. Used during
// shutdown and by tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }
