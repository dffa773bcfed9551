// Package ingest contains the Pub/Sub adapters for the ingestion bus: a
// producer used by the HTTP API to submit inbound events, and a consumer
// feeding the pipeline workers.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relayworks/go-relay-service/internal/pipeline"
	"github.com/relayworks/go-relay-service/pkg/relay"
)

// recipientAttribute carries the recipient identity on the bus message. The
// message body is the raw, unvalidated payload; validation happens in the
// router on the consuming side.
const recipientAttribute = "recipient"

// publisher defines the interface we need from the underlying pubsub
// publisher. This allows a mock in tests.
type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Producer implements relay.Ingestor by publishing inbound events to the
// ingress topic.
type Producer struct {
	topic publisher
}

// NewProducer is the constructor for the ingestion producer.
func NewProducer(topic publisher) (*Producer, error) {
	if topic == nil {
		return nil, fmt.Errorf("topic publisher cannot be nil")
	}
	return &Producer{topic: topic}, nil
}

// Ingest publishes the raw event addressed to the recipient and waits for
// the bus to accept it.
func (p *Producer) Ingest(ctx context.Context, recipient relay.Identity, raw []byte) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: raw,
		Attributes: map[string]string{
			recipientAttribute: recipient.String(),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish inbound event: %w", err)
	}
	return nil
}

// subscriber defines the interface we need from the underlying pubsub
// subscriber.
type subscriber interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Consumer adapts a Pub/Sub subscription to the pipeline.Consumer contract.
type Consumer struct {
	sub      subscriber
	events   chan pipeline.Event
	logger   zerolog.Logger
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// NewConsumer is the constructor for the ingestion consumer. bufferSize is
// the capacity of the internal event channel.
func NewConsumer(sub subscriber, bufferSize int, logger zerolog.Logger) (*Consumer, error) {
	if sub == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}
	return &Consumer{
		sub:    sub,
		events: make(chan pipeline.Event, bufferSize),
		logger: logger.With().Str("component", "IngestConsumer").Logger(),
		done:   make(chan struct{}),
	}, nil
}

// Start begins receiving from the subscription in the background.
func (c *Consumer) Start(ctx context.Context) error {
	receiveCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go func() {
		defer close(c.events)
		err := c.sub.Receive(receiveCtx, func(_ context.Context, m *pubsub.Message) {
			id := m.ID
			if id == "" {
				id = uuid.NewString()
			}
			evt := pipeline.Event{
				ID:        id,
				Recipient: m.Attributes[recipientAttribute],
				Raw:       m.Data,
				Ack:       m.Ack,
			}
			select {
			case c.events <- evt:
			case <-receiveCtx.Done():
				m.Nack()
			}
		})
		if err != nil && receiveCtx.Err() == nil {
			c.logger.Error().Err(err).Msg("Pub/Sub receive loop failed")
		}
		close(c.done)
	}()

	c.logger.Info().Msg("Ingestion consumer started")
	return nil
}

// Events returns the channel of inbound events. It is closed after Stop.
func (c *Consumer) Events() <-chan pipeline.Event { return c.events }

// Stop cancels the receive loop and waits for it to exit, bounded by ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		select {
		case <-c.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
