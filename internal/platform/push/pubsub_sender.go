// Package push contains the Pub/Sub-backed push transport adapter. The
// relay never talks to the device push network directly: it publishes the
// data payload to a topic consumed by the downstream notification worker,
// which performs the actual device delivery.
package push

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// tokenAttribute carries the device token on the published message so the
// downstream worker never has to re-resolve it.
const tokenAttribute = "push_token"

// publisher defines the interface we need from the underlying pubsub
// publisher. This allows a mock in tests.
type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// PubSubSender implements relay.PushSender by publishing the data payload
// to the push topic.
type PubSubSender struct {
	topic  publisher
	logger zerolog.Logger
}

// NewPubSubSender is the constructor for the Pub/Sub push sender.
func NewPubSubSender(topic publisher, logger zerolog.Logger) (*PubSubSender, error) {
	if topic == nil {
		return nil, fmt.Errorf("topic publisher cannot be nil")
	}
	return &PubSubSender{
		topic:  topic,
		logger: logger.With().Str("component", "PubSubSender").Logger(),
	}, nil
}

// Send publishes the data-only payload addressed to the device token and
// waits for the bus to accept it. A bus rejection is the "failure" outcome
// of the push transport contract; the caller logs and drops it.
func (s *PubSubSender) Send(ctx context.Context, token string, data map[string]string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{tokenAttribute: token},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish push payload: %w", err)
	}

	s.logger.Debug().Msg("Push payload published")
	return nil
}
