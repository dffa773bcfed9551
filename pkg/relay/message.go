// Package relay contains the public domain types, interfaces, and dependency
// definitions for the relay service. It defines the contract for interacting
// with the service.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Identity names a message's destination. The same string is used as the
// routing key, the live-transport channel name, and the credential lookup
// key. Any string is a valid Identity; equality is exact string equality and
// no normalization is ever applied.
type Identity string

// String returns the identity as a plain string.
func (i Identity) String() string { return string(i) }

// Message is the unit of transfer between two identities. The payload is
// opaque to the service and is carried, queued, and delivered byte-for-byte.
type Message struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// rawMessage uses pointer fields so an absent field can be told apart from a
// zero value during validation.
type rawMessage struct {
	Event     *string         `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp *int64          `json:"timestamp"`
}

var jsonNull = []byte("null")

// ParseMessage validates a raw inbound payload and returns the decoded
// Message. A payload is accepted only if it is a JSON object carrying a
// non-empty "event", a non-null "payload", and a "timestamp". Anything else
// is rejected before it can enter a queue.
func ParseMessage(raw []byte) (*Message, error) {
	var rm rawMessage
	if err := json.Unmarshal(raw, &rm); err != nil {
		return nil, fmt.Errorf("message is not a structured object: %w", err)
	}
	if rm.Event == nil || *rm.Event == "" {
		return nil, fmt.Errorf("message is missing the 'event' field")
	}
	if len(rm.Payload) == 0 || bytes.Equal(rm.Payload, jsonNull) {
		return nil, fmt.Errorf("message is missing the 'payload' field")
	}
	if rm.Timestamp == nil {
		return nil, fmt.Errorf("message is missing the 'timestamp' field")
	}

	return &Message{
		Event:     *rm.Event,
		Payload:   rm.Payload,
		Timestamp: *rm.Timestamp,
	}, nil
}
