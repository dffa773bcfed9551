// Package queue contains the Redis-backed recipient queue. It is an
// opt-in alternative to the in-memory backend: drain semantics are
// identical and the no-durability contract is unchanged, but the pending
// buffers live in Redis instead of process memory.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relayworks/go-relay-service/pkg/relay"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	TxPipeline() redis.Pipeliner
}

// RedisQueue implements relay.RecipientQueue on one Redis list per
// identity. RPUSH preserves FIFO arrival order; DrainAndClear reads and
// deletes the list in a single MULTI/EXEC so a concurrent enqueue is either
// included or lands in a fresh list.
type RedisQueue struct {
	client redisClient
	logger zerolog.Logger
}

// NewRedisQueue is the constructor for the RedisQueue.
func NewRedisQueue(client redisClient, logger zerolog.Logger) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisQueue{
		client: client,
		logger: logger.With().Str("component", "RedisQueue").Logger(),
	}, nil
}

func queueKey(identity relay.Identity) string {
	return fmt.Sprintf("relay:queue:%s", identity.String())
}

// Enqueue appends to the tail of the identity's list.
func (q *RedisQueue) Enqueue(ctx context.Context, identity relay.Identity, msg *relay.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := q.client.RPush(ctx, queueKey(identity), payload).Err(); err != nil {
		return fmt.Errorf("failed to rpush message: %w", err)
	}
	return nil
}

// PeekAll returns the current list contents in FIFO order without mutating
// state.
func (q *RedisQueue) PeekAll(ctx context.Context, identity relay.Identity) ([]*relay.Message, error) {
	payloads, err := q.client.LRange(ctx, queueKey(identity), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue list: %w", err)
	}
	return q.decode(identity, payloads), nil
}

// DrainAndClear atomically reads the full list and deletes the key. Both
// commands run inside one MULTI/EXEC, so no concurrently enqueued message
// can be observed by the read and then survive the delete.
func (q *RedisQueue) DrainAndClear(ctx context.Context, identity relay.Identity) ([]*relay.Message, error) {
	key := queueKey(identity)

	pipe := q.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain queue list: %w", err)
	}

	msgs := q.decode(identity, rangeCmd.Val())
	if len(msgs) > 0 {
		q.logger.Debug().Str("identity", identity.String()).Int("count", len(msgs)).Msg("Queue drained and cleared")
	}
	return msgs, nil
}

// decode unmarshals list payloads, logging and skipping poison entries so
// one bad record cannot wedge an identity's queue.
func (q *RedisQueue) decode(identity relay.Identity, payloads []string) []*relay.Message {
	msgs := make([]*relay.Message, 0, len(payloads))
	for _, payload := range payloads {
		var msg relay.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			q.logger.Error().Err(err).Str("identity", identity.String()).Msg("Skipping poison message in queue list")
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs
}
