package pipeline_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/go-relay-service/internal/pipeline"
	"github.com/relayworks/go-relay-service/internal/test/fakes"
)

func TestNewService_ValidatesDependencies(t *testing.T) {
	consumer := fakes.NewInMemoryConsumer(1)
	handler := func(context.Context, pipeline.Event) {}

	_, err := pipeline.NewService(1, nil, handler, zerolog.Nop())
	assert.Error(t, err)

	_, err = pipeline.NewService(1, consumer, nil, zerolog.Nop())
	assert.Error(t, err)

	svc, err := pipeline.NewService(0, consumer, handler, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestService_DeliversEveryEventAndAcks(t *testing.T) {
	ctx := context.Background()
	consumer := fakes.NewInMemoryConsumer(16)

	var mu sync.Mutex
	var handled []string
	var acks atomic.Int32

	handler := func(_ context.Context, evt pipeline.Event) {
		mu.Lock()
		handled = append(handled, evt.Recipient)
		mu.Unlock()
	}

	svc, err := pipeline.NewService(3, consumer, handler, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	for i := 0; i < 10; i++ {
		consumer.Publish(pipeline.Event{
			Recipient: "alice",
			Raw:       []byte(`{}`),
			Ack:       func() { acks.Add(1) },
		})
	}

	require.Eventually(t, func() bool {
		return acks.Load() == 10
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, handled, 10)
}

func TestService_StopWaitsForInFlightWork(t *testing.T) {
	ctx := context.Background()
	consumer := fakes.NewInMemoryConsumer(16)

	var handled atomic.Int32
	handler := func(_ context.Context, _ pipeline.Event) {
		time.Sleep(20 * time.Millisecond)
		handled.Add(1)
	}

	svc, err := pipeline.NewService(2, consumer, handler, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	for i := 0; i < 4; i++ {
		consumer.Publish(pipeline.Event{Recipient: "alice", Raw: []byte(`{}`)})
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))

	assert.Equal(t, int32(4), handled.Load(), "every buffered event must be handled before Stop returns")
}

func TestService_StopHonorsDeadline(t *testing.T) {
	ctx := context.Background()
	consumer := fakes.NewInMemoryConsumer(1)

	block := make(chan struct{})
	handler := func(_ context.Context, _ pipeline.Event) { <-block }

	svc, err := pipeline.NewService(1, consumer, handler, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	defer close(block)

	consumer.Publish(pipeline.Event{Recipient: "alice", Raw: []byte(`{}`)})

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = svc.Stop(stopCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
