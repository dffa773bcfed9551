// Package pipeline runs the background workers that pull inbound events off
// the ingestion bus and hand them to the router. It is transport-agnostic:
// the Consumer abstracts the bus, and the Handler is the routing entry point.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

const defaultNumWorkers = 5

// Event is one inbound unit pulled off the bus: a recipient identity plus
// the raw, not-yet-validated message bytes. Ack, when set, confirms the
// event back to the bus once it has been handled.
type Event struct {
	ID        string
	Recipient string
	Raw       []byte
	Ack       func()
}

// Consumer is a source of inbound events. Events() is closed by Stop.
type Consumer interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	Stop(ctx context.Context) error
}

// Handler processes a single inbound event. Handlers never return an error:
// the routing model is fire-and-forget and a malformed event is logged and
// dropped by the handler itself.
type Handler func(ctx context.Context, evt Event)

// Service fans events from a Consumer out to a fixed pool of workers.
type Service struct {
	consumer   Consumer
	handler    Handler
	numWorkers int
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewService creates the worker pool service. A non-positive numWorkers
// falls back to the default.
func NewService(numWorkers int, consumer Consumer, handler Handler, logger zerolog.Logger) (*Service, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if numWorkers <= 0 {
		numWorkers = defaultNumWorkers
	}
	return &Service{
		consumer:   consumer,
		handler:    handler,
		numWorkers: numWorkers,
		logger:     logger.With().Str("component", "Pipeline").Logger(),
	}, nil
}

// Start begins consuming and spawns the worker pool.
func (s *Service) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	s.logger.Info().Int("workers", s.numWorkers).Msg("Starting pipeline workers...")
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go s.work(ctx)
	}
	return nil
}

func (s *Service) work(ctx context.Context) {
	defer s.wg.Done()
	for evt := range s.consumer.Events() {
		s.handler(ctx, evt)
		// The handler owns validation and drop decisions, so every event is
		// acked once handled.
		if evt.Ack != nil {
			evt.Ack()
		}
	}
}

// Stop shuts down the consumer and waits for in-flight events to finish,
// bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping pipeline...")
	if err := s.consumer.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop consumer: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Pipeline stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
