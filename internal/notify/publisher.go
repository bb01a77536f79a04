package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Publisher hands events to the delivery pipeline.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Handler delivers a single event. Dispatcher is the production handler.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, ...Event) error { return nil }

// StreamPublisher appends events to a Redis stream read by the worker process.
type StreamPublisher struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

// NewStreamPublisher returns a publisher writing to stream.
func NewStreamPublisher(client *redis.Client, stream string, logger *slog.Logger) *StreamPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamPublisher{client: client, stream: stream, logger: logger}
}

// Publish adds one stream entry per event.
func (p *StreamPublisher) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, event := range events {
		values, err := encodeValues(event, 1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.client.XAdd(ctx, &redis.XAddArgs{Stream: p.stream, Values: values}).Err(); err != nil {
			errs = append(errs, fmt.Errorf("enqueue event %s: %w", event.ID, err))
			continue
		}
		p.logger.DebugContext(ctx, "enqueued event", "event_id", event.ID, "kind", event.Kind, "stream", p.stream)
	}
	return errors.Join(errs...)
}

// Close closes the underlying client.
func (p *StreamPublisher) Close() error {
	return p.client.Close()
}

func encodeValues(event Event, attempt int) (map[string]any, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return map[string]any{
		"event_id": event.ID,
		"kind":     string(event.Kind),
		"attempt":  attempt,
		"payload":  string(payload),
	}, nil
}

var (
	// ErrQueueFull is returned by AsyncPublisher when the buffer has no room.
	ErrQueueFull = errors.New("notify: queue full")
	// ErrPublisherClosed is returned by AsyncPublisher after Close.
	ErrPublisherClosed = errors.New("notify: publisher closed")
)

// AsyncPublisher delivers events in-process through a bounded queue drained
// by worker goroutines. It is used when no Redis stream is configured.
type AsyncPublisher struct {
	handler Handler
	queue   chan Event
	workers int
	logger  *slog.Logger

	wg sync.WaitGroup

	// mu guards closed and the queue's close against concurrent sends.
	mu     sync.RWMutex
	closed bool
}

// NewAsyncPublisher creates a publisher with the given buffer and worker count.
func NewAsyncPublisher(handler Handler, buffer, workers int, logger *slog.Logger) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncPublisher{handler: handler, queue: make(chan Event, buffer), workers: workers, logger: logger}
}

// Start launches the workers. Delivery uses ctx, not the publishing
// request's context, so events outlive the request that produced them.
func (p *AsyncPublisher) Start(ctx context.Context) {
	for range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for event := range p.queue {
				if err := p.handler.Handle(ctx, event); err != nil {
					p.logger.WarnContext(ctx, "event delivery failed", "event_id", event.ID, "kind", event.Kind, "error", err)
				}
			}
		}()
	}
}

// Publish enqueues events without blocking. Events that do not fit are dropped.
// After Close every event is dropped and ErrPublisherClosed is returned.
func (p *AsyncPublisher) Publish(ctx context.Context, events ...Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.WarnContext(ctx, "publish after close", "events", len(events))
		return ErrPublisherClosed
	}

	var dropped int
	for _, event := range events {
		select {
		case p.queue <- event:
		default:
			dropped++
			p.logger.WarnContext(ctx, "dropping event", "event_id", event.ID, "kind", event.Kind)
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: dropped %d event(s)", ErrQueueFull, dropped)
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
