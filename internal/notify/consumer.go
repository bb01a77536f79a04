package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConsumerConfig configures a StreamConsumer.
type ConsumerConfig struct {
	Stream      string        // Redis stream name
	Group       string        // consumer group name
	Consumer    string        // consumer name within the group
	DLQStream   string        // stream receiving events that exhausted their attempts
	BatchSize   int64         // entries read per call
	Block       time.Duration // how long XREADGROUP blocks
	MaxAttempts int           // attempts before an event goes to the DLQ
}

// Message is one stream entry decoded into an Event.
type Message struct {
	ID      string
	Attempt int
	Event   Event
}

// StreamConsumer reads events from a Redis consumer group.
type StreamConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
	logger *slog.Logger
}

// NewStreamConsumer creates the consumer group when it does not exist yet.
func NewStreamConsumer(ctx context.Context, client *redis.Client, cfg ConsumerConfig, logger *slog.Logger) (*StreamConsumer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + ":dlq"
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &StreamConsumer{client: client, cfg: cfg, logger: logger.With("component", "notify.consumer")}

	// "0" so entries written before the group existed are still delivered.
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}
	return c, nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Read returns the next batch of new entries. Entries that cannot be decoded
// are acknowledged and skipped.
func (c *StreamConsumer) Read(ctx context.Context) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			msg, err := ParseMessage(entry)
			if err != nil {
				c.logger.ErrorContext(ctx, "failed to parse message", "error", err, "raw_message_id", entry.ID)
				_ = c.Ack(ctx, entry.ID)
				continue
			}
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// Ack acknowledges an entry.
func (c *StreamConsumer) Ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}
	return nil
}

// Requeue acknowledges msg and appends it again with the attempt counter incremented.
func (c *StreamConsumer) Requeue(ctx context.Context, msg Message, reason string) error {
	if err := c.Ack(ctx, msg.ID); err != nil {
		return fmt.Errorf("acking failed message for requeue: %w", err)
	}
	values, err := encodeValues(msg.Event, msg.Attempt+1)
	if err != nil {
		return err
	}
	values["last_error"] = reason
	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.Stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}
	c.logger.InfoContext(ctx, "message requeued for retry", "event_id", msg.Event.ID, "next_attempt", msg.Attempt+1, "reason", reason)
	return nil
}

// SendDLQ acknowledges msg and moves it to the dead letter stream.
func (c *StreamConsumer) SendDLQ(ctx context.Context, msg Message, reason string) error {
	if err := c.Ack(ctx, msg.ID); err != nil {
		return fmt.Errorf("acking failed message for dlq: %w", err)
	}
	values, err := encodeValues(msg.Event, msg.Attempt)
	if err != nil {
		return err
	}
	values["error"] = reason
	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.DLQStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}
	c.logger.ErrorContext(ctx, "message sent to DLQ", "event_id", msg.Event.ID, "final_error", reason, "dlq_stream", c.cfg.DLQStream)
	return nil
}

// Run reads and handles entries until ctx is cancelled. Failed deliveries are
// retried until MaxAttempts and then dead-lettered.
func (c *StreamConsumer) Run(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		messages, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.ErrorContext(ctx, "read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range messages {
			c.process(ctx, handler, msg)
		}
	}
}

func (c *StreamConsumer) process(ctx context.Context, handler Handler, msg Message) {
	err := handler.Handle(ctx, msg.Event)
	if err == nil {
		if ackErr := c.Ack(ctx, msg.ID); ackErr != nil {
			c.logger.ErrorContext(ctx, "ack failed", "event_id", msg.Event.ID, "error", ackErr)
		}
		return
	}

	if msg.Attempt >= c.cfg.MaxAttempts {
		err = c.SendDLQ(ctx, msg, err.Error())
	} else {
		err = c.Requeue(ctx, msg, err.Error())
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to reschedule message", "event_id", msg.Event.ID, "error", err)
	}
}

// ParseMessage decodes a stream entry written by StreamPublisher.
func ParseMessage(entry redis.XMessage) (Message, error) {
	raw, ok := entry.Values["payload"]
	if !ok {
		return Message{}, fmt.Errorf("missing payload")
	}
	var event Event
	if err := json.Unmarshal([]byte(fmt.Sprint(raw)), &event); err != nil {
		return Message{}, fmt.Errorf("parsing payload: %w", err)
	}
	if event.Kind == "" {
		return Message{}, fmt.Errorf("missing kind")
	}

	attempt := 1
	if v, ok := entry.Values["attempt"]; ok {
		n, err := strconv.Atoi(fmt.Sprint(v))
		if err != nil {
			return Message{}, fmt.Errorf("parsing attempt: %w", err)
		}
		if n > 0 {
			attempt = n
		}
	}
	return Message{ID: entry.ID, Attempt: attempt, Event: event}, nil
}
