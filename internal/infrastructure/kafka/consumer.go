package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

type EventHandler func(ctx context.Context, event store.Event) error

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	reader messageReader
	logger *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(reader, logger)
}

func newConsumer(r messageReader, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Consumer{reader: r, logger: logger.With(logattr.Component("kafka.Consumer"))}
}

// Decode parses a message written by Producer.
func Decode(msg kafka.Message) (store.Event, error) {
	var event store.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return store.Event{}, fmt.Errorf("failed to decode event at offset %d: %w", msg.Offset, err)
	}
	return event, nil
}

// Consume reads until ctx is cancelled. Read, decode and handler failures are
// logged and skipped.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "error reading message", logattr.Error(err))
			continue
		}

		event, err := Decode(msg)
		if err != nil {
			c.logger.ErrorContext(ctx, "error decoding message", slog.String("key", string(msg.Key)), logattr.Error(err))
			continue
		}

		if err := handler(ctx, event); err != nil {
			c.logger.ErrorContext(ctx, "error handling event",
				logattr.AggregateID(event.AggregateID),
				logattr.Position(event.Position),
				logattr.Error(err))
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
