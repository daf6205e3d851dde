package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

const (
	HeaderEventType     = "event_type"
	HeaderEventID       = "event_id"
	HeaderCorrelationID = "correlation_id"

	writeTimeout = 10 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes stored events to one topic, keyed by aggregate id so a
// stream stays on one partition.
type Producer struct {
	writer messageWriter
	logger *slog.Logger
}

func NewProducer(brokers []string, topic string, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newProducer(writer, logger)
}

func newProducer(w messageWriter, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Producer{writer: w, logger: logger.With(logattr.Component("kafka.Producer"))}
}

// Message builds the Kafka message for an event.
func Message(event store.Event) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}
	headers := []kafka.Header{
		{Key: HeaderEventType, Value: []byte(event.EventType)},
		{Key: HeaderEventID, Value: []byte(event.ID)},
	}
	if event.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(event.CorrelationID)})
	}
	return kafka.Message{
		Key:     []byte(event.AggregateID),
		Value:   data,
		Headers: headers,
		Time:    event.Timestamp,
	}, nil
}

// PublishEvent writes one event and waits for the broker acknowledgement.
func (p *Producer) PublishEvent(ctx context.Context, event store.Event) error {
	msg, err := Message(event)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("failed to write event %s: %w", event.ID, err)
	}
	p.logger.DebugContext(ctx, "event published",
		logattr.AggregateID(event.AggregateID),
		logattr.EventType(event.EventType),
		logattr.Position(event.Position))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
