package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/bss-eventstore/internal/common/configs"
	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/common/logger"
	"github.com/example/bss-eventstore/internal/infrastructure/kafka"
	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

// tail prints every relayed event as one JSON line on stdout.
func main() {
	cfg, err := configs.Load("eventstore-tail")
	if err != nil {
		log.Fatalf("[Tail] Invalid configuration: %v", err)
	}
	l, err := logger.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("[Tail] Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaConsumerGroup, l)
	defer consumer.Close()

	l.Info("tailing events",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumerGroup))

	out := json.NewEncoder(os.Stdout)
	err = consumer.Consume(ctx, func(_ context.Context, event store.Event) error {
		return out.Encode(event)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		l.Error("consumer error", logattr.Error(err))
	}
}
