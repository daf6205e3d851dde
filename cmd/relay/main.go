package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/bss-eventstore/internal/common/configs"
	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/common/logger"
	"github.com/example/bss-eventstore/internal/infrastructure/backend"
	"github.com/example/bss-eventstore/internal/infrastructure/kafka"
	"github.com/example/bss-eventstore/internal/relay"
)

func main() {
	cfg, err := configs.Load("eventstore-relay")
	if err != nil {
		log.Fatalf("[Relay] Invalid configuration: %v", err)
	}
	l, err := logger.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("[Relay] Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := backend.Open(ctx, cfg, l)
	if err != nil {
		l.Error("failed to open stores", logattr.Error(err))
		os.Exit(1)
	}
	defer stores.Close(context.Background())

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, l)
	defer producer.Close()

	l.Info("relaying events",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("topic", cfg.KafkaTopic),
		logattr.Position(cfg.RelayStartPosition))

	r := relay.New(stores.Events, producer,
		relay.WithBatchSize(cfg.RelayBatchSize),
		relay.WithPollInterval(cfg.RelayPollInterval),
		relay.WithStartPosition(cfg.RelayStartPosition),
		relay.WithGapTimeout(cfg.RelayGapTimeout),
		relay.WithLogger(l))
	if err := r.Run(ctx); err != nil {
		l.Error("relay stopped with error", logattr.Error(err))
	}
}
