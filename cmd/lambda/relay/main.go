package main

import (
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/example/bss-eventstore/internal/common/configs"
	"github.com/example/bss-eventstore/internal/common/logger"
	"github.com/example/bss-eventstore/internal/infrastructure/kafka"
	"github.com/example/bss-eventstore/internal/infrastructure/kinesis"
)

var forwarder *kinesis.Forwarder

func init() {
	cfg, err := configs.Load("eventstore-lambda-relay")
	if err != nil {
		log.Fatalf("[Lambda Relay] Invalid configuration: %v", err)
	}
	l, err := logger.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("[Lambda Relay] Failed to create logger: %v", err)
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, l)
	forwarder = kinesis.NewForwarder(producer, l)
	l.Info("initialized")
}

func main() {
	lambda.Start(forwarder.Handle)
}
