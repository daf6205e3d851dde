package kinesis

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

type Publisher interface {
	PublishEvent(ctx context.Context, event store.Event) error
}

// Forwarder republishes events from DynamoDB stream records delivered through Kinesis.
type Forwarder struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewForwarder(publisher Publisher, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Forwarder{publisher: publisher, logger: logger.With(logattr.Component("kinesis.Forwarder"))}
}

// Handle publishes every event in the batch. Records that fail to convert or
// publish are reported as batch item failures so Lambda retries only those.
func (f *Forwarder) Handle(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
	var failures []events.KinesisBatchItemFailure
	fail := func(record events.KinesisEventRecord) {
		failures = append(failures, events.KinesisBatchItemFailure{ItemIdentifier: record.Kinesis.SequenceNumber})
	}

	for _, record := range kinesisEvent.Records {
		event, err := ConvertFromKinesisRecord(record)
		if err != nil {
			f.logger.ErrorContext(ctx, "failed to convert record",
				slog.String("record_id", record.EventID),
				logattr.Error(err))
			fail(record)
			continue
		}
		if event == nil {
			continue
		}

		if err := f.publisher.PublishEvent(ctx, *event); err != nil {
			f.logger.ErrorContext(ctx, "failed to publish event",
				logattr.AggregateID(event.AggregateID),
				logattr.Position(event.Position),
				logattr.Error(err))
			fail(record)
		}
	}

	f.logger.InfoContext(ctx, "batch forwarded",
		logattr.Count(len(kinesisEvent.Records)),
		slog.Int("failed", len(failures)))
	return events.KinesisEventResponse{BatchItemFailures: failures}, nil
}
