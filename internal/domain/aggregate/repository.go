package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

// DefaultMaxAttempts bounds how often Execute reloads after a concurrency conflict.
const DefaultMaxAttempts = 3

// NewEvent is an event produced by a decision, before it is numbered and stored.
// Payload is stored as is when it is a []byte or json.RawMessage, otherwise as JSON.
type NewEvent struct {
	EventType     string
	Payload       any
	UserID        string
	CorrelationID string
}

// Decide inspects the current aggregate and returns the events to append.
// Returning no events ends Execute without writing.
type Decide[T Aggregate] func(agg T) ([]NewEvent, error)

type repositoryOptions struct {
	snapshots   store.SnapshotStore
	maxAttempts int
	logger      *slog.Logger
}

type RepositoryOption func(*repositoryOptions)

// WithSnapshots enables snapshot reads on load and snapshot writes after saves.
func WithSnapshots(s store.SnapshotStore) RepositoryOption {
	return func(o *repositoryOptions) { o.snapshots = s }
}

func WithMaxAttempts(n int) RepositoryOption {
	return func(o *repositoryOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithLogger(l *slog.Logger) RepositoryOption {
	return func(o *repositoryOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Repository loads aggregates of one type and saves their new events with
// optimistic concurrency.
type Repository[T Aggregate] struct {
	events        store.EventStore
	snapshots     store.SnapshotStore
	aggregateType string
	newAggregate  func() T
	maxAttempts   int
	logger        *slog.Logger
}

func NewRepository[T Aggregate](events store.EventStore, aggregateType string, newAggregate func() T, opts ...RepositoryOption) *Repository[T] {
	o := repositoryOptions{
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Repository[T]{
		events:        events,
		snapshots:     o.snapshots,
		aggregateType: aggregateType,
		newAggregate:  newAggregate,
		maxAttempts:   o.maxAttempts,
		logger:        o.logger.With(logattr.Component("aggregate.Repository"), slog.String("aggregate_type", aggregateType)),
	}
}

// Load rebuilds the aggregate. found is false when it has neither events nor a snapshot.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, bool, error) {
	agg, found, err := LoadAggregate(ctx, r.events, r.snapshots, id, r.newAggregate)
	if err != nil && errors.Is(err, store.ErrIntegrityViolation) {
		r.logger.ErrorContext(ctx, "aggregate stream is corrupt", logattr.AggregateID(id), logattr.Error(err))
	}
	return agg, found, err
}

func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	return r.events.AggregateExists(ctx, id)
}

// Execute runs load, decide and save. On a concurrency conflict it reloads and
// decides again, up to the configured number of attempts. Other errors are
// returned as they are.
func (r *Repository[T]) Execute(ctx context.Context, id string, decide Decide[T]) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		agg, _, err := r.Load(ctx, id)
		if err != nil {
			return zero, err
		}

		newEvents, err := decide(agg)
		if err != nil {
			return zero, err
		}
		if len(newEvents) == 0 {
			return agg, nil
		}

		base := agg.GetVersion()
		batch, err := r.number(id, base, newEvents)
		if err != nil {
			return zero, err
		}

		err = r.events.SaveEvents(ctx, id, batch, base)
		switch {
		case err == nil:
			return r.afterSave(ctx, agg, id, base, batch)
		case errors.Is(err, store.ErrConcurrencyConflict) && attempt < r.maxAttempts:
			r.logger.WarnContext(ctx, "retrying after concurrency conflict",
				logattr.AggregateID(id),
				slog.Int("attempt", attempt),
				logattr.Error(err))
			continue
		case errors.Is(err, store.ErrConcurrencyConflict):
			return zero, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		case errors.Is(err, store.ErrIntegrityViolation):
			r.logger.ErrorContext(ctx, "integrity violation on save", logattr.AggregateID(id), logattr.Error(err))
			return zero, err
		default:
			return zero, err
		}
	}
}

// number turns decided events into store events with versions base+1, base+2, ...
func (r *Repository[T]) number(id string, base int, newEvents []NewEvent) ([]store.Event, error) {
	now := time.Now().UTC()
	batch := make([]store.Event, len(newEvents))
	for i, ne := range newEvents {
		payload, err := encodePayload(ne.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", ne.EventType, err)
		}
		batch[i] = store.Event{
			ID:            uuid.New().String(),
			AggregateID:   id,
			AggregateType: r.aggregateType,
			EventType:     ne.EventType,
			Payload:       payload,
			Timestamp:     now,
			UserID:        ne.UserID,
			CorrelationID: ne.CorrelationID,
			Version:       base + 1 + i,
		}
	}
	return batch, nil
}

func encodePayload(p any) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func (r *Repository[T]) afterSave(ctx context.Context, agg T, id string, base int, batch []store.Event) (T, error) {
	var zero T
	if err := Apply(agg, id, batch); err != nil {
		return zero, err
	}
	r.logger.DebugContext(ctx, "events saved",
		logattr.AggregateID(id),
		logattr.Version(agg.GetVersion()),
		logattr.Count(len(batch)))

	if snapshotDue(base, agg.GetVersion()) {
		// The events are durable; a failed snapshot only costs replay time.
		if err := saveSnapshot(ctx, r.snapshots, agg, r.aggregateType); err != nil {
			r.logger.WarnContext(ctx, "failed to create snapshot", logattr.AggregateID(id), logattr.Error(err))
		}
	}
	return agg, nil
}
