package store

import "context"

// EventStore is an append-only, per-aggregate event log with optimistic concurrency.
type EventStore interface {
	// SaveEvents appends events as one unit if the stream is still at expectedVersion.
	// Event versions must run expectedVersion+1, expectedVersion+2, ...
	SaveEvents(ctx context.Context, aggregateID string, events []Event, expectedVersion int) error

	// GetEventsForAggregate returns the full stream in ascending version order.
	GetEventsForAggregate(ctx context.Context, aggregateID string) ([]Event, error)

	// GetEventsForAggregateSinceVersion returns events with Version > version.
	GetEventsForAggregateSinceVersion(ctx context.Context, aggregateID string, version int) ([]Event, error)

	// GetEventsSince returns events with Position > afterPosition across all aggregates.
	// A limit <= 0 returns everything.
	GetEventsSince(ctx context.Context, afterPosition int64, limit int) ([]Event, error)

	// GetLatestVersion returns 0 for an aggregate without events.
	GetLatestVersion(ctx context.Context, aggregateID string) (int, error)

	AggregateExists(ctx context.Context, aggregateID string) (bool, error)
	GetEventsByType(ctx context.Context, eventType string) ([]Event, error)
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]Event, error)
}

// SnapshotStore keeps at most one snapshot per aggregate.
type SnapshotStore interface {
	// SaveSnapshot replaces any existing snapshot for the aggregate.
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error

	// GetLatestSnapshot returns nil, nil when no snapshot exists.
	GetLatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	DeleteSnapshot(ctx context.Context, aggregateID string) error
	HasSnapshot(ctx context.Context, aggregateID string) (bool, error)
}

// VersionReader is the part of EventStore needed to guard snapshot writes.
type VersionReader interface {
	GetLatestVersion(ctx context.Context, aggregateID string) (int, error)
}
