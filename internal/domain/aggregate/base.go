package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

// Aggregate defines the interface for event-sourced aggregates
type Aggregate interface {
	GetID() string
	GetVersion() int
	SetVersion(int)
	ApplyEvent(store.Event) error
}

// LoadAggregate loads an aggregate by replaying events, using snapshot if available.
// snapshots may be nil. Returns the aggregate, a boolean indicating if data was
// found, and any error.
func LoadAggregate[T Aggregate](
	ctx context.Context,
	eventStore store.EventStore,
	snapshots store.SnapshotStore,
	id string,
	newAggregate func() T,
) (T, bool, error) {
	var zero T
	agg := newAggregate()

	var snapshot *store.Snapshot
	if snapshots != nil {
		var err error
		snapshot, err = snapshots.GetLatestSnapshot(ctx, id)
		if err != nil {
			return zero, false, fmt.Errorf("failed to get snapshot: %w", err)
		}
	}

	var (
		events []store.Event
		err    error
	)
	if snapshot != nil {
		if err := json.Unmarshal(snapshot.State, agg); err != nil {
			return zero, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		agg.SetVersion(snapshot.Version)
		events, err = eventStore.GetEventsForAggregateSinceVersion(ctx, id, snapshot.Version)
	} else {
		events, err = eventStore.GetEventsForAggregate(ctx, id)
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to get events: %w", err)
	}

	// Check if any data was found
	hasData := snapshot != nil || len(events) > 0

	if err := Apply(agg, id, events); err != nil {
		return zero, false, err
	}
	return agg, hasData, nil
}

// Apply replays events onto agg. Each event must belong to id and carry the
// version right after the aggregate's current one.
func Apply(agg Aggregate, id string, events []store.Event) error {
	for _, event := range events {
		want := agg.GetVersion() + 1
		if event.AggregateID != id || event.Version != want {
			return &store.IntegrityViolationError{
				AggregateID: id,
				Expected:    want,
				Found:       event.Version,
				Reason:      fmt.Sprintf("cannot apply event %s of aggregate %s", event.ID, event.AggregateID),
			}
		}
		if err := agg.ApplyEvent(event); err != nil {
			return fmt.Errorf("failed to apply event: %w", err)
		}
		agg.SetVersion(event.Version)
	}
	return nil
}

// MaybeCreateSnapshot creates a snapshot if the version sits on the threshold
func MaybeCreateSnapshot(
	ctx context.Context,
	snapshots store.SnapshotStore,
	agg Aggregate,
	aggregateType string,
) error {
	version := agg.GetVersion()
	if version > 0 && version%store.SnapshotThreshold == 0 {
		return saveSnapshot(ctx, snapshots, agg, aggregateType)
	}
	return nil
}

// snapshotDue reports whether moving from one version to another crossed a
// multiple of the threshold. Batches can step over the exact multiple.
func snapshotDue(from, to int) bool {
	return to/store.SnapshotThreshold > from/store.SnapshotThreshold
}

func saveSnapshot(ctx context.Context, snapshots store.SnapshotStore, agg Aggregate, aggregateType string) error {
	if snapshots == nil {
		return nil
	}
	state, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregate state: %w", err)
	}

	snapshot := store.Snapshot{
		AggregateID:   agg.GetID(),
		AggregateType: aggregateType,
		Version:       agg.GetVersion(),
		State:         state,
		CreatedAt:     time.Now().UTC(),
	}
	if err := snapshots.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
