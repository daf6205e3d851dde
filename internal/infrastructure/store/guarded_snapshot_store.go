package store

import (
	"context"
	"fmt"
)

// GuardedSnapshotStore rejects snapshots that are ahead of the event log.
// Checking before writing is sufficient because the log never shrinks.
type GuardedSnapshotStore struct {
	SnapshotStore
	versions VersionReader
}

func NewGuardedSnapshotStore(inner SnapshotStore, versions VersionReader) *GuardedSnapshotStore {
	return &GuardedSnapshotStore{SnapshotStore: inner, versions: versions}
}

func (g *GuardedSnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if snapshot.AggregateID == "" {
		return invalidSnapshotf("aggregate id is required")
	}
	latest, err := g.versions.GetLatestVersion(ctx, snapshot.AggregateID)
	if err != nil {
		return fmt.Errorf("failed to read latest version: %w", err)
	}
	if snapshot.Version > latest {
		return &IntegrityViolationError{
			AggregateID: snapshot.AggregateID,
			Expected:    latest,
			Found:       snapshot.Version,
			Reason:      "snapshot is ahead of the event log",
		}
	}
	return g.SnapshotStore.SaveSnapshot(ctx, snapshot)
}
