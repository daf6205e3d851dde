package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/bss-eventstore/internal/common/logattr"
)

// MemorySnapshotStore keeps one snapshot per aggregate in process memory.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	logger    *slog.Logger
}

func NewMemorySnapshotStore(opts ...Option) *MemorySnapshotStore {
	o := buildOptions(opts)
	return &MemorySnapshotStore{
		snapshots: make(map[string]Snapshot),
		logger:    o.logger.With(logattr.Component("store.MemorySnapshotStore")),
	}
}

func (ss *MemorySnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	s, err := prepareSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ss.mu.Lock()
	ss.snapshots[s.AggregateID] = s
	ss.mu.Unlock()

	ss.logger.DebugContext(ctx, "snapshot saved", logattr.AggregateID(s.AggregateID), logattr.Version(s.Version))
	return nil
}

func (ss *MemorySnapshotStore) GetLatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	s, ok := ss.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	c := cloneSnapshot(s)
	return &c, nil
}

func (ss *MemorySnapshotStore) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ss.mu.Lock()
	delete(ss.snapshots, aggregateID)
	ss.mu.Unlock()
	return nil
}

func (ss *MemorySnapshotStore) HasSnapshot(ctx context.Context, aggregateID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	_, ok := ss.snapshots[aggregateID]
	return ok, nil
}
