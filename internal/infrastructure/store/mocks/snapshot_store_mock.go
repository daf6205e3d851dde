package mocks

import (
	"context"
	"sync"

	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

// MockSnapshotStore wraps MemorySnapshotStore with call tracking and error injection.
type MockSnapshotStore struct {
	*store.MemorySnapshotStore

	mu        sync.Mutex
	SaveCalls []store.Snapshot
	SaveErr   error
	GetErr    error
}

func NewMockSnapshotStore() *MockSnapshotStore {
	return &MockSnapshotStore{MemorySnapshotStore: store.NewMemorySnapshotStore()}
}

func (m *MockSnapshotStore) SaveSnapshot(ctx context.Context, snapshot store.Snapshot) error {
	m.mu.Lock()
	m.SaveCalls = append(m.SaveCalls, snapshot)
	err := m.SaveErr
	m.mu.Unlock()

	if err != nil {
		return err
	}
	return m.MemorySnapshotStore.SaveSnapshot(ctx, snapshot)
}

func (m *MockSnapshotStore) GetLatestSnapshot(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	m.mu.Lock()
	err := m.GetErr
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return m.MemorySnapshotStore.GetLatestSnapshot(ctx, aggregateID)
}

// SaveCallCount returns the number of SaveSnapshot calls so far.
func (m *MockSnapshotStore) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SaveCalls)
}
