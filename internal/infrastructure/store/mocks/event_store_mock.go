package mocks

import (
	"context"
	"sync"

	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

// MockEventStore is an in-memory EventStore that records SaveEvents calls and
// lets tests inject failures.
type MockEventStore struct {
	*store.MemoryEventStore

	mu sync.Mutex

	// For tracking calls in tests
	SaveCalls []SaveCall
	SaveErr   error
	// SaveCallback runs before the append; a non-nil error is returned instead of saving.
	SaveCallback func(ctx context.Context, aggregateID string, events []store.Event, expectedVersion int) error
	ReadErr      error
}

// SaveCall records parameters passed to SaveEvents
type SaveCall struct {
	AggregateID     string
	Events          []store.Event
	ExpectedVersion int
}

// NewMockEventStore creates a new MockEventStore
func NewMockEventStore() *MockEventStore {
	return &MockEventStore{
		MemoryEventStore: store.NewMemoryEventStore(),
		SaveCalls:        make([]SaveCall, 0),
	}
}

func (m *MockEventStore) SaveEvents(ctx context.Context, aggregateID string, events []store.Event, expectedVersion int) error {
	m.mu.Lock()
	m.SaveCalls = append(m.SaveCalls, SaveCall{
		AggregateID:     aggregateID,
		Events:          append([]store.Event(nil), events...),
		ExpectedVersion: expectedVersion,
	})
	callback, saveErr := m.SaveCallback, m.SaveErr
	m.mu.Unlock()

	// Use callback if provided
	if callback != nil {
		if err := callback(ctx, aggregateID, events, expectedVersion); err != nil {
			return err
		}
	}

	// Return error if set
	if saveErr != nil {
		return saveErr
	}

	return m.MemoryEventStore.SaveEvents(ctx, aggregateID, events, expectedVersion)
}

func (m *MockEventStore) GetEventsForAggregate(ctx context.Context, aggregateID string) ([]store.Event, error) {
	if err := m.readErr(); err != nil {
		return nil, err
	}
	return m.MemoryEventStore.GetEventsForAggregate(ctx, aggregateID)
}

func (m *MockEventStore) GetEventsForAggregateSinceVersion(ctx context.Context, aggregateID string, version int) ([]store.Event, error) {
	if err := m.readErr(); err != nil {
		return nil, err
	}
	return m.MemoryEventStore.GetEventsForAggregateSinceVersion(ctx, aggregateID, version)
}

func (m *MockEventStore) GetEventsSince(ctx context.Context, afterPosition int64, limit int) ([]store.Event, error) {
	if err := m.readErr(); err != nil {
		return nil, err
	}
	return m.MemoryEventStore.GetEventsSince(ctx, afterPosition, limit)
}

func (m *MockEventStore) GetLatestVersion(ctx context.Context, aggregateID string) (int, error) {
	if err := m.readErr(); err != nil {
		return 0, err
	}
	return m.MemoryEventStore.GetLatestVersion(ctx, aggregateID)
}

func (m *MockEventStore) readErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReadErr
}

// SaveCallCount returns the number of SaveEvents calls so far.
func (m *MockEventStore) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SaveCalls)
}

// Reset clears all events and recorded calls
func (m *MockEventStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MemoryEventStore = store.NewMemoryEventStore()
	m.SaveCalls = make([]SaveCall, 0)
	m.SaveErr = nil
	m.SaveCallback = nil
	m.ReadErr = nil
}
