package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/bss-eventstore/internal/common/logattr"
)

// memoryStream is one aggregate's event stream. Its lock serializes the
// version check and append for that aggregate only.
type memoryStream struct {
	mu     sync.RWMutex
	events []Event
}

// MemoryEventStore keeps events in process memory.
type MemoryEventStore struct {
	streamsMu sync.Mutex
	streams   map[string]*memoryStream

	// logMu guards the global feed and secondary indexes.
	logMu         sync.RWMutex
	log           []Event
	byType        map[string][]int
	byCorrelation map[string][]int
	position      int64

	logger *slog.Logger
}

func NewMemoryEventStore(opts ...Option) *MemoryEventStore {
	o := buildOptions(opts)
	return &MemoryEventStore{
		streams:       make(map[string]*memoryStream),
		byType:        make(map[string][]int),
		byCorrelation: make(map[string][]int),
		logger:        o.logger.With(logattr.Component("store.MemoryEventStore")),
	}
}

func (es *MemoryEventStore) stream(aggregateID string, create bool) *memoryStream {
	es.streamsMu.Lock()
	defer es.streamsMu.Unlock()
	s, ok := es.streams[aggregateID]
	if !ok && create {
		s = &memoryStream{}
		es.streams[aggregateID] = s
	}
	return s
}

// SaveEvents appends the batch if the stream is at expectedVersion.
func (es *MemoryEventStore) SaveEvents(ctx context.Context, aggregateID string, events []Event, expectedVersion int) error {
	batch, err := prepareBatch(aggregateID, events, expectedVersion)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s := es.stream(aggregateID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	if actual := len(s.events); actual != expectedVersion {
		es.logger.WarnContext(ctx, "concurrency conflict",
			logattr.AggregateID(aggregateID),
			logattr.ExpectedVersion(expectedVersion),
			logattr.ActualVersion(actual))
		return &ConcurrencyConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: actual}
	}
	if err := checkBatchStart(aggregateID, batch, expectedVersion); err != nil {
		return err
	}

	es.logMu.Lock()
	for i := range batch {
		es.position++
		batch[i].Position = es.position
		idx := len(es.log)
		es.log = append(es.log, batch[i])
		es.byType[batch[i].EventType] = append(es.byType[batch[i].EventType], idx)
		if c := batch[i].CorrelationID; c != "" {
			es.byCorrelation[c] = append(es.byCorrelation[c], idx)
		}
	}
	es.logMu.Unlock()

	s.events = append(s.events, batch...)

	es.logger.DebugContext(ctx, "events saved",
		logattr.AggregateID(aggregateID),
		logattr.Version(expectedVersion+len(batch)),
		logattr.Count(len(batch)))
	return nil
}

// GetEventsForAggregate returns all events for an aggregate
func (es *MemoryEventStore) GetEventsForAggregate(ctx context.Context, aggregateID string) ([]Event, error) {
	return es.GetEventsForAggregateSinceVersion(ctx, aggregateID, 0)
}

func (es *MemoryEventStore) GetEventsForAggregateSinceVersion(ctx context.Context, aggregateID string, version int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := es.stream(aggregateID, false)
	if s == nil {
		return []Event{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if version < 0 {
		version = 0
	}
	if version >= len(s.events) {
		return []Event{}, nil
	}
	out := cloneEvents(s.events[version:])
	if err := VerifyStream(aggregateID, version, out); err != nil {
		es.logger.ErrorContext(ctx, "stream integrity violation", logattr.AggregateID(aggregateID), logattr.Error(err))
		return nil, err
	}
	return out, nil
}

func (es *MemoryEventStore) GetEventsSince(ctx context.Context, afterPosition int64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	es.logMu.RLock()
	defer es.logMu.RUnlock()

	// Positions are dense and start at 1, so the log index of position p is p-1.
	start := afterPosition
	if start < 0 {
		start = 0
	}
	if start >= int64(len(es.log)) {
		return []Event{}, nil
	}
	end := int64(len(es.log))
	if limit > 0 && start+int64(limit) < end {
		end = start + int64(limit)
	}
	return cloneEvents(es.log[start:end]), nil
}

func (es *MemoryEventStore) GetLatestVersion(ctx context.Context, aggregateID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := es.stream(aggregateID, false)
	if s == nil {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

func (es *MemoryEventStore) AggregateExists(ctx context.Context, aggregateID string) (bool, error) {
	v, err := es.GetLatestVersion(ctx, aggregateID)
	return v > 0, err
}

func (es *MemoryEventStore) GetEventsByType(ctx context.Context, eventType string) ([]Event, error) {
	return es.fromIndex(ctx, func() []int { return es.byType[eventType] })
}

func (es *MemoryEventStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]Event, error) {
	return es.fromIndex(ctx, func() []int { return es.byCorrelation[correlationID] })
}

func (es *MemoryEventStore) fromIndex(ctx context.Context, lookup func() []int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	es.logMu.RLock()
	defer es.logMu.RUnlock()

	idx := lookup()
	out := make([]Event, len(idx))
	for i, n := range idx {
		out[i] = cloneEvent(es.log[n])
	}
	return out, nil
}
