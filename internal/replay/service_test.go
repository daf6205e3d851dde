package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bss-eventstore/internal/infrastructure/store"
	"github.com/example/bss-eventstore/internal/infrastructure/store/mocks"
)

// recorder collects handled events and fails the ones listed in reject.
type recorder struct {
	mu     sync.Mutex
	seen   []store.Event
	reject map[string]bool
}

func (r *recorder) handle(_ context.Context, e store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, e)
	if r.reject[e.EventType] {
		return errors.New("rejected")
	}
	return nil
}

func newStore(t *testing.T) *store.MemoryEventStore {
	t.Helper()
	ctx := context.Background()
	es := store.NewMemoryEventStore()
	for _, id := range []string{"order-1", "order-2"} {
		require.NoError(t, es.SaveEvents(ctx, id, []store.Event{
			{AggregateType: "Order", EventType: "OrderPlaced", Payload: []byte(`{}`), CorrelationID: "req-" + id, Version: 1},
			{AggregateType: "Order", EventType: "OrderPaid", Payload: []byte(`{}`), CorrelationID: "req-" + id, Version: 2},
		}, 0))
	}
	require.NoError(t, es.SaveEvents(ctx, "order-1", []store.Event{
		{AggregateType: "Order", EventType: "OrderShipped", Payload: []byte(`{}`), Version: 3},
	}, 2))
	return es
}

func TestService_Replay(t *testing.T) {
	ctx := context.Background()
	es := newStore(t)

	tests := []struct {
		name    string
		run     func(*Service) (Result, error)
		want    int
		reject  map[string]bool
		failed  int
		firstAt int64
	}{
		{name: "aggregate", run: func(s *Service) (Result, error) { return s.ReplayAggregate(ctx, "order-1") }, want: 3, firstAt: 1},
		{name: "unknown aggregate", run: func(s *Service) (Result, error) { return s.ReplayAggregate(ctx, "nope") }, want: 0},
		{name: "by type", run: func(s *Service) (Result, error) { return s.ReplayByType(ctx, "OrderPaid") }, want: 2, firstAt: 2},
		{name: "by correlation", run: func(s *Service) (Result, error) { return s.ReplayByCorrelationID(ctx, "req-order-2") }, want: 2, firstAt: 3},
		{name: "since", run: func(s *Service) (Result, error) { return s.ReplaySince(ctx, 2) }, want: 3, firstAt: 3},
		{
			name:    "handler failures are counted",
			run:     func(s *Service) (Result, error) { return s.ReplaySince(ctx, 0) },
			want:    5,
			reject:  map[string]bool{"OrderPaid": true},
			failed:  2,
			firstAt: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{reject: tt.reject}
			s := NewService(es, rec.handle, WithPageSize(2))

			res, err := tt.run(s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Total())
			assert.Equal(t, tt.failed, res.Failed)
			assert.Len(t, res.Failures, tt.failed)
			require.Len(t, rec.seen, tt.want)
			if tt.want > 0 {
				assert.Equal(t, tt.firstAt, rec.seen[0].Position)
			}
		})
	}
}

func TestService_ReplayTimeRange(t *testing.T) {
	ctx := context.Background()
	es := store.NewMemoryEventStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, es.SaveEvents(ctx, fmt.Sprintf("a-%d", i), []store.Event{{
			AggregateType: "Order", EventType: "OrderPlaced", Payload: []byte(`{}`),
			Timestamp: base.Add(time.Duration(i) * time.Hour), Version: 1,
		}}, 0))
	}

	rec := &recorder{}
	s := NewService(es, rec.handle, WithPageSize(2))

	res, err := s.ReplayTimeRange(ctx, base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, "a-1", rec.seen[0].AggregateID)
	assert.Equal(t, "a-3", rec.seen[2].AggregateID)

	_, err = s.ReplayTimeRange(ctx, base, base.Add(-time.Second))
	assert.Error(t, err)
}

func TestService_ReplayAggregates(t *testing.T) {
	rec := &recorder{}
	s := NewService(newStore(t), rec.handle, WithParallelism(2))

	results, err := s.ReplayAggregates(context.Background(), []string{"order-1", "order-2", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 3, results["order-1"].Succeeded)
	assert.Equal(t, 2, results["order-2"].Succeeded)
	assert.Equal(t, 0, results["missing"].Total())
	assert.Len(t, rec.seen, 5)
}

func TestService_ReplayAggregates_ReadError(t *testing.T) {
	es := mocks.NewMockEventStore()
	es.ReadErr = assert.AnError

	_, err := NewService(es, nil).ReplayAggregates(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, assert.AnError)
}

// brokenStream reports a version gap on read and a fixed latest version.
type brokenStream struct {
	store.EventStore
	events []store.Event
	latest int
	err    error
}

func (b brokenStream) GetEventsForAggregate(context.Context, string) ([]store.Event, error) {
	return b.events, b.err
}

func (b brokenStream) GetLatestVersion(context.Context, string) (int, error) {
	return b.latest, nil
}

func TestService_CheckIntegrity(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		report, err := NewService(newStore(t), nil).CheckIntegrity(ctx, "order-1")
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.Equal(t, 3, report.TotalEvents)
		assert.Equal(t, 3, report.LatestVersion)
		assert.Empty(t, report.Problem)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		report, err := NewService(newStore(t), nil).CheckIntegrity(ctx, "nope")
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.Zero(t, report.TotalEvents)
	})

	t.Run("gap reported by the store", func(t *testing.T) {
		es := brokenStream{latest: 3, err: &store.IntegrityViolationError{AggregateID: "a", Expected: 2, Found: 3, Reason: "version gap"}}
		report, err := NewService(es, nil).CheckIntegrity(ctx, "a")
		require.NoError(t, err)
		assert.False(t, report.Valid)
		assert.Contains(t, report.Problem, "version gap")
	})

	t.Run("duplicate version", func(t *testing.T) {
		es := brokenStream{latest: 2, events: []store.Event{
			{AggregateID: "a", Version: 1},
			{AggregateID: "a", Version: 1},
		}}
		report, err := NewService(es, nil).CheckIntegrity(ctx, "a")
		require.NoError(t, err)
		assert.False(t, report.Valid)
		assert.Contains(t, report.Problem, "duplicate")
	})

	t.Run("head ahead of stream", func(t *testing.T) {
		es := brokenStream{latest: 3, events: []store.Event{{AggregateID: "a", Version: 1}}}
		report, err := NewService(es, nil).CheckIntegrity(ctx, "a")
		require.NoError(t, err)
		assert.False(t, report.Valid)
		assert.Equal(t, 3, report.LatestVersion)
	})

	t.Run("append between version read and stream read", func(t *testing.T) {
		es := brokenStream{latest: 2, events: []store.Event{
			{AggregateID: "a", Version: 1},
			{AggregateID: "a", Version: 2},
			{AggregateID: "a", Version: 3},
		}}
		report, err := NewService(es, nil).CheckIntegrity(ctx, "a")
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.Equal(t, 3, report.TotalEvents)
		assert.Equal(t, 3, report.LatestVersion)
		assert.Empty(t, report.Problem)
	})

	t.Run("storage failure", func(t *testing.T) {
		es := mocks.NewMockEventStore()
		es.ReadErr = assert.AnError
		_, err := NewService(es, nil).CheckIntegrity(ctx, "a")
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestService_Statistics(t *testing.T) {
	stats, err := NewService(newStore(t), nil, WithPageSize(2)).Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalEvents)
	assert.Equal(t, 2, stats.UniqueAggregates)
	assert.Equal(t, map[string]int{"OrderPlaced": 2, "OrderPaid": 2, "OrderShipped": 1}, stats.EventsByType)
	assert.Equal(t, int64(5), stats.LastPosition)
}
