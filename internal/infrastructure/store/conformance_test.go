package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// testEvents builds n events for aggregateID with versions from, from+1, ...
func testEvents(aggregateID string, from, n int) []Event {
	events := make([]Event, n)
	for i := range events {
		v := from + i
		events[i] = Event{
			AggregateID:   aggregateID,
			AggregateType: "Order",
			EventType:     "OrderItemAdded",
			Payload:       []byte(fmt.Sprintf(`{"item":%d}`, v)),
			Version:       v,
		}
	}
	return events
}

func versionsOf(events []Event) []int {
	out := make([]int, len(events))
	for i, e := range events {
		out[i] = e.Version
	}
	return out
}

// runEventStoreSuite checks the behaviour every EventStore backend shares.
func runEventStoreSuite(t *testing.T, newStore func(t *testing.T) EventStore) {
	ctx := context.Background()

	t.Run("append ordering", func(t *testing.T) {
		es := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", i*2+1, 2), i*2))
		}

		events, err := es.GetEventsForAggregate(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, versionsOf(events))
	})

	t.Run("conflict scenario", func(t *testing.T) {
		es := newStore(t)
		require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", 1, 3), 0))

		v, err := es.GetLatestVersion(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, 3, v)

		err = es.SaveEvents(ctx, "A", testEvents("A", 4, 1), 2)
		require.ErrorIs(t, err, ErrConcurrencyConflict)
		var conflict *ConcurrencyConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "A", conflict.AggregateID)
		assert.Equal(t, 2, conflict.Expected)
		assert.Equal(t, 3, conflict.Actual)

		events, err := es.GetEventsForAggregate(ctx, "A")
		require.NoError(t, err)
		assert.Len(t, events, 3)

		require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", 4, 1), 3))
		v, err = es.GetLatestVersion(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, 4, v)
	})

	t.Run("non-contiguous batch is an integrity violation", func(t *testing.T) {
		es := newStore(t)
		require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", 1, 3), 0))

		err := es.SaveEvents(ctx, "A", testEvents("A", 5, 1), 3)
		require.ErrorIs(t, err, ErrIntegrityViolation)

		err = es.SaveEvents(ctx, "A", []Event{testEvents("A", 4, 1)[0], testEvents("A", 6, 1)[0]}, 3)
		require.ErrorIs(t, err, ErrIntegrityViolation)

		v, err := es.GetLatestVersion(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, 3, v)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		es := newStore(t)
		const writers = 8

		errs := make([]error, writers)
		var g errgroup.Group
		for i := 0; i < writers; i++ {
			g.Go(func() error {
				events := testEvents("A", 1, 2)
				for j := range events {
					events[j].Payload = []byte(fmt.Sprintf(`{"writer":%d}`, i))
				}
				errs[i] = es.SaveEvents(ctx, "A", events, 0)
				return nil
			})
		}
		require.NoError(t, g.Wait())

		winner := -1
		for i, err := range errs {
			if err == nil {
				assert.Equal(t, -1, winner, "more than one writer succeeded")
				winner = i
				continue
			}
			assert.ErrorIs(t, err, ErrConcurrencyConflict)
		}
		require.NotEqual(t, -1, winner)

		events, err := es.GetEventsForAggregate(ctx, "A")
		require.NoError(t, err)
		require.Len(t, events, 2)
		for _, e := range events {
			assert.JSONEq(t, fmt.Sprintf(`{"writer":%d}`, winner), string(e.Payload))
		}
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		es := newStore(t)

		events, err := es.GetEventsForAggregate(ctx, "B")
		require.NoError(t, err)
		assert.NotNil(t, events)
		assert.Empty(t, events)

		exists, err := es.AggregateExists(ctx, "B")
		require.NoError(t, err)
		assert.False(t, exists)

		v, err := es.GetLatestVersion(ctx, "B")
		require.NoError(t, err)
		assert.Zero(t, v)
	})

	t.Run("idempotent read", func(t *testing.T) {
		es := newStore(t)
		require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", 1, 4), 0))

		first, err := es.GetEventsForAggregate(ctx, "A")
		require.NoError(t, err)
		second, err := es.GetEventsForAggregate(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("assigns id, position and timestamp", func(t *testing.T) {
		es := newStore(t)
		events := testEvents("A", 1, 2)
		events[0].ID = "caller-chosen-id"
		events[0].UserID = "user-1"
		events[0].CorrelationID = "corr-1"
		require.NoError(t, es.SaveEvents(ctx, "A", events, 0))

		stored, err := es.GetEventsForAggregate(ctx, "A")
		require.NoError(t, err)
		require.Len(t, stored, 2)

		assert.Equal(t, "caller-chosen-id", stored[0].ID)
		assert.NotEmpty(t, stored[1].ID)
		assert.Equal(t, "user-1", stored[0].UserID)
		assert.Equal(t, "corr-1", stored[0].CorrelationID)
		assert.Empty(t, stored[1].CorrelationID)
		assert.Greater(t, stored[1].Position, stored[0].Position)
		for _, e := range stored {
			assert.Positive(t, e.Position)
			assert.WithinDuration(t, time.Now(), e.Timestamp, time.Minute)
			assert.Equal(t, "Order", e.AggregateType)
		}
	})

	t.Run("payload is copied", func(t *testing.T) {
		es := newStore(t)
		events := testEvents("A", 1, 1)
		require.NoError(t, es.SaveEvents(ctx, "A", events, 0))
		events[0].Payload[0] = 'X'

		stored, err := es.GetEventsForAggregate(ctx, "A")
		require.NoError(t, err)
		assert.JSONEq(t, `{"item":1}`, string(stored[0].Payload))

		stored[0].Payload[0] = 'X'
		again, err := es.GetEventsForAggregate(ctx, "A")
		require.NoError(t, err)
		assert.JSONEq(t, `{"item":1}`, string(again[0].Payload))
	})

	t.Run("since version", func(t *testing.T) {
		es := newStore(t)
		require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", 1, 5), 0))

		events, err := es.GetEventsForAggregateSinceVersion(ctx, "A", 3)
		require.NoError(t, err)
		assert.Equal(t, []int{4, 5}, versionsOf(events))

		events, err = es.GetEventsForAggregateSinceVersion(ctx, "A", 5)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("global feed", func(t *testing.T) {
		es := newStore(t)
		require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", 1, 2), 0))
		require.NoError(t, es.SaveEvents(ctx, "B", testEvents("B", 1, 1), 0))
		require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", 3, 1), 2))

		all, err := es.GetEventsSince(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i := 1; i < len(all); i++ {
			assert.Greater(t, all[i].Position, all[i-1].Position)
		}
		assert.Equal(t, "B", all[2].AggregateID)

		page, err := es.GetEventsSince(ctx, 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)

		rest, err := es.GetEventsSince(ctx, page[1].Position, 0)
		require.NoError(t, err)
		assert.Equal(t, all[2:], rest)

		tail, err := es.GetEventsSince(ctx, all[3].Position, 10)
		require.NoError(t, err)
		assert.Empty(t, tail)
	})

	t.Run("lookups by type and correlation id", func(t *testing.T) {
		es := newStore(t)
		a := testEvents("A", 1, 2)
		a[1].EventType = "OrderPaid"
		a[1].CorrelationID = "checkout-1"
		b := testEvents("B", 1, 1)
		b[0].EventType = "OrderPaid"
		b[0].CorrelationID = "checkout-1"
		require.NoError(t, es.SaveEvents(ctx, "A", a, 0))
		require.NoError(t, es.SaveEvents(ctx, "B", b, 0))

		paid, err := es.GetEventsByType(ctx, "OrderPaid")
		require.NoError(t, err)
		require.Len(t, paid, 2)
		assert.Equal(t, "A", paid[0].AggregateID)
		assert.Equal(t, "B", paid[1].AggregateID)

		correlated, err := es.GetEventsByCorrelationID(ctx, "checkout-1")
		require.NoError(t, err)
		assert.Len(t, correlated, 2)

		none, err := es.GetEventsByType(ctx, "OrderCancelled")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("validation", func(t *testing.T) {
		es := newStore(t)

		assert.ErrorIs(t, es.SaveEvents(ctx, "A", nil, 0), ErrNoEvents)
		assert.ErrorIs(t, es.SaveEvents(ctx, "A", testEvents("B", 1, 1), 0), ErrInvalidEvent)
		assert.ErrorIs(t, es.SaveEvents(ctx, "A", testEvents("A", 1, 1), -1), ErrInvalidEvent)

		untyped := testEvents("A", 1, 1)
		untyped[0].EventType = ""
		assert.ErrorIs(t, es.SaveEvents(ctx, "A", untyped, 0), ErrInvalidEvent)

		exists, err := es.AggregateExists(ctx, "A")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

// runSnapshotStoreSuite checks snapshot behaviour. The snapshot store must reject
// snapshots ahead of the event store it is paired with.
func runSnapshotStoreSuite(t *testing.T, newStores func(t *testing.T) (EventStore, SnapshotStore)) {
	ctx := context.Background()

	t.Run("replace", func(t *testing.T) {
		es, ss := newStores(t)
		require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", 1, 10), 0))

		require.NoError(t, ss.SaveSnapshot(ctx, Snapshot{AggregateID: "A", AggregateType: "Order", Version: 5, State: []byte(`{"n":5}`)}))
		require.NoError(t, ss.SaveSnapshot(ctx, Snapshot{AggregateID: "A", AggregateType: "Order", Version: 10, State: []byte(`{"n":10}`)}))

		snap, err := ss.GetLatestSnapshot(ctx, "A")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, 10, snap.Version)
		assert.Equal(t, "Order", snap.AggregateType)
		assert.JSONEq(t, `{"n":10}`, string(snap.State))
		assert.NotEmpty(t, snap.ID)
		assert.False(t, snap.CreatedAt.IsZero())
	})

	t.Run("absent", func(t *testing.T) {
		_, ss := newStores(t)

		snap, err := ss.GetLatestSnapshot(ctx, "B")
		require.NoError(t, err)
		assert.Nil(t, snap)

		has, err := ss.HasSnapshot(ctx, "B")
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("delete", func(t *testing.T) {
		es, ss := newStores(t)
		require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", 1, 2), 0))
		require.NoError(t, ss.SaveSnapshot(ctx, Snapshot{AggregateID: "A", Version: 2, State: []byte(`{}`)}))

		has, err := ss.HasSnapshot(ctx, "A")
		require.NoError(t, err)
		assert.True(t, has)

		require.NoError(t, ss.DeleteSnapshot(ctx, "A"))
		require.NoError(t, ss.DeleteSnapshot(ctx, "A"))

		snap, err := ss.GetLatestSnapshot(ctx, "A")
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("ahead of log", func(t *testing.T) {
		es, ss := newStores(t)
		require.NoError(t, es.SaveEvents(ctx, "A", testEvents("A", 1, 2), 0))

		err := ss.SaveSnapshot(ctx, Snapshot{AggregateID: "A", Version: 3, State: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrIntegrityViolation)

		has, err := ss.HasSnapshot(ctx, "A")
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("validation", func(t *testing.T) {
		_, ss := newStores(t)
		assert.ErrorIs(t, ss.SaveSnapshot(ctx, Snapshot{Version: 1}), ErrInvalidSnapshot)
		assert.ErrorIs(t, ss.SaveSnapshot(ctx, Snapshot{AggregateID: "A", Version: 0}), ErrInvalidSnapshot)
	})
}
