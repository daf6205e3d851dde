package store

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a persisted domain event.
// Payload is opaque to the store; serialization belongs to the aggregate layer.
type Event struct {
	ID            string    `json:"id"`
	Position      int64     `json:"position"` // Global ordering key assigned at append time
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	EventType     string    `json:"event_type"`
	Payload       []byte    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Version       int       `json:"version"` // 1-based position within the aggregate stream
}

// cloneEvent returns a copy that does not share the payload buffer.
func cloneEvent(e Event) Event {
	if e.Payload != nil {
		p := make([]byte, len(e.Payload))
		copy(p, e.Payload)
		e.Payload = p
	}
	return e
}

func cloneEvents(events []Event) []Event {
	out := make([]Event, len(events))
	for i := range events {
		out[i] = cloneEvent(events[i])
	}
	return out
}

// prepareBatch validates a batch for SaveEvents and returns private copies with
// ID, AggregateID and Timestamp filled in. Positions are assigned by the backend.
// Whether the batch starts at expectedVersion+1 is checked after the version
// compare, so a stale writer sees a conflict rather than an integrity error.
func prepareBatch(aggregateID string, events []Event, expectedVersion int) ([]Event, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if aggregateID == "" {
		return nil, invalidEventf("aggregate id is required")
	}
	if expectedVersion < 0 {
		return nil, invalidEventf("expected version must be non-negative, got %d", expectedVersion)
	}

	now := time.Now().UTC()
	batch := make([]Event, len(events))
	for i, e := range events {
		if e.AggregateID != "" && e.AggregateID != aggregateID {
			return nil, invalidEventf("event %d: aggregate id %q does not match %q", i, e.AggregateID, aggregateID)
		}
		if e.EventType == "" {
			return nil, invalidEventf("event %d: event type is required", i)
		}
		if i > 0 && e.Version != events[i-1].Version+1 {
			return nil, &IntegrityViolationError{
				AggregateID: aggregateID,
				Expected:    events[i-1].Version + 1,
				Found:       e.Version,
				Reason:      "batch versions are not contiguous",
			}
		}

		e = cloneEvent(e)
		e.AggregateID = aggregateID
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		batch[i] = e
	}
	return batch, nil
}

// checkBatchStart runs once the stream is known to be at expectedVersion: the
// batch must continue it.
func checkBatchStart(aggregateID string, batch []Event, expectedVersion int) error {
	if want := expectedVersion + 1; batch[0].Version != want {
		return &IntegrityViolationError{
			AggregateID: aggregateID,
			Expected:    want,
			Found:       batch[0].Version,
			Reason:      "batch does not continue the stream",
		}
	}
	return nil
}

// VerifyStream checks that events form the contiguous run afterVersion+1, afterVersion+2, ...
// for aggregateID. Any gap, duplicate or foreign event is an integrity violation.
func VerifyStream(aggregateID string, afterVersion int, events []Event) error {
	next := afterVersion + 1
	for _, e := range events {
		if e.AggregateID != aggregateID {
			return &IntegrityViolationError{
				AggregateID: aggregateID,
				Expected:    next,
				Found:       e.Version,
				Reason:      "event " + e.ID + " belongs to aggregate " + e.AggregateID,
			}
		}
		if e.Version != next {
			reason := "version gap"
			if e.Version < next {
				reason = "duplicate or out-of-order version"
			}
			return &IntegrityViolationError{
				AggregateID: aggregateID,
				Expected:    next,
				Found:       e.Version,
				Reason:      reason,
			}
		}
		next++
	}
	return nil
}
