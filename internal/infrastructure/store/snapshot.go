package store

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotThreshold defines the number of events after which a snapshot is created
const SnapshotThreshold = 10

// Snapshot represents a point-in-time state of an aggregate
type Snapshot struct {
	ID            string    `json:"id"`
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Version       int       `json:"version"` // Event version at snapshot time
	State         []byte    `json:"state"`   // Serialized aggregate state
	CreatedAt     time.Time `json:"created_at"`
}

func prepareSnapshot(s Snapshot) (Snapshot, error) {
	if s.AggregateID == "" {
		return Snapshot{}, invalidSnapshotf("aggregate id is required")
	}
	if s.Version < 1 {
		return Snapshot{}, invalidSnapshotf("version must be at least 1, got %d", s.Version)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return cloneSnapshot(s), nil
}

func cloneSnapshot(s Snapshot) Snapshot {
	if s.State != nil {
		st := make([]byte, len(s.State))
		copy(st, s.State)
		s.State = st
	}
	return s
}
