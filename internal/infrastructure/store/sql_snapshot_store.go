package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/bss-eventstore/internal/common/logattr"
)

// SQLSnapshotStore keeps one snapshot per aggregate in the snapshots table.
// SaveSnapshot reads the aggregate head in the same transaction, so a snapshot
// can never be ahead of the log it was built from.
type SQLSnapshotStore struct {
	db      *sql.DB
	dialect Dialect
	cfg     SQLConfig
	logger  *slog.Logger
}

func NewSQLSnapshotStore(db *sql.DB, dialect Dialect, cfg SQLConfig, opts ...Option) *SQLSnapshotStore {
	o := buildOptions(opts)
	return &SQLSnapshotStore{
		db:      db,
		dialect: dialect,
		cfg:     cfg,
		logger:  o.logger.With(logattr.Component("store.SQLSnapshotStore")),
	}
}

func (s *SQLSnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	snap, err := prepareSnapshot(snapshot)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head int
	err = tx.QueryRowContext(ctx,
		s.dialect.rebind(fmt.Sprintf(`SELECT version FROM %s WHERE aggregate_id = $1`, s.cfg.HeadsTable)),
		snap.AggregateID).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storageErr("query aggregate version", err)
	}
	if snap.Version > head {
		return &IntegrityViolationError{
			AggregateID: snap.AggregateID,
			Expected:    head,
			Found:       snap.Version,
			Reason:      "snapshot is ahead of the event log",
		}
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, id, aggregate_type, version, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			id = EXCLUDED.id,
			aggregate_type = EXCLUDED.aggregate_type,
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			created_at = EXCLUDED.created_at`, s.cfg.SnapshotsTable)),
		snap.AggregateID, snap.ID, snap.AggregateType, snap.Version, nonNilBytes(snap.State), snap.CreatedAt)
	if err != nil {
		return storageErr("upsert snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}

	s.logger.DebugContext(ctx, "snapshot saved",
		logattr.AggregateID(snap.AggregateID),
		logattr.Version(snap.Version))
	return nil
}

func (s *SQLSnapshotStore) GetLatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	query := s.dialect.rebind(fmt.Sprintf(`
		SELECT id, aggregate_id, aggregate_type, version, state, created_at
		FROM %s WHERE aggregate_id = $1`, s.cfg.SnapshotsTable))

	var snap Snapshot
	err := s.db.QueryRowContext(ctx, query, aggregateID).Scan(
		&snap.ID, &snap.AggregateID, &snap.AggregateType, &snap.Version, &snap.State, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("query snapshot", err)
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	return &snap, nil
}

func (s *SQLSnapshotStore) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(fmt.Sprintf(`DELETE FROM %s WHERE aggregate_id = $1`, s.cfg.SnapshotsTable)),
		aggregateID)
	if err != nil {
		return storageErr("delete snapshot", err)
	}
	return nil
}

func (s *SQLSnapshotStore) HasSnapshot(ctx context.Context, aggregateID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE aggregate_id = $1`, s.cfg.SnapshotsTable)),
		aggregateID).Scan(&n)
	if err != nil {
		return false, storageErr("query snapshot", err)
	}
	return n > 0, nil
}
