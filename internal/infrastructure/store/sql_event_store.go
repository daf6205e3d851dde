package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/bss-eventstore/internal/common/logattr"
)

// feedLockKey is the advisory lock that orders position assignment on
// PostgreSQL. Writers hold it from their first insert until commit, so a
// position only becomes visible after every lower one has.
const feedLockKey int64 = 0x65766e7473

const eventColumns = "position, id, aggregate_id, aggregate_type, event_type, payload, user_id, correlation_id, version, created_at"

// SQLEventStore implements EventStore on PostgreSQL or SQLite.
// The aggregate_heads table holds the current version of each stream and is the
// row that concurrent writers race on.
type SQLEventStore struct {
	db      *sql.DB
	dialect Dialect
	cfg     SQLConfig
	logger  *slog.Logger
}

func NewSQLEventStore(db *sql.DB, dialect Dialect, cfg SQLConfig, opts ...Option) *SQLEventStore {
	o := buildOptions(opts)
	return &SQLEventStore{
		db:      db,
		dialect: dialect,
		cfg:     cfg,
		logger:  o.logger.With(logattr.Component("store.SQLEventStore"), slog.String("dialect", string(dialect))),
	}
}

// EnsureSchema creates the store's tables.
func (es *SQLEventStore) EnsureSchema(ctx context.Context) error {
	return EnsureSQLSchema(ctx, es.db, es.dialect, es.cfg)
}

// SaveEvents appends the batch in one transaction. The head row is claimed first;
// losing that race, or a unique violation on (aggregate_id, version), is a conflict.
func (es *SQLEventStore) SaveEvents(ctx context.Context, aggregateID string, events []Event, expectedVersion int) error {
	batch, err := prepareBatch(aggregateID, events, expectedVersion)
	if err != nil {
		return err
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	newVersion := expectedVersion + len(batch)
	claimed, err := es.claimHead(ctx, tx, aggregateID, batch[0].AggregateType, expectedVersion, newVersion)
	if err != nil {
		return err
	}
	if !claimed {
		_ = tx.Rollback()
		return es.conflict(ctx, aggregateID, expectedVersion)
	}
	if err := checkBatchStart(aggregateID, batch, expectedVersion); err != nil {
		return err
	}
	if es.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, feedLockKey); err != nil {
			return storageErr("lock event feed", err)
		}
	}

	insert := es.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (id, aggregate_id, aggregate_type, event_type, payload, user_id, correlation_id, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING position`, es.cfg.EventsTable))

	for i := range batch {
		e := &batch[i]
		err := tx.QueryRowContext(ctx, insert,
			e.ID, e.AggregateID, e.AggregateType, e.EventType, nonNilBytes(e.Payload),
			nullString(e.UserID), nullString(e.CorrelationID), e.Version, e.Timestamp,
		).Scan(&e.Position)
		if err != nil {
			if IsUniqueViolation(err) {
				_ = tx.Rollback()
				return es.conflict(ctx, aggregateID, expectedVersion)
			}
			return storageErr("insert event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if IsUniqueViolation(err) {
			return es.conflict(ctx, aggregateID, expectedVersion)
		}
		return storageErr("commit transaction", err)
	}

	es.logger.DebugContext(ctx, "events saved",
		logattr.AggregateID(aggregateID),
		logattr.Version(newVersion),
		logattr.Count(len(batch)))
	return nil
}

// claimHead moves the head row from expected to next. It reports false when
// another writer got there first.
func (es *SQLEventStore) claimHead(ctx context.Context, tx *sql.Tx, aggregateID, aggregateType string, expected, next int) (bool, error) {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UTC()
	if expected == 0 {
		res, err = tx.ExecContext(ctx, es.dialect.rebind(fmt.Sprintf(`
			INSERT INTO %s (aggregate_id, aggregate_type, version, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (aggregate_id) DO NOTHING`, es.cfg.HeadsTable)),
			aggregateID, aggregateType, next, now)
	} else {
		res, err = tx.ExecContext(ctx, es.dialect.rebind(fmt.Sprintf(`
			UPDATE %s SET version = $1, updated_at = $2
			WHERE aggregate_id = $3 AND version = $4`, es.cfg.HeadsTable)),
			next, now, aggregateID, expected)
	}
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, storageErr("update aggregate head", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("update aggregate head", err)
	}
	return n == 1, nil
}

// conflict reads the actual version after the transaction has been rolled back.
func (es *SQLEventStore) conflict(ctx context.Context, aggregateID string, expected int) error {
	actual, err := es.GetLatestVersion(ctx, aggregateID)
	if err != nil {
		return err
	}
	es.logger.WarnContext(ctx, "concurrency conflict",
		logattr.AggregateID(aggregateID),
		logattr.ExpectedVersion(expected),
		logattr.ActualVersion(actual))
	return &ConcurrencyConflictError{AggregateID: aggregateID, Expected: expected, Actual: actual}
}

func (es *SQLEventStore) GetEventsForAggregate(ctx context.Context, aggregateID string) ([]Event, error) {
	return es.GetEventsForAggregateSinceVersion(ctx, aggregateID, 0)
}

func (es *SQLEventStore) GetEventsForAggregateSinceVersion(ctx context.Context, aggregateID string, version int) ([]Event, error) {
	if version < 0 {
		version = 0
	}
	query := es.dialect.rebind(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE aggregate_id = $1 AND version > $2
		ORDER BY version ASC`, eventColumns, es.cfg.EventsTable))

	events, err := es.queryEvents(ctx, "query aggregate events", query, aggregateID, version)
	if err != nil {
		return nil, err
	}
	if err := VerifyStream(aggregateID, version, events); err != nil {
		es.logger.ErrorContext(ctx, "stream integrity violation", logattr.AggregateID(aggregateID), logattr.Error(err))
		return nil, err
	}
	return events, nil
}

func (es *SQLEventStore) GetEventsSince(ctx context.Context, afterPosition int64, limit int) ([]Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE position > $1 ORDER BY position ASC`, eventColumns, es.cfg.EventsTable)
	args := []any{afterPosition}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return es.queryEvents(ctx, "query events since position", es.dialect.rebind(query), args...)
}

func (es *SQLEventStore) GetLatestVersion(ctx context.Context, aggregateID string) (int, error) {
	query := es.dialect.rebind(fmt.Sprintf(`SELECT version FROM %s WHERE aggregate_id = $1`, es.cfg.HeadsTable))

	var version int
	err := es.db.QueryRowContext(ctx, query, aggregateID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("query aggregate version", err)
	}
	return version, nil
}

func (es *SQLEventStore) AggregateExists(ctx context.Context, aggregateID string) (bool, error) {
	v, err := es.GetLatestVersion(ctx, aggregateID)
	return v > 0, err
}

func (es *SQLEventStore) GetEventsByType(ctx context.Context, eventType string) ([]Event, error) {
	query := es.dialect.rebind(fmt.Sprintf(`
		SELECT %s FROM %s WHERE event_type = $1 ORDER BY position ASC`, eventColumns, es.cfg.EventsTable))
	return es.queryEvents(ctx, "query events by type", query, eventType)
}

func (es *SQLEventStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]Event, error) {
	query := es.dialect.rebind(fmt.Sprintf(`
		SELECT %s FROM %s WHERE correlation_id = $1 ORDER BY position ASC`, eventColumns, es.cfg.EventsTable))
	return es.queryEvents(ctx, "query events by correlation id", query, correlationID)
}

func (es *SQLEventStore) queryEvents(ctx context.Context, op, query string, args ...any) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e             Event
			userID        sql.NullString
			correlationID sql.NullString
		)
		if err := rows.Scan(&e.Position, &e.ID, &e.AggregateID, &e.AggregateType, &e.EventType,
			&e.Payload, &userID, &correlationID, &e.Version, &e.Timestamp); err != nil {
			return nil, storageErr(op, err)
		}
		e.UserID = userID.String
		e.CorrelationID = correlationID.String
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return events, nil
}
