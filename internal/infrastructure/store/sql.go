package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects the SQL flavour used by the SQL stores.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLConfig names the tables used by the SQL stores.
type SQLConfig struct {
	EventsTable    string
	HeadsTable     string
	SnapshotsTable string
}

// DefaultSQLConfig returns the default table names.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		EventsTable:    "events",
		HeadsTable:     "aggregate_heads",
		SnapshotsTable: "snapshots",
	}
}

// rebind converts $N placeholders to the dialect's syntax.
func (d Dialect) rebind(query string) string {
	if d == DialectSQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func (d Dialect) schema(cfg SQLConfig) []string {
	idType, blobType, timeType := "BIGSERIAL PRIMARY KEY", "BYTEA", "TIMESTAMPTZ"
	if d == DialectSQLite {
		idType, blobType, timeType = "INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB", "DATETIME"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			position %s,
			id TEXT NOT NULL UNIQUE,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload %s NOT NULL,
			user_id TEXT,
			correlation_id TEXT,
			version INTEGER NOT NULL,
			created_at %s NOT NULL,
			UNIQUE (aggregate_id, version)
		)`, cfg.EventsTable, idType, blobType, timeType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_event_type ON %[1]s (event_type, position)`, cfg.EventsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_correlation_id ON %[1]s (correlation_id, position)`, cfg.EventsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			aggregate_id TEXT PRIMARY KEY,
			aggregate_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at %s NOT NULL
		)`, cfg.HeadsTable, timeType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			aggregate_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			state %s NOT NULL,
			created_at %s NOT NULL
		)`, cfg.SnapshotsTable, blobType, timeType),
	}
}

// EnsureSQLSchema creates the event, head and snapshot tables if they are missing.
func EnsureSQLSchema(ctx context.Context, db *sql.DB, dialect Dialect, cfg SQLConfig) error {
	for _, stmt := range dialect.schema(cfg) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return storageErr("apply schema", err)
		}
	}
	return nil
}

// ConnectPostgres establishes a connection to PostgreSQL.
// driverName is "postgres" (lib/pq) or "pgx" (pgx stdlib).
func ConnectPostgres(ctx context.Context, driverName, connStr string) (*sql.DB, error) {
	if driverName == "" {
		driverName = "postgres"
	}
	db, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storageErr("ping postgres", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// ConnectSQLite opens an SQLite database file, or a private in-memory database
// for ":memory:". SQLite has a single writer, so the pool is limited to one connection.
func ConnectSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storageErr("ping sqlite", err)
	}
	return db, nil
}

// IsUniqueViolation reports whether err is a unique constraint violation from
// lib/pq, pgx or SQLite.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
