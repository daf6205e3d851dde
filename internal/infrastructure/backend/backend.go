// Package backend opens the event and snapshot stores named by the configuration.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/example/bss-eventstore/internal/common/configs"
	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

// Stores holds the opened stores and the connections behind them.
type Stores struct {
	Events    store.EventStore
	Snapshots store.SnapshotStore

	closers []func(context.Context) error
}

// Close releases every connection opened by Open.
func (s *Stores) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// Open connects to the configured backend. SQL schemas are created if missing.
func Open(ctx context.Context, cfg configs.Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts := []store.Option{store.WithLogger(logger)}
	s := &Stores{}

	var err error
	switch cfg.Backend {
	case configs.BackendMemory:
		events := store.NewMemoryEventStore(opts...)
		s.Events = events
		s.Snapshots = store.NewGuardedSnapshotStore(store.NewMemorySnapshotStore(opts...), events)
	case configs.BackendSQLite:
		err = s.openSQL(ctx, cfg, store.DialectSQLite, opts, func(ctx context.Context) (*sql.DB, error) {
			return store.ConnectSQLite(ctx, cfg.SQLitePath)
		})
	case configs.BackendPostgres:
		err = s.openSQL(ctx, cfg, store.DialectPostgres, opts, func(ctx context.Context) (*sql.DB, error) {
			return store.ConnectPostgres(ctx, cfg.SQLDriver, cfg.DatabaseURL)
		})
	case configs.BackendDynamoDB:
		err = s.openDynamo(ctx, cfg, opts)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	if cfg.SnapshotBackend == configs.SnapshotsMongoDB {
		if err := s.openMongoSnapshots(ctx, cfg, opts); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
	}

	logger.InfoContext(ctx, "stores opened",
		logattr.Component("backend"),
		slog.String("backend", cfg.Backend),
		slog.String("snapshot_backend", snapshotBackendName(cfg)))
	return s, nil
}

func snapshotBackendName(cfg configs.Config) string {
	if cfg.SnapshotBackend != "" {
		return cfg.SnapshotBackend
	}
	return cfg.Backend
}

func (s *Stores) openSQL(ctx context.Context, cfg configs.Config, dialect store.Dialect, opts []store.Option, connect func(context.Context) (*sql.DB, error)) error {
	db, err := connect(ctx)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, func(context.Context) error { return db.Close() })

	sqlCfg := store.SQLConfig{
		EventsTable:    cfg.EventsTable,
		HeadsTable:     cfg.HeadsTable,
		SnapshotsTable: cfg.SnapshotsTable,
	}
	if err := store.EnsureSQLSchema(ctx, db, dialect, sqlCfg); err != nil {
		return err
	}
	s.Events = store.NewSQLEventStore(db, dialect, sqlCfg, opts...)
	s.Snapshots = store.NewSQLSnapshotStore(db, dialect, sqlCfg, opts...)
	return nil
}

func (s *Stores) openDynamo(ctx context.Context, cfg configs.Config, opts []store.Option) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	})

	s.Events = store.NewDynamoEventStore(client, cfg.DynamoEventsTable, opts...)
	s.Snapshots = store.NewDynamoSnapshotStore(client, cfg.DynamoSnapshotsTable, cfg.DynamoEventsTable, opts...)
	return nil
}

// openMongoSnapshots replaces the snapshot store with a MongoDB one guarded
// by the event store's latest version.
func (s *Stores) openMongoSnapshots(ctx context.Context, cfg configs.Config, opts []store.Option) error {
	client, err := store.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, func(ctx context.Context) error { return client.Disconnect(ctx) })
	s.Snapshots = store.NewGuardedSnapshotStore(
		store.NewMongoSnapshotStore(client, cfg.MongoDatabase, cfg.MongoCollection, opts...),
		s.Events,
	)
	return nil
}
