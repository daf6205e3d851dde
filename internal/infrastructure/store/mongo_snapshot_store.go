package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/example/bss-eventstore/internal/common/logattr"
)

type snapshotBSON struct {
	AggregateID   string    `bson:"_id"`
	ID            string    `bson:"snapshot_id"`
	AggregateType string    `bson:"aggregate_type"`
	Version       int       `bson:"version"`
	State         []byte    `bson:"state"`
	CreatedAt     time.Time `bson:"created_at"`
}

// MongoSnapshotStore keeps one document per aggregate, keyed by aggregate id.
// It does not know the event log; wrap it in a GuardedSnapshotStore to reject
// snapshots that are ahead of it.
type MongoSnapshotStore struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

func NewMongoSnapshotStore(client *mongo.Client, dbName, collectionName string, opts ...Option) *MongoSnapshotStore {
	o := buildOptions(opts)
	return &MongoSnapshotStore{
		coll:   client.Database(dbName).Collection(collectionName),
		logger: o.logger.With(logattr.Component("store.MongoSnapshotStore")),
	}
}

// ConnectMongo opens a client and pings the primary.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, storageErr("connect mongodb", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, storageErr("ping mongodb", err)
	}
	return client, nil
}

func (s *MongoSnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	snap, err := prepareSnapshot(snapshot)
	if err != nil {
		return err
	}

	doc := snapshotBSON{
		AggregateID:   snap.AggregateID,
		ID:            snap.ID,
		AggregateType: snap.AggregateType,
		Version:       snap.Version,
		State:         nonNilBytes(snap.State),
		CreatedAt:     snap.CreatedAt,
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": snap.AggregateID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return storageErr("replace snapshot", err)
	}

	s.logger.DebugContext(ctx, "snapshot saved",
		logattr.AggregateID(snap.AggregateID),
		logattr.Version(snap.Version))
	return nil
}

func (s *MongoSnapshotStore) GetLatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var doc snapshotBSON
	err := s.coll.FindOne(ctx, bson.M{"_id": aggregateID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find snapshot", err)
	}
	return &Snapshot{
		ID:            doc.ID,
		AggregateID:   doc.AggregateID,
		AggregateType: doc.AggregateType,
		Version:       doc.Version,
		State:         doc.State,
		CreatedAt:     doc.CreatedAt.UTC(),
	}, nil
}

func (s *MongoSnapshotStore) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": aggregateID}); err != nil {
		return storageErr("delete snapshot", err)
	}
	return nil
}

func (s *MongoSnapshotStore) HasSnapshot(ctx context.Context, aggregateID string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": aggregateID}, options.Count().SetLimit(1))
	if err != nil {
		return false, storageErr("count snapshots", err)
	}
	return n > 0, nil
}
