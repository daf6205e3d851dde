package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/bss-eventstore/internal/common/logattr"
)

// DynamoSnapshotStore keeps snapshots in a dedicated table keyed by aggregate_id.
// Writes are checked against the head item of the events table.
type DynamoSnapshotStore struct {
	client      DynamoAPI
	tableName   string
	eventsTable string
	logger      *slog.Logger
}

// dynamoSnapshot represents the DynamoDB item structure for snapshots
type dynamoSnapshot struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	ID            string `dynamodbav:"id"`
	AggregateType string `dynamodbav:"aggregate_type"`
	Version       int    `dynamodbav:"version"` // Event version at snapshot time
	State         []byte `dynamodbav:"state"`
	CreatedAt     string `dynamodbav:"created_at"`
}

func NewDynamoSnapshotStore(client DynamoAPI, tableName, eventsTable string, opts ...Option) *DynamoSnapshotStore {
	o := buildOptions(opts)
	return &DynamoSnapshotStore{
		client:      client,
		tableName:   tableName,
		eventsTable: eventsTable,
		logger:      o.logger.With(logattr.Component("store.DynamoSnapshotStore")),
	}
}

func snapshotKey(aggregateID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
	}
}

// SaveSnapshot overwrites the aggregate's snapshot. The put fails if the
// event stream's head_version is below the snapshot version.
func (s *DynamoSnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	snap, err := prepareSnapshot(snapshot)
	if err != nil {
		return err
	}

	av, err := attributevalue.MarshalMap(dynamoSnapshot{
		AggregateID:   snap.AggregateID,
		ID:            snap.ID,
		AggregateType: snap.AggregateType,
		Version:       snap.Version,
		State:         nonNilBytes(snap.State),
		CreatedAt:     snap.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(s.eventsTable),
					Key:                 headKey(snap.AggregateID),
					ConditionExpression: aws.String("head_version >= :v"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":v": numberValue(int64(snap.Version)),
					},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item:      av,
				},
			},
		},
	})
	if err != nil {
		if isConditionalCheckFailure(err) {
			return s.aheadOfLog(ctx, snap)
		}
		return storageErr("transact write snapshot", err)
	}

	s.logger.DebugContext(ctx, "snapshot saved",
		logattr.AggregateID(snap.AggregateID),
		logattr.Version(snap.Version))
	return nil
}

func (s *DynamoSnapshotStore) aheadOfLog(ctx context.Context, snap Snapshot) error {
	latest, err := NewDynamoEventStore(s.client, s.eventsTable).GetLatestVersion(ctx, snap.AggregateID)
	if err != nil {
		return err
	}
	return &IntegrityViolationError{
		AggregateID: snap.AggregateID,
		Expected:    latest,
		Found:       snap.Version,
		Reason:      "snapshot is ahead of the event log",
	}
}

// GetLatestSnapshot retrieves the snapshot for an aggregate, or nil if none exists.
func (s *DynamoSnapshotStore) GetLatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            snapshotKey(aggregateID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, storageErr("get snapshot", err)
	}
	if result.Item == nil {
		return nil, nil // No snapshot exists
	}

	var ds dynamoSnapshot
	if err := attributevalue.UnmarshalMap(result.Item, &ds); err != nil {
		return nil, storageErr("get snapshot", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, ds.CreatedAt)

	return &Snapshot{
		ID:            ds.ID,
		AggregateID:   ds.AggregateID,
		AggregateType: ds.AggregateType,
		Version:       ds.Version,
		State:         ds.State,
		CreatedAt:     createdAt.UTC(),
	}, nil
}

func (s *DynamoSnapshotStore) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       snapshotKey(aggregateID),
	})
	if err != nil {
		return storageErr("delete snapshot", err)
	}
	return nil
}

func (s *DynamoSnapshotStore) HasSnapshot(ctx context.Context, aggregateID string) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.tableName),
		Key:                  snapshotKey(aggregateID),
		ProjectionExpression: aws.String("aggregate_id"),
	})
	if err != nil {
		return false, storageErr("get snapshot", err)
	}
	return result.Item != nil, nil
}
