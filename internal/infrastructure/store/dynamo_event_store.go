package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/bss-eventstore/internal/common/logattr"
)

const (
	// Item with this partition key holds the global position counter.
	dynamoSequenceKey = "__sequence__"

	// Every aggregate stream has a head item at version 0.
	dynamoHeadVersion = 0

	// TransactWriteItems accepts 100 items; one is the head.
	dynamoMaxBatch = 99

	dynamoFeedPK         = "EVENTS"
	dynamoFeedIndex      = "gsi1"
	dynamoTypeIndex      = "event_type-position"
	dynamoCorrelationIdx = "correlation_id-position"
)

// DynamoAPI is the subset of the DynamoDB client used by the Dynamo stores.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoEventStore stores events in DynamoDB.
// Table key is (aggregate_id, version). Version 0 of each aggregate is a head
// item whose head_version is the stream's latest version; appends update it
// conditionally in the same transaction that puts the events.
type DynamoEventStore struct {
	client    DynamoAPI
	tableName string
	logger    *slog.Logger
}

// dynamoEvent represents the DynamoDB item structure
type dynamoEvent struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	Version       int    `dynamodbav:"version"`
	ID            string `dynamodbav:"id"`
	Position      int64  `dynamodbav:"position"`
	AggregateType string `dynamodbav:"aggregate_type"`
	EventType     string `dynamodbav:"event_type"`
	Payload       []byte `dynamodbav:"payload"`
	UserID        string `dynamodbav:"user_id,omitempty"`
	CorrelationID string `dynamodbav:"correlation_id,omitempty"` // sparse index key
	CreatedAt     string `dynamodbav:"created_at"`
	GSI1PK        string `dynamodbav:"gsi1pk"` // Fixed value for the global feed index
}

type dynamoHead struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	Version       int    `dynamodbav:"version"`
	HeadVersion   int    `dynamodbav:"head_version"`
	AggregateType string `dynamodbav:"aggregate_type"`
	UpdatedAt     string `dynamodbav:"updated_at"`
}

func NewDynamoEventStore(client DynamoAPI, tableName string, opts ...Option) *DynamoEventStore {
	o := buildOptions(opts)
	return &DynamoEventStore{
		client:    client,
		tableName: tableName,
		logger:    o.logger.With(logattr.Component("store.DynamoEventStore")),
	}
}

func toDynamoEvent(e Event) dynamoEvent {
	return dynamoEvent{
		AggregateID:   e.AggregateID,
		Version:       e.Version,
		ID:            e.ID,
		Position:      e.Position,
		AggregateType: e.AggregateType,
		EventType:     e.EventType,
		Payload:       nonNilBytes(e.Payload),
		UserID:        e.UserID,
		CorrelationID: e.CorrelationID,
		CreatedAt:     e.Timestamp.Format(time.RFC3339Nano),
		GSI1PK:        dynamoFeedPK,
	}
}

func (de dynamoEvent) toEvent() Event {
	timestamp, _ := time.Parse(time.RFC3339Nano, de.CreatedAt)
	return Event{
		ID:            de.ID,
		Position:      de.Position,
		AggregateID:   de.AggregateID,
		AggregateType: de.AggregateType,
		EventType:     de.EventType,
		Payload:       de.Payload,
		Timestamp:     timestamp.UTC(),
		UserID:        de.UserID,
		CorrelationID: de.CorrelationID,
		Version:       de.Version,
	}
}

func headKey(aggregateID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
		"version":      &types.AttributeValueMemberN{Value: strconv.Itoa(dynamoHeadVersion)},
	}
}

func numberValue(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// SaveEvents appends the batch in a single TransactWriteItems call.
// Global positions are reserved before the transaction, so a conflicting
// append leaves unused positions in the feed.
func (es *DynamoEventStore) SaveEvents(ctx context.Context, aggregateID string, events []Event, expectedVersion int) error {
	batch, err := prepareBatch(aggregateID, events, expectedVersion)
	if err != nil {
		return err
	}
	if aggregateID == dynamoSequenceKey {
		return invalidEventf("aggregate id %q is reserved", aggregateID)
	}
	if len(batch) > dynamoMaxBatch {
		return invalidEventf("batch of %d events exceeds the limit of %d", len(batch), dynamoMaxBatch)
	}

	if err := checkBatchStart(aggregateID, batch, expectedVersion); err != nil {
		// Tell a stale writer apart from a malformed batch.
		actual, verr := es.GetLatestVersion(ctx, aggregateID)
		if verr != nil {
			return verr
		}
		if actual != expectedVersion {
			return es.conflict(ctx, aggregateID, expectedVersion)
		}
		return err
	}

	first, err := es.reservePositions(ctx, len(batch))
	if err != nil {
		return err
	}

	newVersion := expectedVersion + len(batch)
	items := make([]types.TransactWriteItem, 0, len(batch)+1)
	headItem, err := es.headWrite(aggregateID, batch[0].AggregateType, expectedVersion, newVersion)
	if err != nil {
		return err
	}
	items = append(items, headItem)

	for i := range batch {
		batch[i].Position = first + int64(i)
		av, err := attributevalue.MarshalMap(toDynamoEvent(batch[i]))
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(es.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_id)"),
			},
		})
	}

	_, err = es.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isWriteConflict(err) {
			return es.conflict(ctx, aggregateID, expectedVersion)
		}
		return storageErr("transact write events", err)
	}

	es.logger.DebugContext(ctx, "events saved",
		logattr.AggregateID(aggregateID),
		logattr.Version(newVersion),
		logattr.Position(batch[len(batch)-1].Position),
		logattr.Count(len(batch)))
	return nil
}

// headWrite creates the head for a new stream or advances an existing one from expected.
func (es *DynamoEventStore) headWrite(aggregateID, aggregateType string, expected, next int) (types.TransactWriteItem, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if expected == 0 {
		av, err := attributevalue.MarshalMap(dynamoHead{
			AggregateID:   aggregateID,
			Version:       dynamoHeadVersion,
			HeadVersion:   next,
			AggregateType: aggregateType,
			UpdatedAt:     now,
		})
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("failed to marshal head: %w", err)
		}
		return types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(es.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_id)"),
			},
		}, nil
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           aws.String(es.tableName),
			Key:                 headKey(aggregateID),
			UpdateExpression:    aws.String("SET head_version = :next, updated_at = :now"),
			ConditionExpression: aws.String("head_version = :expected"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":next":     numberValue(int64(next)),
				":expected": numberValue(int64(expected)),
				":now":      &types.AttributeValueMemberS{Value: now},
			},
		},
	}, nil
}

// reservePositions atomically adds n to the sequence counter and returns the
// first reserved position.
func (es *DynamoEventStore) reservePositions(ctx context.Context, n int) (int64, error) {
	out, err := es.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(es.tableName),
		Key:                       headKey(dynamoSequenceKey),
		UpdateExpression:          aws.String("ADD position_counter :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":n": numberValue(int64(n))},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, storageErr("reserve positions", err)
	}

	var counter struct {
		PositionCounter int64 `dynamodbav:"position_counter"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &counter); err != nil {
		return 0, storageErr("reserve positions", err)
	}
	return counter.PositionCounter - int64(n) + 1, nil
}

func isConditionalCheckFailure(err error) bool {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// isWriteConflict reports whether the append lost to another writer: either a
// head condition failed or DynamoDB cancelled the transaction because a
// concurrent one touched the same items.
func isWriteConflict(err error) bool {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			switch aws.ToString(reason.Code) {
			case "ConditionalCheckFailed", "TransactionConflict":
				return true
			}
		}
		return false
	}
	var tc *types.TransactionConflictException
	if errors.As(err, &tc) {
		return true
	}
	return isConditionalCheckFailure(err)
}

// conflict reports the head as it is now. After a TransactionConflict the
// winner may not be visible yet, so Actual can still equal expected.
func (es *DynamoEventStore) conflict(ctx context.Context, aggregateID string, expected int) error {
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

func (es *DynamoEventStore) GetEventsForAggregate(ctx context.Context, aggregateID string) ([]Event, error) {
	return es.GetEventsForAggregateSinceVersion(ctx, aggregateID, 0)
}

// GetEventsForAggregateSinceVersion returns events with version greater than
// version. The head item sits at version 0 and is never returned.
func (es *DynamoEventStore) GetEventsForAggregateSinceVersion(ctx context.Context, aggregateID string, version int) ([]Event, error) {
	if version < 0 {
		version = 0
	}
	events, err := es.query(ctx, "query aggregate events", &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		KeyConditionExpression: aws.String("aggregate_id = :aid AND version > :ver"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
			":ver": numberValue(int64(version)),
		},
		ConsistentRead:   aws.Bool(true),
		ScanIndexForward: aws.Bool(true), // Ascending order by version
	}, 0)
	if err != nil {
		return nil, err
	}
	if err := VerifyStream(aggregateID, version, events); err != nil {
		es.logger.ErrorContext(ctx, "stream integrity violation", logattr.AggregateID(aggregateID), logattr.Error(err))
		return nil, err
	}
	return events, nil
}

// GetEventsSince reads the global feed through gsi1.
func (es *DynamoEventStore) GetEventsSince(ctx context.Context, afterPosition int64, limit int) ([]Event, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		IndexName:              aws.String(dynamoFeedIndex),
		KeyConditionExpression: aws.String("gsi1pk = :pk AND position > :pos"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: dynamoFeedPK},
			":pos": numberValue(afterPosition),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	return es.query(ctx, "query events since position", input, limit)
}

func (es *DynamoEventStore) GetLatestVersion(ctx context.Context, aggregateID string) (int, error) {
	out, err := es.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(es.tableName),
		Key:            headKey(aggregateID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, storageErr("get aggregate head", err)
	}
	if out.Item == nil {
		return 0, nil
	}
	var head dynamoHead
	if err := attributevalue.UnmarshalMap(out.Item, &head); err != nil {
		return 0, storageErr("get aggregate head", err)
	}
	return head.HeadVersion, nil
}

func (es *DynamoEventStore) AggregateExists(ctx context.Context, aggregateID string) (bool, error) {
	v, err := es.GetLatestVersion(ctx, aggregateID)
	return v > 0, err
}

func (es *DynamoEventStore) GetEventsByType(ctx context.Context, eventType string) ([]Event, error) {
	return es.query(ctx, "query events by type", &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		IndexName:              aws.String(dynamoTypeIndex),
		KeyConditionExpression: aws.String("event_type = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: eventType},
		},
		ScanIndexForward: aws.Bool(true),
	}, 0)
}

func (es *DynamoEventStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]Event, error) {
	if correlationID == "" {
		return []Event{}, nil
	}
	return es.query(ctx, "query events by correlation id", &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		IndexName:              aws.String(dynamoCorrelationIdx),
		KeyConditionExpression: aws.String("correlation_id = :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: correlationID},
		},
		ScanIndexForward: aws.Bool(true),
	}, 0)
}

// query follows every page of input and stops once maxItems events are collected (maxItems <= 0 means all).
func (es *DynamoEventStore) query(ctx context.Context, op string, input *dynamodb.QueryInput, maxItems int) ([]Event, error) {
	events := []Event{}
	paginator := dynamodb.NewQueryPaginator(es.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, storageErr(op, err)
		}
		for _, item := range page.Items {
			var de dynamoEvent
			if err := attributevalue.UnmarshalMap(item, &de); err != nil {
				return nil, storageErr(op, err)
			}
			events = append(events, de.toEvent())
			if maxItems > 0 && len(events) == maxItems {
				return events, nil
			}
		}
	}
	return events, nil
}
