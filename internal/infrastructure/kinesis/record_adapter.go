package kinesis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

// Stream records of the Dynamo event table with this version are head or
// sequence items, not events.
const headVersion = 0

// ConvertFromKinesisRecord converts a Kinesis record (DynamoDB Streams format) to store.Event.
// It returns nil, nil for records that carry no new event.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*store.Event, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}
	return ConvertFromDynamoDBStreamRecord(dynamoDBRecord)
}

// ConvertFromDynamoDBStreamRecord converts a DynamoDB Stream record to store.Event.
// Events are only ever inserted, so MODIFY and REMOVE records are skipped.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*store.Event, error) {
	if record.EventName != "INSERT" {
		return nil, nil
	}
	return convertDynamoDBImage(record.Change.NewImage)
}

func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*store.Event, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}

	version, ok, err := numberAttr(image, "version")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("missing version attribute")
	}
	if version == headVersion {
		return nil, nil
	}

	event := &store.Event{Version: int(version)}
	event.ID = stringAttr(image, "id")
	event.AggregateID = stringAttr(image, "aggregate_id")
	event.AggregateType = stringAttr(image, "aggregate_type")
	event.EventType = stringAttr(image, "event_type")
	event.UserID = stringAttr(image, "user_id")
	event.CorrelationID = stringAttr(image, "correlation_id")

	if v, ok := image["payload"]; ok && v.DataType() == events.DataTypeBinary {
		event.Payload = v.Binary()
	}
	position, _, err := numberAttr(image, "position")
	if err != nil {
		return nil, err
	}
	event.Position = position
	if s := stringAttr(image, "created_at"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		event.Timestamp = t.UTC()
	}

	if event.ID == "" || event.AggregateID == "" || event.EventType == "" {
		return nil, fmt.Errorf("missing required fields: id=%s, aggregate_id=%s, event_type=%s",
			event.ID, event.AggregateID, event.EventType)
	}
	return event, nil
}

func stringAttr(image map[string]events.DynamoDBAttributeValue, name string) string {
	v, ok := image[name]
	if !ok || v.DataType() != events.DataTypeString {
		return ""
	}
	return v.String()
}

func numberAttr(image map[string]events.DynamoDBAttributeValue, name string) (int64, bool, error) {
	v, ok := image[name]
	if !ok {
		return 0, false, nil
	}
	if v.DataType() != events.DataTypeNumber {
		return 0, false, fmt.Errorf("attribute %s is not a number", name)
	}
	n, err := v.Integer()
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return n, true, nil
}
