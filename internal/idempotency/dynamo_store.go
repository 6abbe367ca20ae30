package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const markerTTL = 30 * 24 * time.Hour

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type markerItem struct {
	EventKey    string `dynamodbav:"eventKey"`
	Outcome     string `dynamodbav:"outcome"`
	ProcessedAt string `dynamodbav:"processedAt"`
	ExpiresAt   int64  `dynamodbav:"expiresAt"`
}

// DynamoStore persists done markers in DynamoDB with a conditional put so a
// concurrent duplicate cannot record two outcomes for one event.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore builds a store backed by the provided DynamoDB client.
func NewDynamoStore(client dynamoAPI, tableName string) *DynamoStore {
	if client == nil {
		panic("idempotency: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("idempotency: table name cannot be empty")
	}
	return &DynamoStore{client: client, tableName: tableName}
}

// AlreadyDone checks for a prior done marker.
func (s *DynamoStore) AlreadyDone(ctx context.Context, platform, eventID string) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"eventKey": &types.AttributeValueMemberS{Value: markerKey(platform, eventID)},
		},
	})
	if err != nil {
		return false, fmt.Errorf("idempotency: fetch marker: %w", err)
	}
	return out.Item != nil, nil
}

// MarkDone writes the marker, returning false if it already existed.
func (s *DynamoStore) MarkDone(ctx context.Context, platform, eventID string, outcome Outcome) (bool, error) {
	now := time.Now().UTC()
	item, err := attributevalue.MarshalMap(markerItem{
		EventKey:    markerKey(platform, eventID),
		Outcome:     string(outcome),
		ProcessedAt: now.Format(time.RFC3339Nano),
		ExpiresAt:   now.Add(markerTTL).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("idempotency: marshal marker: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(eventKey)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("idempotency: persist marker: %w", err)
	}
	return true, nil
}

func markerKey(platform, eventID string) string {
	return platform + "#" + eventID
}
