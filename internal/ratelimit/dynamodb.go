package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of the DynamoDB client the store needs.
type DynamoDBAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

type counterItem struct {
	PK        string `dynamodbav:"pk"`
	Count     int    `dynamodbav:"count"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// DynamoDBStore shares counters between instances. Windows are aligned to
// multiples of the window length, and items carry a TTL attribute so the
// table cleans itself up.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a store over an existing table whose partition key
// is the string attribute "pk" and whose TTL attribute is "expires_at".
func NewDynamoDBStore(client DynamoDBAPI, tableName string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: tableName}
}

func (d *DynamoDBStore) Hit(ctx context.Context, identifier string, cfg Config, now time.Time) (Result, error) {
	if d.client == nil {
		return Result{}, fmt.Errorf("DynamoDB client not initialized")
	}

	windowStart := now.Truncate(cfg.Window)
	resetTime := windowStart.Add(cfg.Window)
	pk := identifier + "#" + strconv.FormatInt(windowStart.UnixMilli(), 10)

	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
		},
		UpdateExpression: aws.String("ADD #count :one SET #expires = if_not_exists(#expires, :expires)"),
		ExpressionAttributeNames: map[string]string{
			"#count":   "count",
			"#expires": "expires_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":     &types.AttributeValueMemberN{Value: "1"},
			":expires": &types.AttributeValueMemberN{Value: strconv.FormatInt(resetTime.Add(cfg.Window).Unix(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to update rate limit counter: %w", err)
	}

	var item counterItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return Result{}, fmt.Errorf("failed to unmarshal rate limit counter: %w", err)
	}

	if item.Count > cfg.MaxRequests {
		return Result{Success: false, RemainingRequests: 0, ResetTime: resetTime}, nil
	}
	return Result{
		Success:           true,
		RemainingRequests: cfg.MaxRequests - item.Count,
		ResetTime:         resetTime,
	}, nil
}
