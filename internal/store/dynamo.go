package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// dynamoAPI is the slice of the DynamoDB client the store uses.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore persists specs in a single table: partition key user_id,
// sort key server_id, one spec attribute.
type DynamoStore struct {
	client dynamoAPI
	table  string
}

// NewDynamoStore connects to the configured table.
func NewDynamoStore(ctx context.Context, table, region string) (*DynamoStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &DynamoStore{client: dynamodb.NewFromConfig(cfg), table: table}, nil
}

// record is the marshaled table row.
type record struct {
	UserID   string            `dynamodbav:"user_id"`
	ServerID string            `dynamodbav:"server_id"`
	Spec     models.ServerSpec `dynamodbav:"spec"`
}

func (s *DynamoStore) Put(ctx context.Context, userID string, spec models.ServerSpec) error {
	item, err := attributevalue.MarshalMap(record{UserID: userID, ServerID: spec.ServerID, Spec: spec})
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return models.WrapKind(models.ErrStoreUnavailable, "persist server spec", err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, userID, serverID string) (*models.ServerSpec, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       specKey(userID, serverID),
	})
	if err != nil {
		return nil, models.WrapKind(models.ErrStoreUnavailable, "read server spec", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	return &rec.Spec, nil
}

func (s *DynamoStore) Delete(ctx context.Context, userID, serverID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       specKey(userID, serverID),
	})
	if err != nil {
		return models.WrapKind(models.ErrStoreUnavailable, "delete server spec", err)
	}
	return nil
}

func (s *DynamoStore) List(ctx context.Context, userID string) ([]models.ServerSpec, error) {
	var specs []models.ServerSpec
	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("user_id = :uid"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":uid": &ddbtypes.AttributeValueMemberS{Value: userID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, models.WrapKind(models.ErrStoreUnavailable, "list server specs", err)
		}
		for _, item := range out.Items {
			var rec record
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal spec: %w", err)
			}
			specs = append(specs, rec.Spec)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return specs, nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return models.WrapKind(models.ErrStoreUnavailable, "describe table", err)
	}
	return nil
}

func specKey(userID, serverID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"user_id":   &ddbtypes.AttributeValueMemberS{Value: userID},
		"server_id": &ddbtypes.AttributeValueMemberS{Value: serverID},
	}
}
