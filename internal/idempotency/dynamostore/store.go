// Package dynamostore persists idempotency records in DynamoDB.
//
// Lease acquisition is a single conditional PutItem, so DynamoDB decides which of several
// concurrent writers wins. Configure the table's TTL on the "expiration" attribute to have
// expired records removed.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-idempotent-lambda/internal/aws"
	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency"
)

const (
	// DefaultKeyAttr is the partition key attribute name.
	DefaultKeyAttr = "id"

	// putInProgressCondition accepts a new lease when the item is absent, fully expired, or an
	// INPROGRESS item whose lease has lapsed.
	putInProgressCondition = "attribute_not_exists(#id) OR #expiry <= :now OR (#status = :inprogress AND #in_progress_expiry <= :now_ms)"

	putCompletedUpdate = "SET #status = :status, #data = :data, #expiry = :expiry, #validation = :validation REMOVE #in_progress_expiry"
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client        aws.DynamoDBAPI
	tableName     string
	keyAttr       string
	sortKeyAttr   string
	staticPKValue string
	nowFunc       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithKeyAttr sets the partition key attribute name (default "id").
func WithKeyAttr(name string) Option {
	return func(s *Store) { s.keyAttr = name }
}

// WithSortKeyAttr enables the composite-key layout: the partition key holds a static value
// and the idempotency key is written to this sort key attribute.
func WithSortKeyAttr(name string) Option {
	return func(s *Store) { s.sortKeyAttr = name }
}

// WithStaticPKValue sets the partition key value used with WithSortKeyAttr
// (default "idempotency#<table>").
func WithStaticPKValue(v string) Option {
	return func(s *Store) { s.staticPKValue = v }
}

// WithClock overrides the clock used for the lease condition.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for idempotency records.
func NewStore(client aws.DynamoDBAPI, tableName string, opts ...Option) *Store {
	s := &Store{
		client:    client,
		tableName: tableName,
		keyAttr:   DefaultKeyAttr,
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sortKeyAttr != "" && s.staticPKValue == "" {
		s.staticPKValue = "idempotency#" + tableName
	}
	return s
}

// PutInProgress writes an INPROGRESS lease if no live record holds the key.
// Returns an error matching idempotency.ErrConditionFailed if the condition fails.
func (s *Store) PutInProgress(ctx context.Context, rec *idempotency.Record) error {
	item, err := attributevalue.MarshalMap(itemFromRecord(rec))
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	for k, v := range s.key(rec.IdempotencyKey) {
		item[k] = v
	}

	now := s.nowFunc()
	input := &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString(putInProgressCondition),
		ExpressionAttributeNames: map[string]string{
			"#id":                 s.keyAttr,
			"#expiry":             attrExpiry,
			"#status":             attrStatus,
			"#in_progress_expiry": attrInProgressExpiry,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":now_ms":     &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":inprogress": &types.AttributeValueMemberS{Value: string(idempotency.StatusInProgress)},
		},
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("%w: key %s", idempotency.ErrConditionFailed, rec.IdempotencyKey)
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// PutCompleted sets status to COMPLETED and stores the response, payload hash and new expiry.
func (s *Store) PutCompleted(ctx context.Context, rec *idempotency.Record) error {
	input := &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              s.key(rec.IdempotencyKey),
		UpdateExpression: awsString(putCompletedUpdate),
		ExpressionAttributeNames: map[string]string{
			"#status":             attrStatus,
			"#data":               attrData,
			"#expiry":             attrExpiry,
			"#validation":         attrValidation,
			"#in_progress_expiry": attrInProgressExpiry,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":     &types.AttributeValueMemberS{Value: string(idempotency.StatusCompleted)},
			":data":       &types.AttributeValueMemberS{Value: string(rec.ResponseData)},
			":expiry":     &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiryTimestamp, 10)},
			":validation": &types.AttributeValueMemberS{Value: rec.PayloadHash},
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("update item (put completed): %w", err)
	}
	return nil
}

// Get retrieves a record by key with a strongly consistent read. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return it.toRecord(key), nil
}

// Delete removes the record for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key:       s.key(key),
	})
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (s *Store) key(idempotencyKey string) map[string]types.AttributeValue {
	if s.sortKeyAttr == "" {
		return map[string]types.AttributeValue{
			s.keyAttr: &types.AttributeValueMemberS{Value: idempotencyKey},
		}
	}
	return map[string]types.AttributeValue{
		s.keyAttr:     &types.AttributeValueMemberS{Value: s.staticPKValue},
		s.sortKeyAttr: &types.AttributeValueMemberS{Value: idempotencyKey},
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

// Helpers
func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
