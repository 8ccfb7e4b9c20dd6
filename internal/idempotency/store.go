package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// claimCondition lets a claim through unless a live DONE record exists.
// TTL deletion is lazy, so expired records count as absent.
const claimCondition = "attribute_not_exists(idempotency_key) OR #s <> :done OR expires_at < :now"

// Store keeps delivery records in DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttl       time.Duration
	nowFunc   func() time.Time
}

// NewStore returns a Store whose records expire ttl after they are claimed.
func NewStore(client aws.DynamoDBAPI, tableName string, ttl time.Duration) *Store {
	return &Store{client: client, tableName: tableName, ttl: ttl, nowFunc: time.Now}
}

// Claim reports whether the delivery identified by key should be
// processed, and records it IN_PROGRESS if so. Only a DONE record blocks:
// IN_PROGRESS and FAILED deliveries are processed again, because the
// writes they lead to are idempotent merges.
func (s *Store) Claim(ctx context.Context, key, source string) (bool, error) {
	now := s.nowFunc().UTC()
	attempts := 1
	if prev, err := s.Get(ctx, key); err == nil && prev != nil {
		attempts = prev.Attempts + 1
	}

	item, err := attributevalue.MarshalMap(Record{
		Key:       key,
		Status:    StatusInProgress,
		Source:    source,
		Attempts:  attempts,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal delivery record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                &s.tableName,
		Item:                     item,
		ConditionExpression:      awsString(claimCondition),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if isConditionFailure(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: claim delivery %s: %w", apperr.ErrStore, key, err)
	}
	return true, nil
}

// Get returns the record for key, or (nil, nil) when there is none.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            recordKey(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get delivery %s: %w", apperr.ErrStore, key, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal delivery %s: %w", key, err)
	}
	return &rec, nil
}

// MarkDone records that the delivery was handled and what it did.
func (s *Store) MarkDone(ctx context.Context, key, orderID, outcome string) error {
	return s.finish(ctx, key, StatusDone, map[string]string{"order_id": orderID, "outcome": outcome})
}

// MarkFailed records a failed attempt; the next redelivery is processed.
func (s *Store) MarkFailed(ctx context.Context, key, note string) error {
	return s.finish(ctx, key, StatusFailed, map[string]string{"note": note})
}

func (s *Store) finish(ctx context.Context, key, status string, fields map[string]string) error {
	fields["status"] = status
	fields["updated_at"] = s.nowFunc().UTC().Format(time.RFC3339Nano)

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	exprNames := map[string]string{}
	exprValues := map[string]types.AttributeValue{}
	for i, k := range names {
		n, v := "#f"+strconv.Itoa(i), ":v"+strconv.Itoa(i)
		sets = append(sets, n+" = "+v)
		exprNames[n] = k
		exprValues[v] = &types.AttributeValueMemberS{Value: fields[k]}
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       recordKey(key),
		UpdateExpression:          awsString("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       awsString("attribute_exists(idempotency_key)"),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})
	if isConditionFailure(err) {
		// record expired or was never claimed; nothing to finish
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: mark delivery %s %s: %w", apperr.ErrStore, key, status, err)
	}
	return nil
}

func isConditionFailure(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func recordKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"idempotency_key": &types.AttributeValueMemberS{Value: key}}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
