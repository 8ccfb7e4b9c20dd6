package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// ErrStatusMismatch is returned when an ExpectStatus/ExpectPaymentStatus
// condition does not hold at write time.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// errMetadataShape means the metadata map was absent when written by path,
// or present when written whole; the caller flips strategy and retries.
var errMetadataShape = errors.New("metadata shape changed")

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Get fetches an order by order_id.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get item: %w", apperr.ErrStore, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// Update applies m as a single UpdateItem. Metadata keys are written by
// document path (metadata.<key>) so keys not named in m survive, even
// against concurrent writers. Status, payment status, metadata and
// updated_at are written together or not at all.
func (s *Store) Update(ctx context.Context, orderID string, m Mutation) (*Order, error) {
	initMetadata := false
	for attempt := 0; ; attempt++ {
		o, err := s.update(ctx, orderID, m, initMetadata)
		if errors.Is(err, errMetadataShape) && attempt == 0 {
			initMetadata = !initMetadata
			continue
		}
		if errors.Is(err, errMetadataShape) {
			return nil, ErrStatusMismatch
		}
		return o, err
	}
}

func (s *Store) update(ctx context.Context, orderID string, m Mutation, initMetadata bool) (*Order, error) {
	now := s.nowFunc().UTC()

	names := map[string]string{"#ua": "updated_at"}
	values := map[string]types.AttributeValue{
		":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	sets := []string{"#ua = :ua"}
	conds := []string{"attribute_exists(order_id)"}

	if m.Status != "" {
		names["#s"] = "status"
		values[":s"] = &types.AttributeValueMemberS{Value: string(m.Status)}
		sets = append(sets, "#s = :s")
	}
	if m.PaymentStatus != "" {
		names["#ps"] = "payment_status"
		values[":ps"] = &types.AttributeValueMemberS{Value: string(m.PaymentStatus)}
		sets = append(sets, "#ps = :ps")
	}
	if len(m.Metadata) > 0 {
		names["#m"] = "metadata"
		if initMetadata {
			whole := make(map[string]types.AttributeValue, len(m.Metadata))
			for k, v := range m.Metadata {
				whole[k] = &types.AttributeValueMemberS{Value: v}
			}
			values[":m"] = &types.AttributeValueMemberM{Value: whole}
			sets = append(sets, "#m = :m")
			conds = append(conds, "attribute_not_exists(#m)")
		} else {
			keys := make([]string, 0, len(m.Metadata))
			for k := range m.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for i, k := range keys {
				nk, vk := fmt.Sprintf("#mk%d", i), fmt.Sprintf(":mv%d", i)
				names[nk] = k
				values[vk] = &types.AttributeValueMemberS{Value: m.Metadata[k]}
				sets = append(sets, fmt.Sprintf("#m.%s = %s", nk, vk))
			}
			conds = append(conds, "attribute_exists(#m)")
		}
	}
	if m.ExpectStatus != "" {
		names["#s"] = "status"
		values[":es"] = &types.AttributeValueMemberS{Value: string(m.ExpectStatus)}
		conds = append(conds, "#s = :es")
	}
	if m.ExpectPaymentStatus != "" {
		names["#ps"] = "payment_status"
		values[":eps"] = &types.AttributeValueMemberS{Value: string(m.ExpectPaymentStatus)}
		conds = append(conds, "#ps = :eps")
	}

	input := &dyn.UpdateItemInput{
		TableName:                           &s.tableName,
		Key:                                 orderKey(orderID),
		UpdateExpression:                    awsString("SET " + strings.Join(sets, ", ")),
		ConditionExpression:                 awsString(strings.Join(conds, " AND ")),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, classifyConditionFailure(orderID, ccf.Item, len(m.Metadata) > 0, initMetadata)
		}
		return nil, fmt.Errorf("%w: update item: %w", apperr.ErrStore, err)
	}

	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// classifyConditionFailure decides which clause failed from the old image.
func classifyConditionFailure(orderID string, old map[string]types.AttributeValue, wroteMetadata, initMetadata bool) error {
	if len(old) == 0 {
		return fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	if wroteMetadata {
		_, has := old["metadata"]
		if has == initMetadata {
			return errMetadataShape
		}
	}
	return ErrStatusMismatch
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
