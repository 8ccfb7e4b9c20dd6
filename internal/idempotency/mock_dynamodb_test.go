package idempotency

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// deliveriesTable is an in-memory stand-in for the deliveries table. It
// understands the claim condition and SET-only update expressions.
type deliveriesTable struct {
	mu        sync.Mutex
	items     map[string]map[string]types.AttributeValue
	putErr    error
	updateErr error
}

func newDeliveriesTable() *deliveriesTable {
	return &deliveriesTable{items: map[string]map[string]types.AttributeValue{}}
}

func (m *deliveriesTable) str(key, attr string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[key][attr].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (m *deliveriesTable) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return nil, m.putErr
	}
	k := in.Item["idempotency_key"].(*types.AttributeValueMemberS).Value
	if in.ConditionExpression != nil && *in.ConditionExpression == claimCondition {
		if old, ok := m.items[k]; ok {
			done := in.ExpressionAttributeValues[":done"].(*types.AttributeValueMemberS).Value
			now, _ := strconv.ParseInt(in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
			status := old["status"].(*types.AttributeValueMemberS).Value
			expires, _ := strconv.ParseInt(old["expires_at"].(*types.AttributeValueMemberN).Value, 10, 64)
			if status == done && expires >= now {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
	}
	m.items[k] = in.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *deliveriesTable) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := in.Key["idempotency_key"].(*types.AttributeValueMemberS).Value
	return &dyn.GetItemOutput{Item: m.items[k]}, nil
}

func (m *deliveriesTable) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	k := in.Key["idempotency_key"].(*types.AttributeValueMemberS).Value
	item, ok := m.items[k]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	expr := strings.TrimPrefix(*in.UpdateExpression, "SET ")
	for _, clause := range strings.Split(expr, ",") {
		lhs, rhs, found := strings.Cut(clause, "=")
		if !found {
			return nil, errors.New("unsupported update expression")
		}
		item[in.ExpressionAttributeNames[strings.TrimSpace(lhs)]] = in.ExpressionAttributeValues[strings.TrimSpace(rhs)]
	}
	return &dyn.UpdateItemOutput{}, nil
}
