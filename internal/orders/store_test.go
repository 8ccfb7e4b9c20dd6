package orders

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
)

// mockDynamo is a small in-memory table that understands the expression
// forms Store generates: "SET a = :x, #m.#k = :y" updates and conditions
// joined by " AND " made of attribute_exists, attribute_not_exists and
// equality clauses.
type mockDynamo struct {
	mu          sync.Mutex
	items       map[string]map[string]types.AttributeValue
	updateCalls int
	failWith    error
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func (m *mockDynamo) seed(t *testing.T, o Order) {
	t.Helper()
	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[o.OrderID] = item
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := params.Item["order_id"].(*types.AttributeValueMemberS).Value
	m.items[pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	pk := params.Key["order_id"].(*types.AttributeValueMemberS).Value
	item, ok := m.items[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.failWith != nil {
		return nil, m.failWith
	}

	pk := params.Key["order_id"].(*types.AttributeValueMemberS).Value
	item, exists := m.items[pk]

	if params.ConditionExpression != nil {
		for _, clause := range strings.Split(*params.ConditionExpression, " AND ") {
			if !evalClause(clause, item, exists, params.ExpressionAttributeNames, params.ExpressionAttributeValues) {
				ex := &types.ConditionalCheckFailedException{}
				if exists && params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
					ex.Item = copyItem(item)
				}
				return nil, ex
			}
		}
	}
	if !exists {
		item = map[string]types.AttributeValue{"order_id": params.Key["order_id"]}
	}
	item = copyItem(item)

	expr := strings.TrimPrefix(*params.UpdateExpression, "SET ")
	for _, assign := range strings.Split(expr, ", ") {
		lhs, rhs, _ := strings.Cut(assign, " = ")
		v := params.ExpressionAttributeValues[rhs]
		path := strings.Split(lhs, ".")
		top := resolveName(path[0], params.ExpressionAttributeNames)
		if len(path) == 1 {
			item[top] = v
			continue
		}
		nested := item[top].(*types.AttributeValueMemberM)
		nested.Value[resolveName(path[1], params.ExpressionAttributeNames)] = v
	}
	m.items[pk] = item
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func evalClause(clause string, item map[string]types.AttributeValue, exists bool, names map[string]string, values map[string]types.AttributeValue) bool {
	switch {
	case strings.HasPrefix(clause, "attribute_exists("):
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
		if !exists {
			return false
		}
		_, ok := item[attr]
		return ok
	case strings.HasPrefix(clause, "attribute_not_exists("):
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
		if !exists {
			return true
		}
		_, ok := item[attr]
		return !ok
	default:
		lhs, rhs, _ := strings.Cut(clause, " = ")
		if !exists {
			return false
		}
		curr, ok := item[resolveName(lhs, names)].(*types.AttributeValueMemberS)
		if !ok {
			return false
		}
		return curr.Value == values[rhs].(*types.AttributeValueMemberS).Value
	}
}

func resolveName(token string, names map[string]string) string {
	if n, ok := names[token]; ok {
		return n
	}
	return token
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		if mv, ok := v.(*types.AttributeValueMemberM); ok {
			inner := make(map[string]types.AttributeValue, len(mv.Value))
			for ik, iv := range mv.Value {
				inner[ik] = iv
			}
			v = &types.AttributeValueMemberM{Value: inner}
		}
		out[k] = v
	}
	return out
}

func seedOrder(id string, status Status, meta Metadata) Order {
	now := time.Now().UTC().Round(time.Second)
	return Order{
		OrderID:         id,
		CustomerID:      "cust-1",
		Status:          status,
		PaymentStatus:   PaymentPaid,
		TotalPaidAmount: 50000,
		Metadata:        meta,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestGet_NotFound(t *testing.T) {
	store := NewStore(newMockDynamo(), "orders")

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_StoreError(t *testing.T) {
	mock := newMockDynamo()
	mock.failWith = errors.New("dial tcp: connection refused")
	store := NewStore(mock, "orders")

	_, err := store.Get(context.Background(), "o1")
	if !errors.Is(err, apperr.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}

func TestUpdate_MergesMetadataKeys(t *testing.T) {
	mock := newMockDynamo()
	mock.seed(t, seedOrder("o1", StatusProcessing, Metadata{"a": "1", MetaNotes: "gift wrap"}))
	store := NewStore(mock, "orders")

	got, err := store.Update(context.Background(), "o1", Mutation{
		Status:   StatusShipped,
		Metadata: Metadata{MetaTrackingNumber: "T1"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != StatusShipped {
		t.Fatalf("expected shipped, got %s", got.Status)
	}
	if got.Metadata["a"] != "1" || got.Metadata[MetaNotes] != "gift wrap" {
		t.Fatalf("untouched metadata keys lost: %+v", got.Metadata)
	}
	if got.Metadata[MetaTrackingNumber] != "T1" {
		t.Fatalf("tracking number not merged: %+v", got.Metadata)
	}
	if got.PaymentStatus != PaymentPaid {
		t.Fatalf("payment status should be untouched, got %s", got.PaymentStatus)
	}
}

func TestUpdate_InitialisesMissingMetadata(t *testing.T) {
	mock := newMockDynamo()
	mock.seed(t, seedOrder("o2", StatusPending, nil))
	store := NewStore(mock, "orders")

	got, err := store.Update(context.Background(), "o2", Mutation{
		Metadata: Metadata{MetaTrackingNumber: "T9"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Metadata[MetaTrackingNumber] != "T9" {
		t.Fatalf("metadata not initialised: %+v", got.Metadata)
	}
	// path attempt fails its condition, whole-map attempt succeeds
	if mock.updateCalls != 2 {
		t.Fatalf("expected 2 update calls, got %d", mock.updateCalls)
	}
}

func TestUpdate_ConditionalStatus_SuccessAndFail(t *testing.T) {
	mock := newMockDynamo()
	mock.seed(t, seedOrder("o3", StatusPending, Metadata{}))
	store := NewStore(mock, "orders")

	// success: pending -> processing
	_, err := store.Update(context.Background(), "o3", Mutation{Status: StatusProcessing, ExpectStatus: StatusPending})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	// failure: expects pending but current is processing
	_, err = store.Update(context.Background(), "o3", Mutation{Status: StatusShipped, ExpectStatus: StatusPending})
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
}

func TestUpdate_ExpectPaymentStatus(t *testing.T) {
	mock := newMockDynamo()
	mock.seed(t, seedOrder("o4", StatusCancelled, Metadata{"k": "v"}))
	store := NewStore(mock, "orders")

	m := Mutation{
		PaymentStatus:       PaymentRefunded,
		ExpectPaymentStatus: PaymentPaid,
		Metadata:            Metadata{MetaRefundID: "re_1"},
	}
	if _, err := store.Update(context.Background(), "o4", m); err != nil {
		t.Fatalf("first refund write: %v", err)
	}
	if _, err := store.Update(context.Background(), "o4", m); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("second refund write should fail the condition, got %v", err)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	store := NewStore(newMockDynamo(), "orders")

	_, err := store.Update(context.Background(), "ghost", Mutation{Status: StatusShipped})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_StoreError(t *testing.T) {
	mock := newMockDynamo()
	mock.failWith = errors.New("ProvisionedThroughputExceededException")
	store := NewStore(mock, "orders")

	_, err := store.Update(context.Background(), "o1", Mutation{Status: StatusShipped})
	if !errors.Is(err, apperr.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}
