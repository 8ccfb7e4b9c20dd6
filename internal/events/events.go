// Package events defines the messages exchanged over the order events queue.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// Message types
const (
	TypeStatusChanged = "order.status_changed"
	TypeRefundWatch   = "refund.watch"
)

// Message is the envelope sent from API -> SQS -> Worker. Fields that do not
// apply to Type are left empty.
type Message struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`

	// order.status_changed
	From            orders.Status        `json:"from,omitempty"`
	To              orders.Status        `json:"to,omitempty"`
	PaymentStatus   orders.PaymentStatus `json:"payment_status,omitempty"`
	TotalPaidAmount int64                `json:"total_paid_amount,omitempty"`
	Source          string               `json:"source,omitempty"`

	// refund.watch
	Attempt int `json:"attempt,omitempty"`
}

// StatusChanged builds the event emitted after a successful transition.
func StatusChanged(before, after *orders.Order, source string) Message {
	return Message{
		ID:              uuid.NewString(),
		Type:            TypeStatusChanged,
		OrderID:         after.OrderID,
		OccurredAt:      after.UpdatedAt,
		From:            before.Status,
		To:              after.Status,
		PaymentStatus:   after.PaymentStatus,
		TotalPaidAmount: after.TotalPaidAmount,
		Source:          source,
	}
}

// RefundWatch builds a scheduled refund check tick.
func RefundWatch(orderID string, attempt int, now time.Time) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       TypeRefundWatch,
		OrderID:    orderID,
		OccurredAt: now.UTC(),
		Attempt:    attempt,
	}
}

// Emitter sends messages, optionally delayed.
type Emitter interface {
	Emit(ctx context.Context, msg Message, delay time.Duration) error
}

// jsonSender is satisfied by *aws.Publisher.
type jsonSender interface {
	SendJSON(ctx context.Context, body any, attributes map[string]string, delaySeconds int32) error
}

// QueueEmitter sends messages to SQS.
type QueueEmitter struct {
	sender jsonSender
}

// NewQueueEmitter sends messages through sender, typically an *aws.Publisher.
func NewQueueEmitter(sender jsonSender) *QueueEmitter {
	return &QueueEmitter{sender: sender}
}

func (e *QueueEmitter) Emit(ctx context.Context, msg Message, delay time.Duration) error {
	attrs := map[string]string{
		"type":           msg.Type,
		"order_id":       msg.OrderID,
		"correlation_id": msg.CorrelationID,
	}
	return e.sender.SendJSON(ctx, msg, attrs, int32(delay/time.Second))
}
