// Package idempotency records inbound deliveries so a redelivered webhook
// is acknowledged without being applied twice.
package idempotency

import "time"

// Record states.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Record is one item of the deliveries table, keyed by delivery key.
type Record struct {
	Key       string    `dynamodbav:"idempotency_key"`
	Status    string    `dynamodbav:"status"`
	Source    string    `dynamodbav:"source,omitempty"`
	OrderID   string    `dynamodbav:"order_id,omitempty"`
	Outcome   string    `dynamodbav:"outcome,omitempty"`
	Note      string    `dynamodbav:"note,omitempty"`
	Attempts  int       `dynamodbav:"attempts"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
	ExpiresAt int64     `dynamodbav:"expires_at"` // DynamoDB TTL, epoch seconds
}
