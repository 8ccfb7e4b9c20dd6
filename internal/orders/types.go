package orders

import (
	"strconv"
	"time"
)

// Status is the canonical order lifecycle status.
type Status string

// Order statuses
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusReturned   Status = "returned"
)

// AllStatuses lists the canonical statuses in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
	StatusReturned,
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further carrier-driven transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusReturned:
		return true
	}
	return false
}

// Rank orders statuses for forward-only carrier transitions. Delivered and
// cancelled share a rank; returned can follow either.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusShipped:
		return 2
	case StatusDelivered, StatusCancelled:
		return 3
	case StatusReturned:
		return 4
	}
	return -1
}

// PaymentStatus is independent of Status: a cancelled order can still be paid.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

// Metadata keys written by the lifecycle core.
const (
	MetaTrackingNumber  = "tracking_number"
	MetaTrackingURL     = "tracking_url"
	MetaCarrierStatus   = "carrier_status"
	MetaNotes           = "status_notes"
	MetaStatusUpdatedAt = "status_updated_at"
	MetaStatusSource    = "status_source"
	MetaRefundID        = "refund_id"
	MetaRefundAmount    = "refund_amount"
	MetaRefundCurrency  = "refund_currency"
	MetaRefundedAt      = "refunded_at"
	MetaRefundSource    = "refund_source"
)

// Metadata is the open key/value side-channel on an order. Writes merge.
type Metadata map[string]string

// Merge returns a copy of m with every key of overlay applied on top.
func (m Metadata) Merge(overlay Metadata) Metadata {
	out := make(Metadata, len(m)+len(overlay))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID           string        `dynamodbav:"order_id" json:"id"`                                 // PK
	CustomerID        string        `dynamodbav:"customer_id,omitempty" json:"customer_id,omitempty"` // customer reference
	Status            Status        `dynamodbav:"status" json:"status"`                               // canonical lifecycle
	PaymentStatus     PaymentStatus `dynamodbav:"payment_status" json:"payment_status"`               // unpaid | paid | refunded | failed
	TotalPaidAmount   int64         `dynamodbav:"total_paid_amount" json:"total_paid_amount"`         // minor units
	Currency          string        `dynamodbav:"currency,omitempty" json:"currency,omitempty"`
	CheckoutSessionID string        `dynamodbav:"checkout_session_id,omitempty" json:"-"` // processor references
	PaymentIntentID   string        `dynamodbav:"payment_intent_id,omitempty" json:"-"`
	Metadata          Metadata      `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt         time.Time     `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `dynamodbav:"updated_at" json:"updated_at"`
}

// RefundEligible reports whether a refund check is meaningful for the order.
func (o *Order) RefundEligible() bool {
	return o.Status == StatusCancelled && o.PaymentStatus == PaymentPaid && o.TotalPaidAmount > 0
}

// Mutation is a single keyed merge-update of an order. Zero-valued fields are
// left untouched; Metadata keys are overlaid one by one.
type Mutation struct {
	Status        Status
	PaymentStatus PaymentStatus
	Metadata      Metadata

	// ExpectStatus / ExpectPaymentStatus make the write conditional on the
	// current value; a mismatch returns ErrStatusMismatch.
	ExpectStatus        Status
	ExpectPaymentStatus PaymentStatus
}

// Empty reports whether the mutation would change nothing but updated_at.
func (m Mutation) Empty() bool {
	return m.Status == "" && m.PaymentStatus == "" && len(m.Metadata) == 0
}

// FormatAmount renders a minor-unit amount for metadata storage.
func FormatAmount(minor int64) string { return strconv.FormatInt(minor, 10) }
