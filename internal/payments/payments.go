// Package payments is the payment-processor collaborator: finding the
// refunds recorded against an order's charge.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
)

// ErrNoChargeRef is returned when an order carries neither a payment intent
// nor a checkout session to look refunds up by.
var ErrNoChargeRef = fmt.Errorf("%w: order has no charge reference", apperr.ErrValidation)

// RefundSucceeded is the only refund status that counts as evidence.
const RefundSucceeded = "succeeded"

// ChargeRef identifies the charge an order was paid with. PaymentIntentID is
// preferred; CheckoutSessionID is resolved to an intent when it is missing.
type ChargeRef struct {
	PaymentIntentID   string
	CheckoutSessionID string
}

func (r ChargeRef) Empty() bool {
	return r.PaymentIntentID == "" && r.CheckoutSessionID == ""
}

type Refund struct {
	ID          string
	AmountMinor int64
	Currency    string
	Status      string
	CreatedAt   time.Time
}

// Evidence is the summary the reconciler acts on.
type Evidence struct {
	Refunded    bool
	RefundID    string // most recent succeeded refund
	AmountMinor int64  // sum of succeeded refunds
	Currency    string
	RefundedAt  time.Time
}

// Processor finds refunds for a charge. Implementations return errors
// wrapping apperr.ErrExternalService for processor-side failures.
type Processor interface {
	FindRefunds(ctx context.Context, ref ChargeRef) ([]Refund, error)
}

// Summarize folds refunds into Evidence. Pending, failed and canceled
// refunds are ignored.
func Summarize(refunds []Refund) Evidence {
	var ev Evidence
	for _, r := range refunds {
		if r.Status != RefundSucceeded {
			continue
		}
		ev.Refunded = true
		ev.AmountMinor += r.AmountMinor
		if ev.Currency == "" {
			ev.Currency = r.Currency
		}
		if ev.RefundID == "" || r.CreatedAt.After(ev.RefundedAt) {
			ev.RefundID = r.ID
			ev.RefundedAt = r.CreatedAt
		}
	}
	return ev
}

// IsExternal reports whether err came from the processor side rather than
// from the caller's input.
func IsExternal(err error) bool {
	return errors.Is(err, apperr.ErrExternalService)
}
