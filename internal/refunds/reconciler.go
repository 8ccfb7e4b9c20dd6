// Package refunds reconciles order payment status with the payment
// processor's refund records.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/lifecycle"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/payments"
)

const defaultProcessorTimeout = 8 * time.Second

// Result is reported to the caller of a refund check.
type Result struct {
	Success  bool   `json:"success"`
	Refunded bool   `json:"refunded"`
	Message  string `json:"message,omitempty"`

	// Skipped is set when the order did not qualify and the processor was
	// not contacted.
	Skipped bool `json:"-"`
}

type orderReader interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
}

type refundMarker interface {
	MarkRefunded(ctx context.Context, orderID string, ev lifecycle.RefundEvidence) (*orders.Order, bool, error)
}

// Config wires a Reconciler. Metrics and Logger are optional.
type Config struct {
	Orders           orderReader
	Machine          refundMarker
	Processor        payments.Processor
	ProcessorTimeout time.Duration
	Metrics          aws.Counter
	Logger           *slog.Logger
}

// Reconciler runs one refund check. It is safe to call concurrently and
// repeatedly for the same order.
type Reconciler struct {
	orders    orderReader
	machine   refundMarker
	processor payments.Processor
	timeout   time.Duration
	metrics   aws.Counter
	logger    *slog.Logger
}

// NewReconciler returns a Reconciler; a zero ProcessorTimeout uses the default.
func NewReconciler(cfg Config) *Reconciler {
	r := &Reconciler{
		orders:    cfg.Orders,
		machine:   cfg.Machine,
		processor: cfg.Processor,
		timeout:   cfg.ProcessorTimeout,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if r.timeout <= 0 {
		r.timeout = defaultProcessorTimeout
	}
	if r.metrics == nil {
		r.metrics = aws.NopCounter{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Reconcile checks the processor for refunds on orderID and records the
// first one found. owner, when non-empty, must match the order's customer;
// a mismatch reports NotFound so the endpoint does not reveal other
// customers' orders.
//
// Processor failures return Success=false together with an error wrapping
// apperr.ErrExternalService, and never touch the order.
func (r *Reconciler) Reconcile(ctx context.Context, orderID, owner string) (Result, error) {
	o, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if owner != "" && o.CustomerID != owner {
		return Result{}, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}

	if o.PaymentStatus == orders.PaymentRefunded {
		return Result{Success: true, Refunded: true, Message: "refund already recorded", Skipped: true}, nil
	}
	if !o.RefundEligible() {
		return Result{Success: true, Message: "order is not awaiting a refund", Skipped: true}, nil
	}
	ref := payments.ChargeRef{PaymentIntentID: o.PaymentIntentID, CheckoutSessionID: o.CheckoutSessionID}
	if ref.Empty() {
		r.logger.WarnContext(ctx, "paid order has no charge reference", "order_id", orderID)
		return Result{Success: true, Message: "no payment reference on order", Skipped: true}, nil
	}

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	refunds, err := r.processor.FindRefunds(pctx, ref)
	cancel()
	if err != nil {
		r.metrics.Count(ctx, "RefundCheck", map[string]string{"outcome": "processor_error"})
		r.logger.WarnContext(ctx, "refund lookup failed", "order_id", orderID, "error", err)
		if !errors.Is(err, apperr.ErrExternalService) {
			err = fmt.Errorf("%w: %w", apperr.ErrExternalService, err)
		}
		return Result{Success: false, Message: "could not reach the payment processor"}, fmt.Errorf("refund lookup for order %s: %w", orderID, err)
	}

	ev := payments.Summarize(refunds)
	if !ev.Refunded {
		r.metrics.Count(ctx, "RefundCheck", map[string]string{"outcome": "not_refunded"})
		return Result{Success: true, Message: "no refund found yet"}, nil
	}

	if ev.Currency == "" {
		ev.Currency = o.Currency
	}
	_, applied, err := r.machine.MarkRefunded(ctx, orderID, lifecycle.RefundEvidence{
		RefundID:    ev.RefundID,
		AmountMinor: ev.AmountMinor,
		Currency:    ev.Currency,
		RefundedAt:  ev.RefundedAt,
	})
	if err != nil {
		return Result{Success: false}, err
	}
	outcome := "refunded"
	if !applied {
		outcome = "already_refunded"
	}
	r.metrics.Count(ctx, "RefundCheck", map[string]string{"outcome": outcome})
	return Result{Success: true, Refunded: true, Message: "refund recorded"}, nil
}
