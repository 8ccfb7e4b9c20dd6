// Package lifecycle owns the canonical order status state machine. Every
// write to an order's status, payment status or metadata made by this core
// goes through Machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/events"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// Source identifies who asserted a transition.
type Source string

const (
	SourceStaff   Source = "staff"
	SourceCarrier Source = "carrier"
	SourceRefunds Source = "payment_processor"
)

// GuardMode controls carrier-driven transitions that would move an order
// backwards or out of a terminal state.
type GuardMode string

const (
	// GuardEnforce refuses such transitions.
	GuardEnforce GuardMode = "enforce"
	// GuardObserve logs and counts them, then applies them anyway.
	GuardObserve GuardMode = "observe"
)

// maxCASAttempts bounds reload-and-retry after a lost conditional write.
const maxCASAttempts = 3

// OrderStore is the record store collaborator.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	Update(ctx context.Context, orderID string, m orders.Mutation) (*orders.Order, error)
}

// Extra carries side-channel data merged into metadata with a transition.
type Extra struct {
	TrackingNumber string
	TrackingURL    string
	Notes          string
	CarrierStatus  string // raw vendor status, kept for review
	Source         Source
	SourceTag      string // e.g. carrier name; appended to Source in metadata
}

// RefundEvidence is what the payment processor reported for an order.
type RefundEvidence struct {
	RefundID    string
	AmountMinor int64
	Currency    string
	RefundedAt  time.Time
}

// Machine validates and applies order transitions.
type Machine struct {
	store   OrderStore
	emitter events.Emitter
	metrics aws.Counter
	logger  *slog.Logger
	guard   GuardMode
	nowFunc func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithEmitter publishes a status-changed event after each applied transition.
func WithEmitter(e events.Emitter) Option { return func(m *Machine) { m.emitter = e } }

// WithMetrics sets the counter for applied, refused and refund writes.
func WithMetrics(c aws.Counter) Option { return func(m *Machine) { m.metrics = c } }

// WithLogger sets the logger; slog.Default otherwise.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithGuard selects enforce or observe for backward carrier moves.
func WithGuard(mode GuardMode) Option { return func(m *Machine) { m.guard = mode } }

// WithClock overrides time.Now for status_updated_at stamps.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.nowFunc = now } }

// NewMachine returns a Machine over store, enforcing the carrier guard by default.
func NewMachine(store OrderStore, opts ...Option) *Machine {
	m := &Machine{
		store:   store,
		metrics: aws.NopCounter{},
		logger:  slog.Default(),
		guard:   GuardEnforce,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ApplyStatus moves orderID to newStatus and merges extra into metadata.
//
// Staff-driven calls are accepted at face value. Carrier-driven calls are
// checked against the precedence order; in enforce mode a refused
// transition returns apperr.ErrTransitionRefused with no write. Carrier
// writes are conditioned on the status the check was made against, so a
// concurrent change triggers a reload and a fresh decision.
func (m *Machine) ApplyStatus(ctx context.Context, orderID string, newStatus orders.Status, extra Extra) (*orders.Order, error) {
	if !newStatus.Valid() {
		return nil, apperr.NewValidation("status", fmt.Sprintf("unknown status %q", newStatus))
	}
	if extra.Source == "" {
		extra.Source = SourceStaff
	}

	for attempt := 1; ; attempt++ {
		current, err := m.store.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}

		mut := orders.Mutation{
			Status:   newStatus,
			Metadata: m.transitionMetadata(extra),
		}
		if extra.Source == SourceCarrier {
			if reason, ok := allowCarrierTransition(current.Status, newStatus); !ok {
				m.metrics.Count(ctx, "TransitionRefused", map[string]string{"mode": string(m.guard), "from": string(current.Status), "to": string(newStatus)})
				if m.guard != GuardObserve {
					m.logger.WarnContext(ctx, "carrier transition refused",
						"order_id", orderID, "from", current.Status, "to", newStatus, "reason", reason)
					return current, fmt.Errorf("order %s %s -> %s: %s: %w", orderID, current.Status, newStatus, reason, apperr.ErrTransitionRefused)
				}
				m.logger.WarnContext(ctx, "carrier transition would be refused; applying in observe mode",
					"order_id", orderID, "from", current.Status, "to", newStatus, "reason", reason)
			}
			mut.ExpectStatus = current.Status
		}

		updated, err := m.store.Update(ctx, orderID, mut)
		if errors.Is(err, orders.ErrStatusMismatch) && attempt < maxCASAttempts {
			m.logger.InfoContext(ctx, "order changed concurrently; re-evaluating", "order_id", orderID, "attempt", attempt)
			continue
		}
		if errors.Is(err, orders.ErrStatusMismatch) {
			return nil, fmt.Errorf("order %s: %w: %w", orderID, apperr.ErrStore, err)
		}
		if err != nil {
			return nil, err
		}

		m.logger.InfoContext(ctx, "order status applied",
			"order_id", orderID, "from", current.Status, "to", updated.Status, "source", extra.Source)
		m.metrics.Count(ctx, "TransitionApplied", map[string]string{"source": string(extra.Source), "to": string(updated.Status)})
		if current.Status != updated.Status {
			m.emit(ctx, events.StatusChanged(current, updated, string(extra.Source)))
		}
		return updated, nil
	}
}

// MergeMetadata writes metadata only, leaving status untouched. Used to keep
// carrier tracking data when the status part of an event is not applied.
func (m *Machine) MergeMetadata(ctx context.Context, orderID string, extra Extra) (*orders.Order, error) {
	md := orders.Metadata{}
	setIf(md, orders.MetaTrackingNumber, extra.TrackingNumber)
	setIf(md, orders.MetaTrackingURL, extra.TrackingURL)
	setIf(md, orders.MetaCarrierStatus, extra.CarrierStatus)
	setIf(md, orders.MetaNotes, extra.Notes)
	if len(md) == 0 {
		return m.store.Get(ctx, orderID)
	}
	return m.store.Update(ctx, orderID, orders.Mutation{Metadata: md})
}

// MarkRefunded moves payment_status paid -> refunded and records the
// evidence. It returns (order, false, nil) without writing when the order is
// already refunded, including when a concurrent caller won the race.
func (m *Machine) MarkRefunded(ctx context.Context, orderID string, ev RefundEvidence) (*orders.Order, bool, error) {
	refundedAt := ev.RefundedAt
	if refundedAt.IsZero() {
		refundedAt = m.nowFunc()
	}
	md := orders.Metadata{
		orders.MetaRefundAmount: orders.FormatAmount(ev.AmountMinor),
		orders.MetaRefundedAt:   refundedAt.UTC().Format(time.RFC3339),
		orders.MetaRefundSource: string(SourceRefunds),
	}
	setIf(md, orders.MetaRefundID, ev.RefundID)
	setIf(md, orders.MetaRefundCurrency, ev.Currency)

	updated, err := m.store.Update(ctx, orderID, orders.Mutation{
		PaymentStatus:       orders.PaymentRefunded,
		ExpectPaymentStatus: orders.PaymentPaid,
		Metadata:            md,
	})
	if errors.Is(err, orders.ErrStatusMismatch) {
		current, gerr := m.store.Get(ctx, orderID)
		if gerr != nil {
			return nil, false, gerr
		}
		if current.PaymentStatus == orders.PaymentRefunded {
			return current, false, nil
		}
		return current, false, fmt.Errorf("order %s payment status is %s, not paid: %w", orderID, current.PaymentStatus, apperr.ErrTransitionRefused)
	}
	if err != nil {
		return nil, false, err
	}

	m.logger.InfoContext(ctx, "order refund recorded", "order_id", orderID, "refund_id", ev.RefundID, "amount", ev.AmountMinor)
	m.metrics.Count(ctx, "RefundRecorded", nil)
	return updated, true, nil
}

func (m *Machine) transitionMetadata(extra Extra) orders.Metadata {
	md := orders.Metadata{
		orders.MetaStatusUpdatedAt: m.nowFunc().UTC().Format(time.RFC3339),
	}
	setIf(md, orders.MetaTrackingNumber, extra.TrackingNumber)
	setIf(md, orders.MetaTrackingURL, extra.TrackingURL)
	setIf(md, orders.MetaNotes, extra.Notes)
	setIf(md, orders.MetaCarrierStatus, extra.CarrierStatus)
	if extra.Source == SourceCarrier {
		source := string(extra.Source)
		if extra.SourceTag != "" {
			source += ":" + extra.SourceTag
		}
		md[orders.MetaStatusSource] = source
	} else {
		md[orders.MetaStatusSource] = string(extra.Source)
	}
	return md
}

func (m *Machine) emit(ctx context.Context, msg events.Message) {
	if m.emitter == nil {
		return
	}
	if err := m.emitter.Emit(ctx, msg, 0); err != nil {
		m.logger.WarnContext(ctx, "publish order event failed", "order_id", msg.OrderID, "type", msg.Type, "error", err)
	}
}

// allowCarrierTransition applies the forward-only precedence rule.
func allowCarrierTransition(from, to orders.Status) (string, bool) {
	if from == to {
		return "", true
	}
	if to.Rank() < from.Rank() {
		return "backwards transition", false
	}
	if from.Terminal() && to.Rank() == from.Rank() {
		return "terminal state", false
	}
	return "", true
}

func setIf(md orders.Metadata, key, value string) {
	if value != "" {
		md[key] = value
	}
}
