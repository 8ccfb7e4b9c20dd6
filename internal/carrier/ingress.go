package carrier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/lifecycle"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// Outcome describes what a handled delivery did.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeRefused      Outcome = "refused"
	OutcomeTrackingOnly Outcome = "tracking_only"
	OutcomeNoop         Outcome = "noop"
	OutcomeDuplicate    Outcome = "duplicate"
)

// Applier is the state machine surface the ingress drives.
type Applier interface {
	ApplyStatus(ctx context.Context, orderID string, status orders.Status, extra lifecycle.Extra) (*orders.Order, error)
	MergeMetadata(ctx context.Context, orderID string, extra lifecycle.Extra) (*orders.Order, error)
}

// Deduper records processed deliveries. *idempotency.Store satisfies it.
type Deduper interface {
	Claim(ctx context.Context, key, source string) (bool, error)
	MarkDone(ctx context.Context, key, orderID, outcome string) error
	MarkFailed(ctx context.Context, key, note string) error
}

// Ingress handles inbound carrier webhooks.
type Ingress struct {
	verifier *Verifier
	machine  Applier
	dedupe   Deduper
	carrier  string
	metrics  aws.Counter
	logger   *slog.Logger
}

// IngressConfig wires an Ingress. Dedupe, Metrics and Logger may be nil.
type IngressConfig struct {
	Verifier *Verifier
	Machine  Applier
	Dedupe   Deduper // optional
	Carrier  string  // default provenance tag when the payload names no courier
	Metrics  aws.Counter
	Logger   *slog.Logger
}

// NewIngress returns an Ingress for one carrier integration.
func NewIngress(cfg IngressConfig) *Ingress {
	in := &Ingress{
		verifier: cfg.Verifier,
		machine:  cfg.Machine,
		dedupe:   cfg.Dedupe,
		carrier:  cfg.Carrier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if in.metrics == nil {
		in.metrics = aws.NopCounter{}
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	return in
}

// Handle verifies and applies one delivery. The signature is checked before
// the body is parsed; on failure nothing is read or written. eventID is the
// vendor's delivery id if it sends one.
func (in *Ingress) Handle(ctx context.Context, body []byte, signature, eventID string) (Outcome, error) {
	if err := in.verifier.Verify(body, signature); err != nil {
		in.metrics.Count(ctx, "CarrierWebhookRejected", nil)
		return "", err
	}

	key := deliveryKey(body, eventID)
	if in.dedupe != nil {
		proceed, err := in.dedupe.Claim(ctx, key, "carrier")
		switch {
		case err != nil:
			// processing is an idempotent merge; carry on without the record
			in.logger.WarnContext(ctx, "delivery dedupe unavailable", "key", key, "error", err)
		case !proceed:
			in.logger.InfoContext(ctx, "duplicate carrier delivery", "key", key)
			in.record(ctx, OutcomeDuplicate)
			return OutcomeDuplicate, nil
		}
	}

	outcome, orderID, err := in.process(ctx, body)
	if err != nil {
		if in.dedupe != nil {
			if merr := in.dedupe.MarkFailed(ctx, key, apperr.Kind(err)); merr != nil {
				in.logger.WarnContext(ctx, "mark delivery failed", "key", key, "error", merr)
			}
		}
		return "", err
	}

	if in.dedupe != nil {
		if merr := in.dedupe.MarkDone(ctx, key, orderID, string(outcome)); merr != nil {
			in.logger.WarnContext(ctx, "mark delivery done", "key", key, "error", merr)
		}
	}
	in.record(ctx, outcome)
	return outcome, nil
}

func (in *Ingress) process(ctx context.Context, body []byte) (Outcome, string, error) {
	ev, err := Decode(body)
	if err != nil {
		return "", "", err
	}
	log := in.logger.With("order_id", ev.OrderID, "shape", ev.Shape.String(), "carrier_status", ev.RawStatus)

	extra := lifecycle.Extra{
		TrackingNumber: ev.TrackingNumber,
		TrackingURL:    ev.TrackingURL,
		CarrierStatus:  ev.RawStatus,
		Source:         lifecycle.SourceCarrier,
		SourceTag:      ev.Courier,
	}
	if extra.SourceTag == "" {
		extra.SourceTag = in.carrier
	}

	if ev.OrderID == "" {
		log.InfoContext(ctx, "carrier event without order id ignored")
		return OutcomeNoop, "", nil
	}
	if ev.RawStatus == "" {
		if !ev.HasTracking() {
			log.InfoContext(ctx, "carrier event without status ignored")
			return OutcomeNoop, ev.OrderID, nil
		}
		if _, err := in.machine.MergeMetadata(ctx, ev.OrderID, extra); err != nil {
			return "", ev.OrderID, err
		}
		return OutcomeTrackingOnly, ev.OrderID, nil
	}

	if !Known(ev.RawStatus) {
		log.WarnContext(ctx, "unrecognised carrier status; defaulting to processing")
	}
	status := Normalize(ev.RawStatus, ev.Signals...)

	_, err = in.machine.ApplyStatus(ctx, ev.OrderID, status, extra)
	if errors.Is(err, apperr.ErrTransitionRefused) {
		// status not applied; tracking and the raw status must still land
		if _, merr := in.machine.MergeMetadata(ctx, ev.OrderID, lifecycle.Extra{
			TrackingNumber: ev.TrackingNumber,
			TrackingURL:    ev.TrackingURL,
			CarrierStatus:  ev.RawStatus,
		}); merr != nil {
			return "", ev.OrderID, merr
		}
		return OutcomeRefused, ev.OrderID, nil
	}
	if err != nil {
		return "", ev.OrderID, err
	}
	return OutcomeApplied, ev.OrderID, nil
}

func (in *Ingress) record(ctx context.Context, o Outcome) {
	in.metrics.Count(ctx, "CarrierWebhook", map[string]string{"outcome": string(o)})
}

func deliveryKey(body []byte, eventID string) string {
	if eventID != "" {
		return "carrier:" + eventID
	}
	sum := sha256.Sum256(body)
	return "carrier:sha256:" + hex.EncodeToString(sum[:])
}
