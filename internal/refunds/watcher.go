package refunds

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

// maxDelay is the longest delay SQS accepts on a message.
const maxDelay = 900 * time.Second

type reconciler interface {
	Reconcile(ctx context.Context, orderID, owner string) (Result, error)
}

// WatchConfig bounds the refund watch. Zero values take the defaults.
type WatchConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Watcher keeps checking cancelled, paid orders for a refund by scheduling
// delayed refund.watch messages to itself.
type Watcher struct {
	reconciler reconciler
	emitter    events.Emitter
	cfg        WatchConfig
	metrics    aws.Counter
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// NewWatcher returns a Watcher that reschedules itself through emitter.
func NewWatcher(r reconciler, emitter events.Emitter, cfg WatchConfig, metrics aws.Counter, logger *slog.Logger) *Watcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if metrics == nil {
		metrics = aws.NopCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{reconciler: r, emitter: emitter, cfg: cfg, metrics: metrics, logger: logger, nowFunc: time.Now}
}

// Backoff returns the delay before scheduled attempt n (n >= 1).
func (w *Watcher) Backoff(n int) time.Duration {
	d := w.cfg.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Handle dispatches one queue message. Messages it does not care about are
// acknowledged. A returned error means the message should be redelivered.
func (w *Watcher) Handle(ctx context.Context, msg events.Message) error {
	switch msg.Type {
	case events.TypeStatusChanged:
		if msg.To != orders.StatusCancelled || msg.PaymentStatus != orders.PaymentPaid || msg.TotalPaidAmount <= 0 {
			return nil
		}
		w.logger.InfoContext(ctx, "watching cancelled order for refund", "order_id", msg.OrderID)
		return w.tick(ctx, msg.OrderID, 0)
	case events.TypeRefundWatch:
		return w.tick(ctx, msg.OrderID, msg.Attempt)
	default:
		w.logger.InfoContext(ctx, "ignoring message", "type", msg.Type, "order_id", msg.OrderID)
		return nil
	}
}

func (w *Watcher) tick(ctx context.Context, orderID string, attempt int) error {
	log := w.logger.With("order_id", orderID, "attempt", attempt)

	res, err := w.reconciler.Reconcile(ctx, orderID, "")
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		log.WarnContext(ctx, "watched order no longer exists")
		return nil
	case err != nil && !apperr.Retryable(err):
		// redelivery cannot fix this; drop the watch instead of feeding the DLQ
		log.ErrorContext(ctx, "refund watch failed", "error", err)
		w.metrics.Count(ctx, "RefundWatch", map[string]string{"outcome": "failed"})
		return nil
	case err != nil:
		log.WarnContext(ctx, "refund check failed; will retry", "error", err)
	case res.Refunded:
		log.InfoContext(ctx, "refund watch finished", "message", res.Message)
		w.metrics.Count(ctx, "RefundWatch", map[string]string{"outcome": "refunded"})
		return nil
	case res.Skipped:
		log.InfoContext(ctx, "order left refund watch", "message", res.Message)
		w.metrics.Count(ctx, "RefundWatch", map[string]string{"outcome": "ineligible"})
		return nil
	}

	next := attempt + 1
	if next > w.cfg.MaxAttempts {
		log.WarnContext(ctx, "refund watch gave up")
		w.metrics.Count(ctx, "RefundWatch", map[string]string{"outcome": "exhausted"})
		return nil
	}
	delay := w.Backoff(next)
	if err := w.emitter.Emit(ctx, events.RefundWatch(orderID, next, w.nowFunc()), delay); err != nil {
		return fmt.Errorf("schedule refund watch for order %s: %w", orderID, err)
	}
	log.InfoContext(ctx, "refund watch scheduled", "next_attempt", next, "delay", delay)
	return nil
}
