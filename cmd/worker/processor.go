package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	orderevents "github.com/imrishuroy/storefront-orderflow/internal/events"
)

const defaultConcurrency = 4

type messageHandler interface {
	Handle(ctx context.Context, msg orderevents.Message) error
}

// Processor handles an SQS batch. Failed messages are reported back as
// batch item failures so only they are redelivered.
type Processor struct {
	handler     messageHandler
	logger      *slog.Logger
	concurrency int
}

// NewProcessor runs at most concurrency messages of a batch at once.
func NewProcessor(h messageHandler, logger *slog.Logger, concurrency int) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Processor{handler: h, logger: logger, concurrency: concurrency}
}

// Handle processes every record of the batch concurrently.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		mu       sync.Mutex
		failures []events.SQSBatchItemFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, rec := range ev.Records {
		rec := rec
		g.Go(func() error {
			if err := p.processMessage(gctx, rec); err != nil {
				p.logger.ErrorContext(gctx, "worker message failed", "message_id", rec.MessageId, "error", err)
				mu.Lock()
				failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
				mu.Unlock()
			}
			// one bad message must not cancel the rest of the batch
			return nil
		})
	}
	_ = g.Wait()

	p.logger.InfoContext(ctx, "batch processed", "records", len(ev.Records), "failed", len(failures))
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg orderevents.Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		// redelivery cannot fix a malformed body; drop it
		p.logger.ErrorContext(ctx, "dropping malformed message", "message_id", rec.MessageId, "error", err)
		return nil
	}
	if msg.OrderID == "" {
		p.logger.WarnContext(ctx, "dropping message without order id", "message_id", rec.MessageId, "type", msg.Type)
		return nil
	}

	p.logger.DebugContext(ctx, "worker received", "type", msg.Type, "order_id", msg.OrderID, "attempt", msg.Attempt)
	if err := p.handler.Handle(ctx, msg); err != nil {
		return fmt.Errorf("%s for order %s: %w", msg.Type, msg.OrderID, err)
	}
	return nil
}
