package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/config"
	orderevents "github.com/imrishuroy/storefront-orderflow/internal/events"
	"github.com/imrishuroy/storefront-orderflow/internal/lifecycle"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/payments"
	"github.com/imrishuroy/storefront-orderflow/internal/refunds"
)

func newProcessor(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Processor, *aws.Metrics, error) {
	clients, err := aws.Connect(ctx, aws.SettingsFromEnv())
	if err != nil {
		return nil, nil, err
	}
	store := orders.NewStore(clients.DynamoDB, cfg.OrdersTable)
	metrics := aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace, logger)
	emitter := orderevents.NewQueueEmitter(aws.NewPublisher(clients.SQS, cfg.EventsQueueURL))

	machine := lifecycle.NewMachine(store,
		lifecycle.WithEmitter(emitter),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithLogger(logger),
	)
	reconciler := refunds.NewReconciler(refunds.Config{
		Orders:  store,
		Machine: machine,
		Processor: payments.NewClient(payments.ClientConfig{
			BaseURL: cfg.PaymentsAPIBase,
			APIKey:  cfg.PaymentsAPIKey,
			RPS:     cfg.PaymentsRPS,
			Timeout: cfg.ProcessorTimeout,
		}),
		ProcessorTimeout: cfg.ProcessorTimeout,
		Metrics:          metrics,
		Logger:           logger,
	})
	watcher := refunds.NewWatcher(reconciler, emitter, refunds.WatchConfig{
		MaxAttempts: cfg.RefundWatchMaxAttempts,
		BaseDelay:   cfg.RefundWatchBaseDelay,
	}, metrics, logger)

	return NewProcessor(watcher, logger, defaultConcurrency), metrics, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)
	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	p, metrics, err := newProcessor(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to init dependencies", "error", err)
		os.Exit(1)
	}

	// RUN_LOCAL=true runs one batch built from LOCAL_SQS_BODY and exits.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"type":"refund.watch","order_id":"local-order-1","attempt":1}`
		}
		resp, err := p.Handle(context.Background(), events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		_ = metrics.Close(context.Background())
		if err != nil || len(resp.BatchItemFailures) > 0 {
			logger.Error("local batch failed", "error", err, "failures", len(resp.BatchItemFailures))
			os.Exit(1)
		}
		return
	}

	lambda.Start(func(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
		resp, err := p.Handle(ctx, ev)
		if ferr := metrics.Flush(ctx); ferr != nil {
			logger.WarnContext(ctx, "flush metrics", "error", ferr)
		}
		return resp, err
	})
}
