package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/storefront-orderflow/internal/auth"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/carrier"
	"github.com/imrishuroy/storefront-orderflow/internal/config"
	orderevents "github.com/imrishuroy/storefront-orderflow/internal/events"
	"github.com/imrishuroy/storefront-orderflow/internal/handlers"
	"github.com/imrishuroy/storefront-orderflow/internal/idempotency"
	"github.com/imrishuroy/storefront-orderflow/internal/lifecycle"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/payments"
	"github.com/imrishuroy/storefront-orderflow/internal/ratelimit"
	"github.com/imrishuroy/storefront-orderflow/internal/refunds"
)

const dedupeTTL = 48 * time.Hour

// setupRouter wires the API. The returned publisher is nil for the memory
// backend; otherwise it must be flushed before each Lambda invocation returns.
func setupRouter(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gin.Engine, *aws.Metrics, error) {
	var (
		store     lifecycle.OrderStore
		processor payments.Processor
		metrics   aws.Counter = aws.NopCounter{}
		publisher *aws.Metrics
		machOpts  = []lifecycle.Option{lifecycle.WithLogger(logger), lifecycle.WithGuard(lifecycle.GuardMode(cfg.TerminalGuard))}
		dedupe    carrier.Deduper
	)

	if cfg.OrdersBackend == config.BackendMemory {
		mem := orders.NewMemoryStore()
		proc := payments.NewMemoryProcessor()
		if cfg.RunLocal {
			seedLocal(mem, proc, cfg, logger)
		}
		store, processor = mem, proc
	} else {
		clients, err := aws.Connect(ctx, aws.SettingsFromEnv())
		if err != nil {
			return nil, nil, err
		}
		store = orders.NewStore(clients.DynamoDB, cfg.OrdersTable)
		publisher = aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace, logger)
		metrics = publisher
		if cfg.IdempotencyTable != "" {
			dedupe = idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, dedupeTTL)
		}
		if cfg.EventsQueueURL != "" {
			emitter := orderevents.NewQueueEmitter(aws.NewPublisher(clients.SQS, cfg.EventsQueueURL))
			machOpts = append(machOpts, lifecycle.WithEmitter(emitter))
		}
		processor = payments.NewClient(payments.ClientConfig{
			BaseURL: cfg.PaymentsAPIBase,
			APIKey:  cfg.PaymentsAPIKey,
			RPS:     cfg.PaymentsRPS,
			Timeout: cfg.ProcessorTimeout,
		})
	}
	machOpts = append(machOpts, lifecycle.WithMetrics(metrics))
	machine := lifecycle.NewMachine(store, machOpts...)

	var limitStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RedisAddr != "" {
		limitStore, _ = ratelimit.NewRedisStoreFromAddr(cfg.RedisAddr)
	}

	return handlers.NewRouter(handlers.HandlerConfig{
		Ingress: carrier.NewIngress(carrier.IngressConfig{
			Verifier: carrier.NewVerifier(cfg.CarrierWebhookSecret),
			Machine:  machine,
			Dedupe:   dedupe,
			Metrics:  metrics,
			Logger:   logger,
		}),
		SignatureHeader: cfg.CarrierSignatureHeader,
		Reconciler: refunds.NewReconciler(refunds.Config{
			Orders:           store,
			Machine:          machine,
			Processor:        processor,
			ProcessorTimeout: cfg.ProcessorTimeout,
			Metrics:          metrics,
			Logger:           logger,
		}),
		Orders:      store,
		Machine:     machine,
		Auth:        auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer),
		Limiter:     ratelimit.NewMiddleware(limitStore, metrics, logger),
		RefundCheck: handlers.RouteLimit{Limit: cfg.RefundCheckLimit, Window: cfg.RefundCheckWindow},
		Lookup:      handlers.RouteLimit{Limit: cfg.LookupLimit, Window: cfg.LookupWindow},
		Logger:      logger,
	}), publisher, nil
}

// seedLocal loads two demo orders and prints tokens for trying the API
// against the in-memory backend.
func seedLocal(store *orders.MemoryStore, proc *payments.MemoryProcessor, cfg config.Config, logger *slog.Logger) {
	now := time.Now().UTC()
	store.Put(orders.Order{OrderID: "demo-1", CustomerID: "demo-customer", Status: orders.StatusProcessing,
		PaymentStatus: orders.PaymentPaid, TotalPaidAmount: 129900, Currency: "INR", PaymentIntentID: "pi_demo_1", CreatedAt: now, UpdatedAt: now})
	store.Put(orders.Order{OrderID: "demo-2", CustomerID: "demo-customer", Status: orders.StatusCancelled,
		PaymentStatus: orders.PaymentPaid, TotalPaidAmount: 50000, Currency: "INR", PaymentIntentID: "pi_demo_2", CreatedAt: now, UpdatedAt: now})
	proc.AddRefund("pi_demo_2", payments.Refund{ID: "re_demo_2", AmountMinor: 50000, Currency: "INR", Status: payments.RefundSucceeded, CreatedAt: now})

	v := auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer)
	customer, _ := v.Issue("demo-customer", nil, 24*time.Hour)
	staff, _ := v.Issue("demo-staff", []string{auth.RoleStaff}, 24*time.Hour)
	logger.Info("seeded in-memory orders", "orders", []string{"demo-1", "demo-2"}, "customer_token", customer, "staff_token", staff)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if !cfg.RunLocal {
		gin.SetMode(gin.ReleaseMode)
	}

	r, metrics, err := setupRouter(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to init dependencies", "error", err)
		os.Exit(1)
	}

	// RUN_LOCAL=true serves plain HTTP for development.
	if cfg.RunLocal {
		addr := ":8080"
		logger.Info("running local server", "addr", addr)
		if err := r.Run(addr); err != nil {
			logger.Error("failed to run local server", "error", err)
			os.Exit(1)
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, req)
		if ferr := metrics.Flush(ctx); ferr != nil {
			logger.WarnContext(ctx, "flush metrics", "error", ferr)
		}
		return resp, err
	})
}
