// Package config reads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Config is the process configuration, read once at start-up.
type Config struct {
	RunLocal bool
	LogLevel slog.Level

	OrdersBackend    string
	OrdersTable      string
	IdempotencyTable string
	EventsQueueURL   string
	MetricsNamespace string

	CarrierWebhookSecret   string
	CarrierSignatureHeader string
	TerminalGuard          string

	JWTSecret string
	JWTIssuer string

	PaymentsAPIBase  string
	PaymentsAPIKey   string
	PaymentsRPS      float64
	ProcessorTimeout time.Duration

	RefundCheckLimit  int
	RefundCheckWindow time.Duration
	LookupLimit       int
	LookupWindow      time.Duration
	RedisAddr         string

	RefundWatchMaxAttempts int
	RefundWatchBaseDelay   time.Duration
}

// Load reads every variable, applying defaults. Malformed values are
// reported together.
func Load() (Config, error) {
	var env loader
	cfg := Config{
		RunLocal: env.boolean("RUN_LOCAL", false),
		LogLevel: env.level("LOG_LEVEL", slog.LevelInfo),

		OrdersBackend:    strings.ToLower(env.str("ORDERS_BACKEND", BackendDynamoDB)),
		OrdersTable:      env.str("ORDERS_TABLE", ""),
		IdempotencyTable: env.str("IDEMPOTENCY_TABLE", ""),
		EventsQueueURL:   env.str("EVENTS_QUEUE_URL", ""),
		MetricsNamespace: env.str("METRICS_NAMESPACE", "StorefrontOrderflow"),

		CarrierWebhookSecret:   env.str("CARRIER_WEBHOOK_SECRET", ""),
		CarrierSignatureHeader: env.str("CARRIER_SIGNATURE_HEADER", "X-Carrier-Signature"),
		TerminalGuard:          strings.ToLower(env.str("TERMINAL_GUARD", "enforce")),

		JWTSecret: env.str("JWT_SECRET", ""),
		JWTIssuer: env.str("JWT_ISSUER", ""),

		PaymentsAPIBase:  env.str("PAYMENTS_API_BASE", "https://api.stripe.com"),
		PaymentsAPIKey:   env.str("PAYMENTS_API_KEY", ""),
		PaymentsRPS:      env.float("PAYMENTS_RPS", 10),
		ProcessorTimeout: env.duration("PROCESSOR_TIMEOUT", 8*time.Second),

		RefundCheckLimit:  env.integer("REFUND_CHECK_LIMIT", 10),
		RefundCheckWindow: env.duration("REFUND_CHECK_WINDOW", time.Minute),
		LookupLimit:       env.integer("LOOKUP_LIMIT", 60),
		LookupWindow:      env.duration("LOOKUP_WINDOW", time.Minute),
		RedisAddr:         env.str("REDIS_ADDR", ""),

		RefundWatchMaxAttempts: env.integer("REFUND_WATCH_MAX_ATTEMPTS", 8),
		RefundWatchBaseDelay:   env.duration("REFUND_WATCH_BASE_DELAY", 30*time.Second),
	}
	if err := errors.Join(env.errs...); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks what the API needs to serve traffic.
func (c Config) Validate() error {
	var errs []error
	switch c.OrdersBackend {
	case BackendDynamoDB:
		if c.OrdersTable == "" {
			errs = append(errs, errors.New("ORDERS_TABLE must be set"))
		}
	case BackendMemory:
		// the in-memory processor never reports a refund; keep it off deployed stages
		if !c.RunLocal {
			errs = append(errs, errors.New("ORDERS_BACKEND=memory requires RUN_LOCAL=true"))
		}
	default:
		errs = append(errs, fmt.Errorf("ORDERS_BACKEND must be %q or %q, got %q", BackendDynamoDB, BackendMemory, c.OrdersBackend))
	}
	if c.TerminalGuard != "enforce" && c.TerminalGuard != "observe" {
		errs = append(errs, fmt.Errorf("TERMINAL_GUARD must be enforce or observe, got %q", c.TerminalGuard))
	}
	if c.CarrierWebhookSecret == "" {
		errs = append(errs, errors.New("CARRIER_WEBHOOK_SECRET must be set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.OrdersBackend == BackendDynamoDB && c.PaymentsAPIKey == "" {
		errs = append(errs, errors.New("PAYMENTS_API_KEY must be set"))
	}
	if c.RefundCheckLimit <= 0 || c.LookupLimit <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.RefundCheckWindow <= 0 || c.LookupWindow <= 0 {
		errs = append(errs, errors.New("rate limit windows must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateWorker checks what the queue worker needs.
func (c Config) ValidateWorker() error {
	var errs []error
	if c.OrdersTable == "" {
		errs = append(errs, errors.New("ORDERS_TABLE must be set"))
	}
	if c.EventsQueueURL == "" {
		errs = append(errs, errors.New("EVENTS_QUEUE_URL must be set"))
	}
	if c.PaymentsAPIKey == "" {
		errs = append(errs, errors.New("PAYMENTS_API_KEY must be set"))
	}
	if c.RefundWatchMaxAttempts <= 0 {
		errs = append(errs, errors.New("REFUND_WATCH_MAX_ATTEMPTS must be positive"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger: JSON in Lambda, text locally.
func (c Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.RunLocal {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

type loader struct {
	errs []error
}

func (l *loader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (l *loader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (l *loader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// duration accepts Go durations ("90s") or bare seconds ("90").
func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (l *loader) level(key string, def slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return lvl
}
