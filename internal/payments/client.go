package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"golang.org/x/time/rate"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
)

const defaultTimeout = 8 * time.Second

// ClientConfig configures the Stripe-backed processor.
type ClientConfig struct {
	BaseURL    string // empty means api.stripe.com
	APIKey     string
	RPS        float64 // outbound request budget; <= 0 means unlimited
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client looks refunds up through the Stripe API.
type Client struct {
	api *client.API
}

// throttle makes every outbound request, including follow-up list pages,
// wait for a token.
type throttle struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *throttle) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("processor throttle: %w", err)
	}
	return t.base.RoundTrip(req)
}

// NewClient builds a Client. Retries are left to the caller (the refund
// watch reschedules), so the SDK's own network retries are disabled.
func NewClient(cfg ClientConfig) *Client {
	limit := rate.Inf
	burst := 1
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		burst = max(1, int(cfg.RPS))
	}

	hc := &http.Client{Timeout: cfg.Timeout}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}
	if hc.Timeout <= 0 {
		hc.Timeout = defaultTimeout
	}
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc.Transport = &throttle{base: base, limiter: rate.NewLimiter(limit, burst)}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        hc,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if url := strings.TrimRight(cfg.BaseURL, "/"); url != "" {
		backendCfg.URL = stripe.String(url)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.APIKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &Client{api: api}
}

// FindRefunds lists every refund on the payment behind ref. A checkout
// session that never reached payment has no refunds.
func (c *Client) FindRefunds(ctx context.Context, ref ChargeRef) ([]Refund, error) {
	if ref.Empty() {
		return nil, ErrNoChargeRef
	}
	intent := ref.PaymentIntentID
	if intent == "" {
		var err error
		intent, err = c.resolveSession(ctx, ref.CheckoutSessionID)
		if err != nil {
			return nil, err
		}
		if intent == "" {
			return nil, nil
		}
	}

	params := &stripe.RefundListParams{PaymentIntent: stripe.String(intent)}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []Refund
	iter := c.api.Refunds.List(params)
	for iter.Next() {
		r := iter.Refund()
		out = append(out, Refund{
			ID:          r.ID,
			AmountMinor: r.Amount,
			Currency:    strings.ToUpper(string(r.Currency)),
			Status:      string(r.Status),
			CreatedAt:   time.Unix(r.Created, 0).UTC(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, processorError("list refunds", err)
	}
	return out, nil
}

func (c *Client) resolveSession(ctx context.Context, sessionID string) (string, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := c.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return "", processorError("get checkout session "+sessionID, err)
	}
	if s.PaymentIntent == nil {
		return "", nil
	}
	return s.PaymentIntent.ID, nil
}

// processorError tags err as an external failure, keeping the API message
// when Stripe returned one.
func processorError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.Msg != "" {
		return fmt.Errorf("%w: %s: %d %s", apperr.ErrExternalService, op, se.HTTPStatusCode, se.Msg)
	}
	return fmt.Errorf("%w: %s: %w", apperr.ErrExternalService, op, err)
}
