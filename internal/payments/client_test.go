package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
)

func TestClient_FindRefunds_ByIntentPaginates(t *testing.T) {
	var pages int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		assert.Equal(t, "pi_1", r.URL.Query().Get("payment_intent"))
		pages++
		if r.URL.Query().Get("starting_after") == "" {
			_, _ = w.Write([]byte(`{"data":[{"id":"re_1","amount":20000,"currency":"inr","status":"succeeded","created":1767225600}],"has_more":true}`))
			return
		}
		assert.Equal(t, "re_1", r.URL.Query().Get("starting_after"))
		_, _ = w.Write([]byte(`{"data":[{"id":"re_2","amount":30000,"currency":"inr","status":"pending","created":1767312000}],"has_more":false}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL + "/", APIKey: "sk_test"})
	refunds, err := c.FindRefunds(context.Background(), ChargeRef{PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	assert.Equal(t, 2, pages)
	assert.Equal(t, Refund{ID: "re_1", AmountMinor: 20000, Currency: "INR", Status: "succeeded", CreatedAt: time.Unix(1767225600, 0).UTC()}, refunds[0])
}

func TestClient_FindRefunds_ResolvesCheckoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/checkout/sessions/cs_1":
			_, _ = w.Write([]byte(`{"id":"cs_1","payment_intent":"pi_9"}`))
		case "/v1/checkout/sessions/cs_expanded":
			_, _ = w.Write([]byte(`{"id":"cs_expanded","payment_intent":{"id":"pi_9","object":"payment_intent"}}`))
		case "/v1/checkout/sessions/cs_unpaid":
			_, _ = w.Write([]byte(`{"id":"cs_unpaid","payment_intent":null}`))
		case "/v1/refunds":
			assert.Equal(t, "pi_9", r.URL.Query().Get("payment_intent"))
			_, _ = w.Write([]byte(`{"data":[{"id":"re_9","amount":100,"currency":"usd","status":"succeeded","created":1}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k"})
	for _, sess := range []string{"cs_1", "cs_expanded"} {
		refunds, err := c.FindRefunds(context.Background(), ChargeRef{CheckoutSessionID: sess})
		require.NoError(t, err, sess)
		require.Len(t, refunds, 1, sess)
		assert.Equal(t, "re_9", refunds[0].ID)
	}

	refunds, err := c.FindRefunds(context.Background(), ChargeRef{CheckoutSessionID: "cs_unpaid"})
	require.NoError(t, err)
	assert.Empty(t, refunds)
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Too many requests","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.FindRefunds(context.Background(), ChargeRef{PaymentIntentID: "pi_1"})
	require.ErrorIs(t, err, apperr.ErrExternalService)
	assert.Contains(t, err.Error(), "Too many requests")

	_, err = c.FindRefunds(context.Background(), ChargeRef{})
	assert.ErrorIs(t, err, ErrNoChargeRef)
	assert.False(t, IsExternal(err))
}

func TestClient_TimeoutIsExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k", Timeout: 50 * time.Millisecond})
	_, err := c.FindRefunds(context.Background(), ChargeRef{PaymentIntentID: "pi_1"})
	assert.True(t, IsExternal(err))
}

func TestClient_ThrottleHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k", RPS: 0.001})
	_, err := c.FindRefunds(context.Background(), ChargeRef{PaymentIntentID: "pi_1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.FindRefunds(ctx, ChargeRef{PaymentIntentID: "pi_1"})
	assert.ErrorIs(t, err, apperr.ErrExternalService)
}

type countingTransport struct{ calls int }

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	return http.DefaultTransport.RoundTrip(req)
}

func TestClient_UsesSuppliedHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[],"has_more":false}`))
	}))
	defer srv.Close()

	tr := &countingTransport{}
	hc := &http.Client{Transport: tr}
	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k", HTTPClient: hc})
	refunds, err := c.FindRefunds(context.Background(), ChargeRef{PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Empty(t, refunds)
	assert.Equal(t, 1, tr.calls)
	assert.Same(t, tr, hc.Transport, "caller's client is not modified")
}
