package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

type brokenStore struct{}

func (brokenStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

func newRouter(store Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	mw := NewMiddleware(store, nil, nil)
	r.GET("/lookup", mw.Limit("order-lookup", 2, time.Minute), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/check", mw.Limit("refund-check", 1, time.Minute), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func call(r http.Handler, method, path, xff string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLimit_PerClientPerRoute(t *testing.T) {
	r := newRouter(NewMemoryStore())

	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/lookup", "1.1.1.1").Code)
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/lookup", "1.1.1.1, 10.0.0.1").Code)

	w := call(r, http.MethodGet, "/lookup", "1.1.1.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"too many requests"}`, w.Body.String())

	// independent budgets
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/lookup", "2.2.2.2").Code)
	assert.Equal(t, http.StatusOK, call(r, http.MethodPost, "/check", "1.1.1.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, call(r, http.MethodPost, "/check", "1.1.1.1").Code)
}

func TestLimit_FailsOpen(t *testing.T) {
	r := newRouter(brokenStore{})
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, call(r, http.MethodPost, "/check", "1.1.1.1").Code)
	}
}

// stalledCloudWatch never answers until released.
type stalledCloudWatch struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *stalledCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	s.calls.Add(1)
	<-s.release
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestLimit_DenialsDoNotWaitOnMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cw := &stalledCloudWatch{release: make(chan struct{})}
	metrics := aws.NewMetrics(cw, "ns", nil, aws.WithFlushInterval(time.Hour))

	r := gin.New()
	mw := NewMiddleware(NewMemoryStore(), metrics, nil)
	r.POST("/check", mw.Limit("refund-check", 1, time.Minute), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make(chan int, 6)
	go func() {
		for i := 0; i < 6; i++ {
			codes <- call(r, http.MethodPost, "/check", "1.1.1.1").Code
		}
		close(codes)
	}()

	var got []int
	timeout := time.After(time.Second)
	for len(got) < 6 {
		select {
		case c, ok := <-codes:
			require.True(t, ok)
			got = append(got, c)
		case <-timeout:
			t.Fatalf("requests stalled behind metrics publishing after %d responses", len(got))
		}
	}
	assert.Equal(t, []int{200, 429, 429, 429, 429, 429}, got)
	assert.Equal(t, int32(0), cw.calls.Load())

	close(cw.release)
	require.NoError(t, metrics.Close(context.Background()))
	assert.Equal(t, int32(1), cw.calls.Load())
}

func TestClientIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "203.0.113.9:5555"
	assert.Equal(t, "203.0.113.9", ClientIdentity(c))

	c.Request.Header.Set("X-Forwarded-For", " 198.51.100.1 , 10.0.0.1")
	assert.Equal(t, "198.51.100.1", ClientIdentity(c))

	c.Request.Header.Del("X-Forwarded-For")
	c.Request.RemoteAddr = ""
	assert.Equal(t, "unknown", ClientIdentity(c))
}
