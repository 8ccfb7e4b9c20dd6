package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// Middleware builds per-route gin limiters over one shared Store.
type Middleware struct {
	store   Store
	metrics aws.Counter
	logger  *slog.Logger
}

// NewMiddleware builds rate-limit handlers over store. metrics and logger may be nil.
func NewMiddleware(store Store, metrics aws.Counter, logger *slog.Logger) *Middleware {
	if metrics == nil {
		metrics = aws.NopCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{store: store, metrics: metrics, logger: logger}
}

// Limit allows limit calls per window for each client on the route tagged
// tag. Denied calls get 429 with Retry-After. A failing store lets the
// call through.
func (m *Middleware) Limit(tag string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := tag + ":" + ClientIdentity(c)

		d, err := m.store.Allow(ctx, key, limit, window)
		if err != nil {
			m.logger.WarnContext(ctx, "rate limiter unavailable; allowing", "key", key, "error", err)
			c.Next()
			return
		}
		if !d.OK {
			m.logger.WarnContext(ctx, "rate limited", "key", key, "retry_after", d.RetryAfter)
			m.metrics.Count(ctx, "RateLimited", map[string]string{"route": tag})
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// ClientIdentity is the first X-Forwarded-For hop, falling back to the
// connection's address.
func ClientIdentity(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "unknown"
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
