// Package handlers exposes the HTTP API.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/storefront-orderflow/internal/auth"
	"github.com/imrishuroy/storefront-orderflow/internal/ratelimit"
	"github.com/imrishuroy/storefront-orderflow/internal/validation"
)

// RouteLimit is one operation's rate budget.
type RouteLimit struct {
	Limit  int
	Window time.Duration
}

// HandlerConfig groups dependencies for the API.
type HandlerConfig struct {
	Ingress         carrierIngress
	SignatureHeader string
	Reconciler      refundReconciler
	Orders          orderReader
	Machine         statusApplier
	Auth            *auth.Validator
	Limiter         *ratelimit.Middleware
	RefundCheck     RouteLimit
	Lookup          RouteLimit
	Logger          *slog.Logger
}

// Handler holds the dependencies of every route.
type Handler struct {
	ingress         carrierIngress
	signatureHeader string
	reconciler      refundReconciler
	orders          orderReader
	machine         statusApplier
	validate        *validatorv10.Validate
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))
	RegisterRoutes(r, cfg)
	return r
}

// RegisterRoutes registers the API routes on r.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	h := &Handler{
		ingress:         cfg.Ingress,
		signatureHeader: cfg.SignatureHeader,
		reconciler:      cfg.Reconciler,
		orders:          cfg.Orders,
		machine:         cfg.Machine,
		validate:        validation.New(),
	}
	if h.signatureHeader == "" {
		h.signatureHeader = "X-Carrier-Signature"
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewMiddleware(ratelimit.NewMemoryStore(), nil, cfg.Logger)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/webhooks/carrier", h.carrierWebhook)

	customer := r.Group("/orders", auth.RequireBearer(cfg.Auth))
	customer.POST("/:id/refund-check", limiter.Limit("refund-check", cfg.RefundCheck.Limit, cfg.RefundCheck.Window), h.refundCheck)
	customer.GET("/:id", limiter.Limit("order-lookup", cfg.Lookup.Limit, cfg.Lookup.Window), h.getOrder)

	staff := r.Group("/admin", auth.RequireBearer(cfg.Auth), auth.RequireStaff())
	staff.PATCH("/orders/:id/status", h.staffUpdateStatus)
}
