package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
	"github.com/imrishuroy/storefront-orderflow/internal/auth"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/refunds"
)

type orderReader interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
}

type refundReconciler interface {
	Reconcile(ctx context.Context, orderID, owner string) (refunds.Result, error)
}

// ownerFilter is the customer the caller may act for; staff act for anyone.
func ownerFilter(p *auth.Principal) string {
	if p.HasRole(auth.RoleStaff, auth.RoleAdmin) {
		return ""
	}
	return p.ID
}

func (h *Handler) refundCheck(c *gin.Context) {
	orderID := c.Param("id")
	res, err := h.reconciler.Reconcile(c.Request.Context(), orderID, ownerFilter(auth.PrincipalFrom(c)))
	if err != nil {
		writeError(c, err, false, gin.H{"success": false, "refunded": false})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getOrder(c *gin.Context) {
	orderID := c.Param("id")
	o, err := h.orders.Get(c.Request.Context(), orderID)
	if err == nil {
		if owner := ownerFilter(auth.PrincipalFrom(c)); owner != "" && o.CustomerID != owner {
			err = fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
		}
	}
	if err != nil {
		writeError(c, err, false, nil)
		return
	}
	c.JSON(http.StatusOK, o)
}
