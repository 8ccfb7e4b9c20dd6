package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/storefront-orderflow/internal/lifecycle"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/validation"
)

type statusApplier interface {
	ApplyStatus(ctx context.Context, orderID string, status orders.Status, extra lifecycle.Extra) (*orders.Order, error)
}

func (h *Handler) staffUpdateStatus(c *gin.Context) {
	var req validation.StaffStatusUpdateRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	updated, err := h.machine.ApplyStatus(c.Request.Context(), c.Param("id"), orders.Status(req.Status), lifecycle.Extra{
		TrackingNumber: req.TrackingNumber,
		TrackingURL:    req.TrackingURL,
		Notes:          req.Notes,
		Source:         lifecycle.SourceStaff,
	})
	if err != nil {
		writeError(c, err, true, nil)
		return
	}
	c.JSON(http.StatusOK, updated)
}
