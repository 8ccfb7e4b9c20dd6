package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
	"github.com/imrishuroy/storefront-orderflow/internal/carrier"
)

const maxWebhookBody = 1 << 20

type carrierIngress interface {
	Handle(ctx context.Context, body []byte, signature, eventID string) (carrier.Outcome, error)
}

// carrierWebhook acknowledges every handled delivery with 200 so the
// carrier stops retrying. Failures answer in plain text without saying
// which step failed.
func (h *Handler) carrierWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.String(http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	outcome, err := h.ingress.Handle(c.Request.Context(), body, c.GetHeader(h.signatureHeader), c.GetHeader("X-Event-Id"))
	if err != nil {
		log := loggerFrom(c)
		status := apperr.HTTPStatus(err)
		switch {
		case errors.Is(err, apperr.ErrAuth):
			log.WarnContext(c.Request.Context(), "carrier webhook rejected", "error", err)
			c.String(http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, apperr.ErrValidation):
			log.WarnContext(c.Request.Context(), "carrier webhook malformed", "error", err)
			c.String(http.StatusBadRequest, "malformed payload")
		case status < 500:
			log.WarnContext(c.Request.Context(), "carrier webhook not applied", "error", err)
			c.String(status, http.StatusText(status))
		default:
			log.ErrorContext(c.Request.Context(), "carrier webhook failed", "error", err)
			c.String(status, http.StatusText(status))
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "outcome": outcome})
}
