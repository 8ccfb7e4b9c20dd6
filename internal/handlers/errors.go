package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
)

// publicMessage is what a customer sees for each kind of failure. Store and
// processor details stay in the logs.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return err.Error()
	case errors.Is(err, apperr.ErrAuth):
		return "unauthorized"
	case errors.Is(err, apperr.ErrForbidden):
		return "forbidden"
	case errors.Is(err, apperr.ErrNotFound):
		return "order not found"
	case errors.Is(err, apperr.ErrTransitionRefused):
		return "order cannot change from its current state"
	case errors.Is(err, apperr.ErrRateLimited):
		return "too many requests"
	case errors.Is(err, apperr.ErrExternalService):
		return "payment processor unavailable, try again shortly"
	case errors.Is(err, apperr.ErrStore):
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}

// writeError renders err as JSON. Customer routes get the generic message;
// staff routes get the full error. extra is merged into the body.
func writeError(c *gin.Context, err error, staff bool, extra gin.H) {
	status := apperr.HTTPStatus(err)
	log := loggerFrom(c)
	if status >= 500 {
		log.ErrorContext(c.Request.Context(), "request failed", "kind", apperr.Kind(err), "error", err)
	} else {
		log.WarnContext(c.Request.Context(), "request rejected", "kind", apperr.Kind(err), "error", err)
	}

	msg := publicMessage(err)
	if staff {
		msg = err.Error()
	}
	body := gin.H{"error": msg}
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		body["fields"] = verr.Fields
	}
	for k, v := range extra {
		body[k] = v
	}
	if apperr.Retryable(err) && status == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(5))
	}
	c.AbortWithStatusJSON(status, body)
}
