package validation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// BindAndValidate binds the JSON body into out and validates it. On failure
// it writes a 400 listing the offending fields and returns the error so the
// handler can stop.
func BindAndValidate(c *gin.Context, out any, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request_body",
			"msg":   err.Error(),
		})
		return fmt.Errorf("%w: %w", apperr.ErrValidation, err)
	}

	if err := v.Struct(out); err != nil {
		verr := ToValidationError(err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"fields": verr.Fields,
		})
		return verr
	}
	return nil
}

// ToValidationError converts validator output into field-level detail.
func ToValidationError(err error) *apperr.ValidationError {
	out := &apperr.ValidationError{Fields: map[string]string{}}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		out.Fields["body"] = err.Error()
		return out
	}
	for _, fe := range ve {
		out.Fields[fe.Field()] = message(fe)
	}
	return out
}

func message(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_with":
		return fmt.Sprintf("is required when %s is set", lowerFirst(fe.Param()))
	case "order_status":
		return fmt.Sprintf("must be one of %s", statusList())
	case "url":
		return "must be a valid URL"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

func statusList() string {
	names := make([]string, len(orders.AllStatuses))
	for i, s := range orders.AllStatuses {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// lowerFirst maps a Go field name from a tag parameter onto its JSON name.
func lowerFirst(s string) string {
	if s == "TrackingURL" {
		return "trackingUrl"
	}
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
