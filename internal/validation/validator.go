package validation

import (
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// New returns a validator that reports fields by their JSON names and knows
// the order_status tag.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("order_status", validOrderStatus)

	return v
}

// validOrderStatus accepts canonical statuses only, case-sensitively.
func validOrderStatus(fl validatorv10.FieldLevel) bool {
	return orders.Status(fl.Field().String()).Valid()
}
