// Package carrier turns signed shipping-carrier webhooks into canonical order
// transitions.
package carrier

import (
	"strings"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// statusMap is the carrier vocabulary after canonicalize. "rto" is absent on
// purpose: it is resolved by Normalize using the other signals in the event.
var statusMap = map[string]orders.Status{
	"shipped":          orders.StatusShipped,
	"out_for_delivery": orders.StatusShipped,
	"delivered":        orders.StatusDelivered,
	"cancelled":        orders.StatusCancelled,
	"canceled":         orders.StatusCancelled,
	"cancel":           orders.StatusCancelled,
	"returned":         orders.StatusReturned,
}

const rto = "rto"

// Normalize maps a raw carrier status onto the canonical status. Anything
// unrecognised maps to processing.
//
// RTO (return to origin) is used by carriers both for "in transit back to
// origin" and "returned". It maps to shipped unless one of signals (other
// status fields of the same event) says returned or cancelled, in which
// case that signal's status wins.
func Normalize(raw string, signals ...string) orders.Status {
	key := canonicalize(raw)
	if key == rto {
		for _, sig := range signals {
			switch s := statusMap[canonicalize(sig)]; s {
			case orders.StatusReturned, orders.StatusCancelled:
				return s
			}
		}
		return orders.StatusShipped
	}
	if s, ok := statusMap[key]; ok {
		return s
	}
	return orders.StatusProcessing
}

// Known reports whether raw is part of the mapped vocabulary.
func Known(raw string) bool {
	key := canonicalize(raw)
	if key == rto {
		return true
	}
	_, ok := statusMap[key]
	return ok
}

// canonicalize folds case and separators: "Out For-Delivery" -> "out_for_delivery".
func canonicalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
