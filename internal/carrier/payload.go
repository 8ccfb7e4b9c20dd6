package carrier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
)

// Shape is the payload layout a delivery arrived in.
type Shape int

const (
	// ShapeUnrecognized carries no (order id, status) pair in a known place.
	// Tracking fields may still be present.
	ShapeUnrecognized Shape = iota
	// ShapeFlat has order_id and a status at the top level.
	ShapeFlat
	// ShapeNested has them inside an "order" object.
	ShapeNested
)

func (s Shape) String() string {
	switch s {
	case ShapeFlat:
		return "flat"
	case ShapeNested:
		return "nested"
	default:
		return "unrecognized"
	}
}

// Event is one decoded carrier delivery.
type Event struct {
	Shape          Shape
	OrderID        string
	RawStatus      string
	Signals        []string // every other status-like field in the payload
	TrackingNumber string
	TrackingURL    string
	Courier        string
}

// HasTracking reports whether the event carries tracking data worth keeping.
func (e Event) HasTracking() bool {
	return e.TrackingNumber != "" || e.TrackingURL != ""
}

type wirePayload struct {
	OrderID        flexString  `json:"order_id"`
	Status         string      `json:"status"`
	CurrentStatus  string      `json:"current_status"`
	ShipmentStatus string      `json:"shipment_status"`
	AWB            flexString  `json:"awb"`
	AWBCode        flexString  `json:"awb_code"`
	TrackingNumber flexString  `json:"tracking_number"`
	TrackingURL    string      `json:"tracking_url"`
	Courier        string      `json:"courier_name"`
	Order          *wireNested `json:"order"`
}

type wireNested struct {
	ID             flexString `json:"id"`
	OrderID        flexString `json:"order_id"`
	Status         string     `json:"status"`
	CurrentStatus  string     `json:"current_status"`
	AWB            flexString `json:"awb"`
	TrackingNumber flexString `json:"tracking_number"`
	TrackingURL    string     `json:"tracking_url"`
}

// Decode parses a carrier payload. Unknown layouts are not an error: they
// decode to ShapeUnrecognized with whatever identifiers were found.
func Decode(body []byte) (Event, error) {
	var w wirePayload
	if err := json.Unmarshal(body, &w); err != nil {
		return Event{}, fmt.Errorf("decode carrier payload: %w: %w", apperr.ErrValidation, err)
	}

	ev := Event{
		TrackingNumber: firstNonEmpty(string(w.AWB), string(w.AWBCode), string(w.TrackingNumber)),
		TrackingURL:    w.TrackingURL,
		Courier:        strings.TrimSpace(w.Courier),
	}
	topStatuses := nonEmpty(w.CurrentStatus, w.Status, w.ShipmentStatus)

	if n := w.Order; n != nil {
		id := firstNonEmpty(string(n.ID), string(n.OrderID))
		nestedStatuses := nonEmpty(n.CurrentStatus, n.Status)
		if ev.TrackingNumber == "" {
			ev.TrackingNumber = firstNonEmpty(string(n.AWB), string(n.TrackingNumber))
		}
		if ev.TrackingURL == "" {
			ev.TrackingURL = n.TrackingURL
		}
		if id != "" && len(nestedStatuses) > 0 {
			ev.Shape = ShapeNested
			ev.OrderID = id
			ev.RawStatus = nestedStatuses[0]
			ev.Signals = nonEmpty(append(nestedStatuses[1:], topStatuses...)...)
			return ev, nil
		}
		if string(w.OrderID) == "" {
			ev.OrderID = id
		}
	}

	if string(w.OrderID) != "" {
		ev.OrderID = string(w.OrderID)
	}
	if ev.OrderID != "" && len(topStatuses) > 0 {
		ev.Shape = ShapeFlat
		ev.RawStatus = topStatuses[0]
		ev.Signals = nonEmpty(topStatuses[1:]...)
		return ev, nil
	}

	ev.Shape = ShapeUnrecognized
	if len(topStatuses) > 0 {
		ev.RawStatus = topStatuses[0]
		ev.Signals = nonEmpty(topStatuses[1:]...)
	}
	return ev, nil
}

// flexString accepts a JSON string or number; vendors send ids as either.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func nonEmpty(vals ...string) []string {
	var out []string
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
