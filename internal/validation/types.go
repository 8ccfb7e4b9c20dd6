package validation

// StaffStatusUpdateRequest is the payload for PATCH /admin/orders/:id/status.
type StaffStatusUpdateRequest struct {
	Status         string `json:"status" validate:"required,order_status"`
	TrackingNumber string `json:"trackingNumber,omitempty" validate:"required_with=TrackingURL,max=64"`
	TrackingURL    string `json:"trackingUrl,omitempty" validate:"omitempty,url,max=2048"`
	Notes          string `json:"notes,omitempty" validate:"max=1000"`
}
