package domain

import (
	"strings"

	"github.com/RaikyD/storefront-orders/internal/money"
)

const CaptureStatusCompleted = "COMPLETED"

// Capture is a payment gateway's attestation that funds were collected.
type Capture struct {
	ExternalID     string      `json:"external_id"`
	Status         string      `json:"status"`
	UpdateTime     string      `json:"update_time"`
	PayerEmail     string      `json:"payer_email"`
	CapturedAmount money.Money `json:"captured_amount"`
}

// Validate checks the required fields before the capture reaches reconciliation.
func (c *Capture) Validate() error {
	c.ExternalID = strings.TrimSpace(c.ExternalID)
	if c.ExternalID == "" {
		return NewFieldError("external_id", ErrInvalidCapture)
	}
	if !strings.EqualFold(strings.TrimSpace(c.Status), CaptureStatusCompleted) {
		return NewFieldError("status", ErrInvalidCapture)
	}
	c.Status = CaptureStatusCompleted
	if c.CapturedAmount.IsNegative() {
		return NewFieldError("captured_amount", ErrInvalidAmount)
	}
	return nil
}

func (c Capture) Result() *PaymentResult {
	return &PaymentResult{
		ExternalID: c.ExternalID,
		Status:     c.Status,
		UpdateTime: c.UpdateTime,
		PayerEmail: c.PayerEmail,
	}
}
