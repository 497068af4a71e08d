package application

import (
	"context"
	"errors"
	"time"

	"github.com/RaikyD/storefront-orders/internal/access"
	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/RaikyD/storefront-orders/internal/logger"
	"github.com/RaikyD/storefront-orders/internal/repository"
	"github.com/google/uuid"
)

// ErrTestPaymentsDisabled is returned by RecordTestPayment unless the
// service was built WithTestPayments(true).
var ErrTestPaymentsDisabled = errors.New("test payments are disabled")

// RecordPayment reconciles a gateway capture against the stored order total
// and marks the order paid. Replaying the capture that already paid the
// order returns the order unchanged; a capture with another external id is
// rejected with ErrAlreadyPaid.
func (s *OrdersService) RecordPayment(ctx context.Context, orderID uuid.UUID, id domain.Identity, c domain.Capture) (*domain.Order, error) {
	if !id.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	if err := c.Validate(); err != nil {
		s.metrics.Payment("invalid")
		return nil, err
	}

	o, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := access.Check(id, o, access.Pay); err != nil {
		s.metrics.Payment("forbidden")
		return nil, err
	}
	if c.CapturedAmount != o.TotalPrice {
		s.metrics.Payment("mismatch")
		logger.Warn("payment amount mismatch",
			"order_id", orderID, "captured", c.CapturedAmount.String(), "total", o.TotalPrice.String())
		return nil, domain.ErrPaymentAmountMismatch
	}

	paidAt := s.now()
	result := c.Result()
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	cur, err := s.repo.ConditionalUpdate(sctx, orderID,
		func(o *domain.Order) bool { return !o.IsPaid },
		func(o *domain.Order) {
			o.IsPaid = true
			o.PaidAt = &paidAt
			o.PaymentResult = result
		},
	)
	switch {
	case errors.Is(err, repository.ErrPredicateFailed):
		if cur.PaymentResult != nil && cur.PaymentResult.ExternalID == c.ExternalID {
			s.metrics.Payment("replay")
			logger.Info("payment replayed", "order_id", orderID, "external_id", c.ExternalID)
			s.remember(cur)
			return cur, nil
		}
		s.metrics.Payment("already_paid")
		logger.Warn("second capture rejected", "order_id", orderID, "external_id", c.ExternalID)
		return nil, domain.ErrAlreadyPaid
	case err != nil:
		s.metrics.Payment("error")
		return nil, storeErr(err)
	}

	s.metrics.Payment("paid")
	logger.Info("payment recorded", "order_id", orderID, "external_id", c.ExternalID, "by", id.UserID)
	s.publish(ctx, domain.EventOrderPaid, cur)
	return cur, nil
}

// RecordTestPayment pays an order with a synthetic capture for the exact
// stored total. Already-paid orders are returned unchanged.
func (s *OrdersService) RecordTestPayment(ctx context.Context, orderID uuid.UUID, id domain.Identity) (*domain.Order, error) {
	if !s.testPayments {
		return nil, ErrTestPaymentsDisabled
	}
	o, err := s.GetOrder(ctx, id, orderID)
	if err != nil {
		return nil, err
	}
	if o.IsPaid {
		return o, nil
	}
	return s.RecordPayment(ctx, orderID, id, domain.Capture{
		ExternalID:     "TEST-" + uuid.NewString(),
		Status:         domain.CaptureStatusCompleted,
		UpdateTime:     s.now().Format(time.RFC3339),
		PayerEmail:     id.UserID,
		CapturedAmount: o.TotalPrice,
	})
}
