package application

import (
	"context"
	"errors"

	"github.com/RaikyD/storefront-orders/internal/access"
	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/RaikyD/storefront-orders/internal/logger"
	"github.com/RaikyD/storefront-orders/internal/repository"
	"github.com/google/uuid"
)

// MarkDelivered is admin only and requires a paid order. Repeating it on a
// delivered order returns the order unchanged.
func (s *OrdersService) MarkDelivered(ctx context.Context, orderID uuid.UUID, id domain.Identity) (*domain.Order, error) {
	if err := access.Check(id, nil, access.Deliver); err != nil {
		s.metrics.Delivery("forbidden")
		return nil, err
	}

	o, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.IsDelivered {
		s.metrics.Delivery("replay")
		return o, nil
	}
	if !o.IsPaid {
		s.metrics.Delivery("not_paid")
		return nil, domain.ErrOrderNotPaid
	}

	deliveredAt := s.now()
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	cur, err := s.repo.ConditionalUpdate(sctx, orderID,
		func(o *domain.Order) bool { return o.IsPaid && !o.IsDelivered },
		func(o *domain.Order) {
			o.IsDelivered = true
			o.DeliveredAt = &deliveredAt
		},
	)
	switch {
	case errors.Is(err, repository.ErrPredicateFailed):
		if cur.IsDelivered {
			s.metrics.Delivery("replay")
			s.remember(cur)
			return cur, nil
		}
		s.metrics.Delivery("not_paid")
		return nil, domain.ErrOrderNotPaid
	case err != nil:
		s.metrics.Delivery("error")
		return nil, storeErr(err)
	}

	s.metrics.Delivery("delivered")
	logger.Info("order delivered", "order_id", orderID, "by", id.UserID)
	s.remember(cur)
	s.publish(ctx, domain.EventOrderDelivered, cur)
	return cur, nil
}
