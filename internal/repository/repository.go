package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/google/uuid"
)

// ErrPredicateFailed is returned by ConditionalUpdate together with the
// current record when the predicate rejected it.
var ErrPredicateFailed = errors.New("predicate failed")

var errIllegalTransition = errors.New("illegal milestone transition")

type Predicate func(o *domain.Order) bool

type Mutation func(o *domain.Order)

type OrderRepo interface {
	// Create persists a new order. A nil ID is replaced by a store-generated one.
	Create(ctx context.Context, o *domain.Order) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// ConditionalUpdate reads the order, evaluates pred and applies mut in
	// one atomic step. Only the paid/delivered milestones are persisted.
	ConditionalUpdate(ctx context.Context, id uuid.UUID, pred Predicate, mut Mutation) (*domain.Order, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Order, error)
	List(ctx context.Context, limit int) ([]*domain.Order, error)
	Ping(ctx context.Context) error
	Close() error
}

const DefaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}

// applyMutation runs mut on a copy of cur and keeps only the milestone
// fields, so a mutation can never rewrite items, prices or ownership.
func applyMutation(cur *domain.Order, mut Mutation) (*domain.Order, error) {
	scratch := cur.Clone()
	mut(scratch)

	next := cur.Clone()
	next.IsPaid = scratch.IsPaid
	next.PaidAt = scratch.PaidAt
	next.PaymentResult = scratch.PaymentResult
	next.IsDelivered = scratch.IsDelivered
	next.DeliveredAt = scratch.DeliveredAt

	if err := next.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("%w: %v", errIllegalTransition, err)
	}
	switch {
	case cur.IsPaid && !next.IsPaid, cur.IsDelivered && !next.IsDelivered:
		return nil, errIllegalTransition
	case cur.IsPaid && (!cur.PaidAt.Equal(*next.PaidAt) || *cur.PaymentResult != *next.PaymentResult):
		return nil, fmt.Errorf("%w: payment already recorded", errIllegalTransition)
	case cur.IsDelivered && !cur.DeliveredAt.Equal(*next.DeliveredAt):
		return nil, fmt.Errorf("%w: delivery already recorded", errIllegalTransition)
	}
	return next, nil
}

func validateNew(o *domain.Order) error {
	if o == nil {
		return errors.New("nil order")
	}
	return o.CheckInvariants()
}
