package domain

import (
	"time"

	"github.com/RaikyD/storefront-orders/internal/money"
	"github.com/google/uuid"
)

type EventType string

const (
	EventOrderCreated   EventType = "order.created"
	EventOrderPaid      EventType = "order.paid"
	EventOrderDelivered EventType = "order.delivered"
)

// OrderEvent is published after every real lifecycle transition.
type OrderEvent struct {
	Type       EventType   `json:"type"`
	OrderID    uuid.UUID   `json:"order_id"`
	OwnerID    string      `json:"owner_id"`
	TotalPrice money.Money `json:"total_price"`
	OccurredAt time.Time   `json:"occurred_at"`
	Order      *Order      `json:"order"`
}

func NewOrderEvent(t EventType, o *Order, at time.Time) OrderEvent {
	return OrderEvent{
		Type:       t,
		OrderID:    o.ID,
		OwnerID:    o.OwnerID,
		TotalPrice: o.TotalPrice,
		OccurredAt: at,
		Order:      o,
	}
}
