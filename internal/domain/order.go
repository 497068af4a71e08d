package domain

import (
	"fmt"
	"time"

	"github.com/RaikyD/storefront-orders/internal/money"
	"github.com/google/uuid"
)

type LineItem struct {
	ProductRef string      `json:"product_id"`
	Name       string      `json:"name"`
	Quantity   int         `json:"quantity"`
	UnitPrice  money.Money `json:"unit_price"`
	Image      string      `json:"image"`
}

type ShippingAddress struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// PaymentResult is the capture recorded when an order becomes paid.
type PaymentResult struct {
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	UpdateTime string `json:"update_time"`
	PayerEmail string `json:"payer_email"`
}

type Order struct {
	ID              uuid.UUID       `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Items           []LineItem      `json:"items"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`

	ItemsPrice    money.Money `json:"items_price"`
	ShippingPrice money.Money `json:"shipping_price"`
	TaxPrice      money.Money `json:"tax_price"`
	TotalPrice    money.Money `json:"total_price"`

	IsPaid        bool           `json:"is_paid"`
	PaidAt        *time.Time     `json:"paid_at"`
	PaymentResult *PaymentResult `json:"payment_result"`

	IsDelivered bool       `json:"is_delivered"`
	DeliveredAt *time.Time `json:"delivered_at"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy so callers can't alias stored state.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		c.DeliveredAt = &t
	}
	if o.PaymentResult != nil {
		pr := *o.PaymentResult
		c.PaymentResult = &pr
	}
	return &c
}

// Terminal reports whether no further transition can touch the order.
func (o *Order) Terminal() bool { return o.IsPaid && o.IsDelivered }

// CheckInvariants verifies the pricing and milestone invariants of a stored order.
func (o *Order) CheckInvariants() error {
	if len(o.Items) == 0 {
		return ErrEmptyCart
	}
	var items money.Money
	for i, it := range o.Items {
		line, err := it.UnitPrice.MulQty(it.Quantity)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		if items, err = items.Add(line); err != nil {
			return err
		}
	}
	if items != o.ItemsPrice {
		return fmt.Errorf("items_price %s != %s", o.ItemsPrice, items)
	}
	total, err := money.Sum(o.ItemsPrice, o.ShippingPrice, o.TaxPrice)
	if err != nil {
		return err
	}
	if total != o.TotalPrice {
		return fmt.Errorf("total_price %s != %s", o.TotalPrice, total)
	}
	if o.IsPaid != (o.PaidAt != nil) || o.IsPaid != (o.PaymentResult != nil) {
		return fmt.Errorf("paid milestone inconsistent")
	}
	if o.IsDelivered != (o.DeliveredAt != nil) {
		return fmt.Errorf("delivered milestone inconsistent")
	}
	if o.IsDelivered && !o.IsPaid {
		return fmt.Errorf("delivered before paid")
	}
	return nil
}
