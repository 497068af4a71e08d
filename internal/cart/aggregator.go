// Package cart derives authoritative totals from line items.
package cart

import (
	"strings"

	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/RaikyD/storefront-orders/internal/money"
	"github.com/shopspring/decimal"
)

type Totals struct {
	ItemsPrice    money.Money
	ShippingPrice money.Money
	TaxPrice      money.Money
	TotalPrice    money.Money
}

// Policy supplies shipping and tax for a given items subtotal.
type Policy interface {
	Quote(itemsPrice money.Money) (shipping, tax money.Money, err error)
}

// Fixed passes through precomputed shipping and tax.
type Fixed struct {
	Shipping money.Money
	Tax      money.Money
}

func (f Fixed) Quote(money.Money) (money.Money, money.Money, error) {
	if f.Shipping.IsNegative() {
		return 0, 0, domain.NewFieldError("shipping_price", domain.ErrInvalidAmount)
	}
	if f.Tax.IsNegative() {
		return 0, 0, domain.NewFieldError("tax_price", domain.ErrInvalidAmount)
	}
	return f.Shipping, f.Tax, nil
}

// FlatRate charges a fee below the free-shipping threshold and a flat tax rate.
type FlatRate struct {
	FreeShippingOver money.Money
	ShippingFee      money.Money
	TaxRate          decimal.Decimal
}

func (f FlatRate) Quote(itemsPrice money.Money) (money.Money, money.Money, error) {
	shipping := f.ShippingFee
	if itemsPrice > f.FreeShippingOver {
		shipping = money.Zero
	}
	tax, err := itemsPrice.MulRate(f.TaxRate)
	if err != nil {
		return 0, 0, err
	}
	return shipping, tax, nil
}

// ComputeTotals validates items and sums them. TotalPrice is always
// recomputed from the other three amounts.
func ComputeTotals(items []domain.LineItem, p Policy) (Totals, error) {
	if len(items) == 0 {
		return Totals{}, domain.ErrEmptyCart
	}
	var t Totals
	for i, it := range items {
		if strings.TrimSpace(it.ProductRef) == "" {
			return Totals{}, domain.LineItemError(i, "product_id", nil)
		}
		if it.Quantity <= 0 {
			return Totals{}, domain.LineItemError(i, "quantity", nil)
		}
		if it.UnitPrice.IsNegative() {
			return Totals{}, domain.LineItemError(i, "unit_price", nil)
		}
		line, err := it.UnitPrice.MulQty(it.Quantity)
		if err != nil {
			return Totals{}, domain.LineItemError(i, "quantity", err)
		}
		if t.ItemsPrice, err = t.ItemsPrice.Add(line); err != nil {
			return Totals{}, domain.LineItemError(i, "unit_price", err)
		}
	}

	var err error
	if t.ShippingPrice, t.TaxPrice, err = p.Quote(t.ItemsPrice); err != nil {
		return Totals{}, err
	}
	if t.TotalPrice, err = money.Sum(t.ItemsPrice, t.ShippingPrice, t.TaxPrice); err != nil {
		return Totals{}, err
	}
	return t, nil
}
