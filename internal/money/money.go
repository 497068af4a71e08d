// Package money holds currency amounts as integer cents.
//
// Every computed amount goes through Round2, which rounds half-up to two
// decimal places. Amounts coming from outside go through Exact, which
// refuses sub-cent precision instead of rounding it away. Amounts are never
// negative when built through the constructors in this package.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// Money is an amount in minor units (cents).
type Money int64

const Zero Money = 0

var maxCents = decimal.NewFromInt(math.MaxInt64)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidAmount}, args...)...)
}

// FromCents wraps a cent count.
func FromCents(c int64) (Money, error) {
	if c < 0 {
		return 0, invalid("negative cents %d", c)
	}
	return Money(c), nil
}

// Round2 rounds d half-up to cents.
func Round2(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return 0, invalid("negative value %s", d.String())
	}
	// Round is half away from zero, which is half-up for d >= 0.
	c := d.Round(2).Shift(2)
	if c.GreaterThan(maxCents) {
		return 0, invalid("value %s out of range", d.String())
	}
	return Money(c.IntPart()), nil
}

// Exact converts d to cents without rounding. Values finer than a cent are
// rejected, so 26.995 can never be credited as 27.00.
func Exact(d decimal.Decimal) (Money, error) {
	if !d.Equal(d.Truncate(2)) {
		return 0, invalid("%s has more than two decimal places", d.String())
	}
	return Round2(d)
}

// ParseExact is Parse for untrusted input.
func ParseExact(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, invalid("%q is not a decimal", s)
	}
	return Exact(d)
}

func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, invalid("%q is not a decimal", s)
	}
	return Round2(d)
}

func FromFloat(f float64) (Money, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalid("non-finite value")
	}
	return Round2(decimal.NewFromFloat(f))
}

// MustParse is for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Cents() int64 { return int64(m) }

func (m Money) Decimal() decimal.Decimal { return decimal.New(int64(m), -2) }

func (m Money) String() string { return m.Decimal().StringFixed(2) }

func (m Money) IsNegative() bool { return m < 0 }

// Add returns m+o, failing on negative operands or overflow.
func (m Money) Add(o Money) (Money, error) {
	if m < 0 || o < 0 {
		return 0, invalid("negative operand")
	}
	if int64(o) > math.MaxInt64-int64(m) {
		return 0, invalid("sum overflows")
	}
	return m + o, nil
}

// MulQty returns m*qty.
func (m Money) MulQty(qty int) (Money, error) {
	if m < 0 || qty < 0 {
		return 0, invalid("negative operand")
	}
	if qty != 0 && int64(m) > math.MaxInt64/int64(qty) {
		return 0, invalid("product overflows")
	}
	return m * Money(qty), nil
}

// MulRate returns round2(m*rate).
func (m Money) MulRate(rate decimal.Decimal) (Money, error) {
	if m < 0 {
		return 0, invalid("negative operand")
	}
	return Round2(m.Decimal().Mul(rate))
}

// Sum adds all amounts.
func Sum(ms ...Money) (Money, error) {
	var total Money
	for _, m := range ms {
		var err error
		if total, err = total.Add(m); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// MarshalJSON writes a JSON number with exactly two decimals, e.g. 27.00.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string with at
// most two decimal places.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return invalid("%s", err.Error())
	}
	v, err := Exact(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
