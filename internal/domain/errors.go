package domain

import (
	"errors"
	"fmt"

	"github.com/RaikyD/storefront-orders/internal/money"
)

// validation
var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrInvalidLineItem = errors.New("invalid line item")
	ErrInvalidAmount   = money.ErrInvalidAmount
	ErrInvalidCapture  = errors.New("invalid payment capture")
	ErrMissingField    = errors.New("missing required field")
)

// authorization
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

var ErrNotFound = errors.New("order not found")

// state conflicts
var (
	ErrPaymentAmountMismatch = errors.New("captured amount does not match order total")
	ErrAlreadyPaid           = errors.New("order already paid with a different capture")
	ErrOrderNotPaid          = errors.New("order is not paid")
)

// infrastructure
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrDuplicateKey       = errors.New("duplicate key")
)

// FieldError names the request field a validation error is about.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

func NewFieldError(field string, err error) error {
	return &FieldError{Field: field, Err: err}
}

// LineItemError reports a bad line at index i.
func LineItemError(i int, field string, cause error) error {
	err := ErrInvalidLineItem
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidLineItem, cause)
	}
	return &FieldError{Field: fmt.Sprintf("items[%d].%s", i, field), Err: err}
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
