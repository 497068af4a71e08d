// Package access decides who may act on an order.
package access

import "github.com/RaikyD/storefront-orders/internal/domain"

type Action int

const (
	Read Action = iota
	Pay
	Deliver
)

func (a Action) String() string {
	switch a {
	case Read:
		return "read"
	case Pay:
		return "pay"
	case Deliver:
		return "deliver"
	default:
		return "unknown"
	}
}

// CanAccess is the owner-or-admin rule: owners read and pay their own
// orders, admins read, pay and deliver any order.
func CanAccess(id domain.Identity, o *domain.Order, a Action) bool {
	if !id.Authenticated() {
		return false
	}
	if id.IsAdmin {
		return true
	}
	if a == Deliver || o == nil {
		return false
	}
	return o.OwnerID == id.UserID
}

// Check is CanAccess returning domain errors.
func Check(id domain.Identity, o *domain.Order, a Action) error {
	if !id.Authenticated() {
		return domain.ErrUnauthenticated
	}
	if !CanAccess(id, o, a) {
		return domain.ErrForbidden
	}
	return nil
}
