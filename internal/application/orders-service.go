package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RaikyD/storefront-orders/internal/access"
	"github.com/RaikyD/storefront-orders/internal/cart"
	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/RaikyD/storefront-orders/internal/logger"
	"github.com/RaikyD/storefront-orders/internal/metrics"
	"github.com/RaikyD/storefront-orders/internal/money"
	"github.com/RaikyD/storefront-orders/internal/repository"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// EventPublisher delivers lifecycle events to the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.OrderEvent) error
}

type OrdersService struct {
	repo         repository.OrderRepo
	pricing      cart.Policy
	events       EventPublisher
	metrics      *metrics.Metrics
	cache        *lru.Cache[uuid.UUID, *domain.Order]
	storeTimeout time.Duration
	testPayments bool
	now          func() time.Time
}

const publishTimeout = 5 * time.Second

type Option func(*OrdersService)

// WithPricing makes shipping and tax server-computed. Without it the
// caller-supplied shipping and tax are taken as the precomputed inputs.
func WithPricing(p cart.Policy) Option {
	return func(s *OrdersService) { s.pricing = p }
}

func WithEvents(p EventPublisher) Option {
	return func(s *OrdersService) { s.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *OrdersService) { s.metrics = m }
}

// WithCacheSize keeps up to n paid-and-delivered orders in memory.
// Orders that can still transition are always read from the store.
func WithCacheSize(n int) Option {
	return func(s *OrdersService) {
		if n <= 0 {
			s.cache = nil
			return
		}
		c, err := lru.New[uuid.UUID, *domain.Order](n)
		if err != nil {
			logger.Warn("order cache disabled", "err", err)
			return
		}
		s.cache = c
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(s *OrdersService) { s.storeTimeout = d }
}

func WithTestPayments(enabled bool) Option {
	return func(s *OrdersService) { s.testPayments = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(s *OrdersService) { s.now = now }
}

func NewOrdersService(r repository.OrderRepo, opts ...Option) *OrdersService {
	s := &OrdersService{
		repo:         r,
		storeTimeout: 3 * time.Second,
		now: func() time.Time {
			// microseconds survive a round trip through every store
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrderInput is what a caller submits at checkout. Client-side totals
// are not part of it.
type PlaceOrderInput struct {
	Items           []domain.LineItem
	ShippingAddress domain.ShippingAddress
	PaymentMethod   string
	ShippingPrice   money.Money
	TaxPrice        money.Money
}

func (s *OrdersService) PlaceOrder(ctx context.Context, id domain.Identity, in PlaceOrderInput) (*domain.Order, error) {
	if !id.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	policy := s.pricing
	if policy == nil {
		policy = cart.Fixed{Shipping: in.ShippingPrice, Tax: in.TaxPrice}
	}
	totals, err := cart.ComputeTotals(in.Items, policy)
	if err != nil {
		s.metrics.OrderPlaced("invalid")
		return nil, err
	}
	if strings.TrimSpace(in.PaymentMethod) == "" {
		s.metrics.OrderPlaced("invalid")
		return nil, domain.NewFieldError("payment_method", domain.ErrMissingField)
	}
	if strings.TrimSpace(in.ShippingAddress.Address) == "" {
		s.metrics.OrderPlaced("invalid")
		return nil, domain.NewFieldError("shipping_address.address", domain.ErrMissingField)
	}

	o := &domain.Order{
		OwnerID:         id.UserID,
		Items:           append([]domain.LineItem(nil), in.Items...),
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   strings.TrimSpace(in.PaymentMethod),
		ItemsPrice:      totals.ItemsPrice,
		ShippingPrice:   totals.ShippingPrice,
		TaxPrice:        totals.TaxPrice,
		TotalPrice:      totals.TotalPrice,
		CreatedAt:       s.now(),
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.repo.Create(sctx, o); err != nil {
		s.metrics.OrderPlaced("error")
		logger.Warn("create order failed", "owner_id", id.UserID, "err", err)
		return nil, storeErr(err)
	}

	s.metrics.OrderPlaced("ok")
	logger.Info("order placed", "order_id", o.ID, "owner_id", o.OwnerID, "total", o.TotalPrice.String())
	s.publish(ctx, domain.EventOrderCreated, o)
	return o, nil
}

// GetOrder returns NotFound before Forbidden.
func (s *OrdersService) GetOrder(ctx context.Context, id domain.Identity, orderID uuid.UUID) (*domain.Order, error) {
	if !id.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	o, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := access.Check(id, o, access.Read); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *OrdersService) ListMine(ctx context.Context, id domain.Identity, limit int) ([]*domain.Order, error) {
	if !id.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	out, err := s.repo.ListByOwner(sctx, id.UserID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func (s *OrdersService) ListAll(ctx context.Context, id domain.Identity, limit int) ([]*domain.Order, error) {
	if !id.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	if !id.IsAdmin {
		return nil, domain.ErrForbidden
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	out, err := s.repo.List(sctx, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// RestoreCache warms the cache with the most recent terminal orders.
func (s *OrdersService) RestoreCache(ctx context.Context, limit int) error {
	if s.cache == nil {
		return nil
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rows, err := s.repo.List(sctx, limit)
	if err != nil {
		return storeErr(err)
	}
	n := 0
	for _, o := range rows {
		if o.Terminal() {
			s.cache.Add(o.ID, o)
			n++
		}
	}
	logger.Info("order cache restored", "orders", n)
	return nil
}

func (s *OrdersService) Ping(ctx context.Context) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return storeErr(s.repo.Ping(sctx))
}

func (s *OrdersService) load(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	if s.cache != nil {
		if o, ok := s.cache.Get(orderID); ok {
			return o.Clone(), nil
		}
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	o, err := s.repo.Get(sctx, orderID)
	if err != nil {
		return nil, storeErr(err)
	}
	s.remember(o)
	return o, nil
}

func (s *OrdersService) remember(o *domain.Order) {
	if s.cache != nil && o.Terminal() {
		s.cache.Add(o.ID, o.Clone())
	}
}

func (s *OrdersService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *OrdersService) publish(ctx context.Context, t domain.EventType, o *domain.Order) {
	if s.events == nil {
		return
	}
	ev := domain.NewOrderEvent(t, o.Clone(), s.now())
	// the transition is already committed; a client hangup must not drop the event
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(pctx, ev); err != nil {
		s.metrics.Event(string(t), "error")
		logger.Warn("publish event failed", "type", t, "order_id", o.ID, "err", err)
		return
	}
	s.metrics.Event(string(t), "ok")
}

// storeErr makes sure a store call that ran out of time is reported as
// retryable.
func storeErr(err error) error {
	if err == nil || errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return err
}
