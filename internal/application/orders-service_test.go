package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RaikyD/storefront-orders/internal/cart"
	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/RaikyD/storefront-orders/internal/money"
	"github.com/RaikyD/storefront-orders/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = domain.Identity{UserID: "alice"}
	bob   = domain.Identity{UserID: "bob"}
	admin = domain.Identity{UserID: "root", IsAdmin: true}
)

type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) count(t domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc  *OrdersService
	repo *repository.MemoryRepository
	pub  *recordingPublisher
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	pub := &recordingPublisher{}
	clk := &tickingClock{t: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	base := []Option{WithEvents(pub), WithClock(clk.Now), WithCacheSize(16)}
	return fixture{
		svc:  NewOrdersService(repo, append(base, opts...)...),
		repo: repo,
		pub:  pub,
	}
}

func checkoutInput() PlaceOrderInput {
	return PlaceOrderInput{
		Items: []domain.LineItem{
			{ProductRef: "sku-1", Name: "Mug", Quantity: 2, UnitPrice: money.MustParse("10.00")},
		},
		ShippingAddress: domain.ShippingAddress{Address: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		PaymentMethod:   "PayPal",
		ShippingPrice:   money.MustParse("5.00"),
		TaxPrice:        money.MustParse("2.00"),
	}
}

func capture(id, amount string) domain.Capture {
	return domain.Capture{
		ExternalID:     id,
		Status:         "completed",
		UpdateTime:     "2026-10-01T09:05:00Z",
		PayerEmail:     "alice@example.com",
		CapturedAmount: money.MustParse(amount),
	}
}

func (f fixture) place(t *testing.T) *domain.Order {
	t.Helper()
	o, err := f.svc.PlaceOrder(context.Background(), alice, checkoutInput())
	require.NoError(t, err)
	return o
}

func TestCheckoutToPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.place(t)
	assert.Equal(t, "20.00", o.ItemsPrice.String())
	assert.Equal(t, "27.00", o.TotalPrice.String())
	assert.False(t, o.IsPaid)
	assert.False(t, o.IsDelivered)
	assert.Equal(t, "alice", o.OwnerID)

	_, err := f.svc.RecordPayment(ctx, o.ID, alice, capture("CAP-1", "26.99"))
	assert.ErrorIs(t, err, domain.ErrPaymentAmountMismatch)
	stored, err := f.repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsPaid)

	paid, err := f.svc.RecordPayment(ctx, o.ID, alice, capture("CAP-1", "27.00"))
	require.NoError(t, err)
	assert.True(t, paid.IsPaid)
	require.NotNil(t, paid.PaymentResult)
	assert.Equal(t, "CAP-1", paid.PaymentResult.ExternalID)
	assert.Equal(t, domain.CaptureStatusCompleted, paid.PaymentResult.Status)

	assert.Equal(t, 1, f.pub.count(domain.EventOrderCreated))
	assert.Equal(t, 1, f.pub.count(domain.EventOrderPaid))
}

func TestPlaceOrder_Validation(t *testing.T) {
	cases := []struct {
		name  string
		id    domain.Identity
		edit  func(*PlaceOrderInput)
		want  error
		field string
	}{
		{name: "anonymous", id: domain.Identity{}, edit: func(*PlaceOrderInput) {}, want: domain.ErrUnauthenticated},
		{name: "empty cart", id: alice, edit: func(in *PlaceOrderInput) { in.Items = nil }, want: domain.ErrEmptyCart},
		{name: "zero quantity", id: alice, edit: func(in *PlaceOrderInput) { in.Items[0].Quantity = 0 }, want: domain.ErrInvalidLineItem, field: "items[0].quantity"},
		{name: "negative price", id: alice, edit: func(in *PlaceOrderInput) { in.Items[0].UnitPrice = -1 }, want: domain.ErrInvalidLineItem, field: "items[0].unit_price"},
		{name: "no payment method", id: alice, edit: func(in *PlaceOrderInput) { in.PaymentMethod = " " }, want: domain.ErrMissingField, field: "payment_method"},
		{name: "no address", id: alice, edit: func(in *PlaceOrderInput) { in.ShippingAddress.Address = "" }, want: domain.ErrMissingField, field: "shipping_address.address"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			in := checkoutInput()
			tc.edit(&in)

			_, err := f.svc.PlaceOrder(context.Background(), tc.id, in)
			require.ErrorIs(t, err, tc.want)
			if tc.field != "" {
				var fe *domain.FieldError
				require.ErrorAs(t, err, &fe)
				assert.Equal(t, tc.field, fe.Field)
			}

			all, err := f.repo.List(context.Background(), 0)
			require.NoError(t, err)
			assert.Empty(t, all)
			assert.Zero(t, f.pub.count(domain.EventOrderCreated))
		})
	}
}

func TestPlaceOrder_FlatRatePricingIgnoresClientAmounts(t *testing.T) {
	f := newFixture(t, WithPricing(cart.FlatRate{
		FreeShippingOver: money.MustParse("100.00"),
		ShippingFee:      money.MustParse("10.00"),
		TaxRate:          decimal.RequireFromString("0.15"),
	}))
	in := checkoutInput()
	in.ShippingPrice = 0
	in.TaxPrice = 0

	o, err := f.svc.PlaceOrder(context.Background(), alice, in)
	require.NoError(t, err)
	assert.Equal(t, "10.00", o.ShippingPrice.String())
	assert.Equal(t, "3.00", o.TaxPrice.String())
	assert.Equal(t, "33.00", o.TotalPrice.String())
}

func TestGetOrder_Access(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t)

	got, err := f.svc.GetOrder(ctx, alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = f.svc.GetOrder(ctx, admin, o.ID)
	assert.NoError(t, err)

	_, err = f.svc.GetOrder(ctx, bob, o.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.GetOrder(ctx, domain.Identity{}, o.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = f.svc.GetOrder(ctx, bob, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordPayment_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t)

	first, err := f.svc.RecordPayment(ctx, o.ID, alice, capture("CAP-1", "27.00"))
	require.NoError(t, err)

	second, err := f.svc.RecordPayment(ctx, o.ID, alice, capture("CAP-1", "27.00"))
	require.NoError(t, err)
	assert.True(t, second.IsPaid)
	assert.True(t, first.PaidAt.Equal(*second.PaidAt))
	assert.Equal(t, 1, f.pub.count(domain.EventOrderPaid))
}

func TestRecordPayment_SecondCaptureRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t)

	_, err := f.svc.RecordPayment(ctx, o.ID, alice, capture("CAP-1", "27.00"))
	require.NoError(t, err)

	_, err = f.svc.RecordPayment(ctx, o.ID, admin, capture("CAP-2", "27.00"))
	assert.ErrorIs(t, err, domain.ErrAlreadyPaid)

	stored, err := f.repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "CAP-1", stored.PaymentResult.ExternalID)
}

func TestRecordPayment_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t)

	_, err := f.svc.RecordPayment(ctx, o.ID, bob, capture("CAP-1", "27.00"))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.RecordPayment(ctx, uuid.New(), alice, capture("CAP-1", "27.00"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	bad := capture("CAP-1", "27.00")
	bad.Status = "PENDING"
	_, err = f.svc.RecordPayment(ctx, o.ID, alice, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidCapture)

	_, err = f.svc.RecordPayment(ctx, o.ID, alice, capture("  ", "27.00"))
	assert.ErrorIs(t, err, domain.ErrInvalidCapture)

	stored, err := f.repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsPaid)
}

func TestRecordPayment_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t)

	const callers = 20
	var (
		wg      sync.WaitGroup
		failed  atomic.Int32
		paidAts sync.Map
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.RecordPayment(ctx, o.ID, alice, capture("CAP-1", "27.00"))
			if err != nil || !got.IsPaid {
				failed.Add(1)
				return
			}
			paidAts.Store(got.PaidAt.UnixNano(), struct{}{})
		}()
	}
	wg.Wait()

	assert.Zero(t, failed.Load())
	distinct := 0
	paidAts.Range(func(_, _ any) bool { distinct++; return true })
	assert.Equal(t, 1, distinct, "exactly one paid_at write")
	assert.Equal(t, 1, f.pub.count(domain.EventOrderPaid))
}

func TestMarkDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t)

	_, err := f.svc.MarkDelivered(ctx, o.ID, admin)
	assert.ErrorIs(t, err, domain.ErrOrderNotPaid)

	_, err = f.svc.MarkDelivered(ctx, o.ID, alice)
	assert.ErrorIs(t, err, domain.ErrForbidden, "owner may not deliver")

	_, err = f.svc.MarkDelivered(ctx, uuid.New(), admin)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.RecordPayment(ctx, o.ID, alice, capture("CAP-1", "27.00"))
	require.NoError(t, err)

	first, err := f.svc.MarkDelivered(ctx, o.ID, admin)
	require.NoError(t, err)
	assert.True(t, first.IsDelivered)
	require.NotNil(t, first.DeliveredAt)

	again, err := f.svc.MarkDelivered(ctx, o.ID, admin)
	require.NoError(t, err)
	assert.True(t, first.DeliveredAt.Equal(*again.DeliveredAt))
	assert.Equal(t, 1, f.pub.count(domain.EventOrderDelivered))
}

func TestListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.place(t)
	f.place(t)
	_, err := f.svc.PlaceOrder(ctx, bob, checkoutInput())
	require.NoError(t, err)

	mine, err := f.svc.ListMine(ctx, alice, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	assert.True(t, mine[0].CreatedAt.After(mine[1].CreatedAt))

	_, err = f.svc.ListAll(ctx, alice, 0)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	all, err := f.svc.ListAll(ctx, admin, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecordTestPayment(t *testing.T) {
	ctx := context.Background()

	off := newFixture(t)
	o := off.place(t)
	_, err := off.svc.RecordTestPayment(ctx, o.ID, alice)
	assert.ErrorIs(t, err, ErrTestPaymentsDisabled)

	on := newFixture(t, WithTestPayments(true))
	o = on.place(t)
	_, err = on.svc.RecordTestPayment(ctx, o.ID, bob)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	paid, err := on.svc.RecordTestPayment(ctx, o.ID, alice)
	require.NoError(t, err)
	assert.True(t, paid.IsPaid)
	assert.Contains(t, paid.PaymentResult.ExternalID, "TEST-")

	again, err := on.svc.RecordTestPayment(ctx, o.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, paid.PaymentResult.ExternalID, again.PaymentResult.ExternalID)
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker down")

	o := f.place(t)
	paid, err := f.svc.RecordPayment(context.Background(), o.ID, alice, capture("CAP-1", "27.00"))
	require.NoError(t, err)
	assert.True(t, paid.IsPaid)
}

// slowRepo blocks reads until the caller's deadline.
type slowRepo struct {
	*repository.MemoryRepository
	gets atomic.Int32
}

func (r *slowRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	r.gets.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeoutIsRetryable(t *testing.T) {
	repo := &slowRepo{MemoryRepository: repository.NewMemoryRepository()}
	svc := NewOrdersService(repo, WithStoreTimeout(20*time.Millisecond))

	_, err := svc.GetOrder(context.Background(), alice, uuid.New())
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.True(t, domain.Retryable(err))
}

// countingRepo counts store reads.
type countingRepo struct {
	*repository.MemoryRepository
	gets atomic.Int32
}

func (r *countingRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	r.gets.Add(1)
	return r.MemoryRepository.Get(ctx, id)
}

func TestCacheHoldsOnlyTerminalOrders(t *testing.T) {
	repo := &countingRepo{MemoryRepository: repository.NewMemoryRepository()}
	svc := NewOrdersService(repo, WithCacheSize(8))
	ctx := context.Background()

	o, err := svc.PlaceOrder(ctx, alice, checkoutInput())
	require.NoError(t, err)

	_, err = svc.GetOrder(ctx, alice, o.ID)
	require.NoError(t, err)
	_, err = svc.GetOrder(ctx, alice, o.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, repo.gets.Load(), "open orders are never cached")

	_, err = svc.RecordPayment(ctx, o.ID, alice, capture("CAP-1", "27.00"))
	require.NoError(t, err)
	_, err = svc.MarkDelivered(ctx, o.ID, admin)
	require.NoError(t, err)

	before := repo.gets.Load()
	got, err := svc.GetOrder(ctx, alice, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
	assert.Equal(t, before, repo.gets.Load(), "terminal order served from cache")

	_, err = svc.GetOrder(ctx, bob, o.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden, "cache hits still go through the guard")
}

func TestRestoreCache(t *testing.T) {
	repo := &countingRepo{MemoryRepository: repository.NewMemoryRepository()}
	ctx := context.Background()

	writer := NewOrdersService(repo)
	o, err := writer.PlaceOrder(ctx, alice, checkoutInput())
	require.NoError(t, err)
	_, err = writer.RecordPayment(ctx, o.ID, alice, capture("CAP-1", "27.00"))
	require.NoError(t, err)
	_, err = writer.MarkDelivered(ctx, o.ID, admin)
	require.NoError(t, err)

	reader := NewOrdersService(repo, WithCacheSize(8))
	require.NoError(t, reader.RestoreCache(ctx, 100))

	before := repo.gets.Load()
	_, err = reader.GetOrder(ctx, alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, before, repo.gets.Load())
}
