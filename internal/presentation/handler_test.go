package presentation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RaikyD/storefront-orders/internal/application"
	"github.com/RaikyD/storefront-orders/internal/auth"
	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/RaikyD/storefront-orders/internal/metrics"
	"github.com/RaikyD/storefront-orders/internal/repository"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const placeBody = `{
	"items": [{"product_id": "sku-1", "name": "Mug", "quantity": 2, "unit_price": 10.00, "image": "/img/mug.png"}],
	"shipping_address": {"address": "1 Main St", "city": "Springfield", "postal_code": "12345", "country": "US"},
	"payment_method": "PayPal",
	"shipping_price": 5.00,
	"tax_price": "2.00",
	"items_price": 1.00,
	"total_price": 1.00
}`

type server struct {
	t      *testing.T
	router http.Handler
	authn  *auth.Authenticator
}

func newServer(t *testing.T, repo repository.OrderRepo, opts ...application.Option) *server {
	t.Helper()
	authn := auth.New("test-secret", "")
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := application.NewOrdersService(repo, append([]application.Option{application.WithMetrics(m)}, opts...)...)
	return &server{
		t:     t,
		authn: authn,
		router: NewRouter(RouterConfig{
			Handler:        NewOrdersHandler(svc, "sb-client"),
			Auth:           authn,
			Metrics:        m,
			MetricsHandler: metrics.Handler(reg),
			AllowedOrigins: []string{"http://shop.test"},
			RequestTimeout: 5 * time.Second,
		}),
	}
}

func (s *server) token(user string, admin bool) string {
	tok, err := s.authn.Issue(user, admin, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *server) do(method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func payBody(ext, amount string) string {
	return fmt.Sprintf(`{"external_id": %q, "status": "COMPLETED", "update_time": "2026-10-01T10:00:00Z", "payer_email": "a@example.com", "captured_amount": %s}`, ext, amount)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	s := newServer(t, repository.NewMemoryRepository())
	alice, bob, admin := s.token("alice", false), s.token("bob", false), s.token("root", true)

	rec, body := s.do(http.MethodPost, "/orders", alice, placeBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 20.0, body["items_price"])
	assert.Equal(t, 27.0, body["total_price"])
	assert.Equal(t, false, body["is_paid"])
	id := body["id"].(string)
	assert.Equal(t, "/orders/"+id, rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), `"total_price":27.00`)

	rec, _ = s.do(http.MethodGet, "/orders/"+id, bob, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = s.do(http.MethodPut, "/orders/"+id+"/pay", alice, payBody("CAP-1", "26.99"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PaymentAmountMismatch", body["code"])

	rec, body = s.do(http.MethodPut, "/orders/"+id+"/deliver", admin, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "OrderNotPaid", body["code"])

	rec, body = s.do(http.MethodPut, "/orders/"+id+"/pay", alice, payBody("CAP-1", `"27.00"`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["is_paid"])
	paidAt := body["paid_at"]

	rec, body = s.do(http.MethodPut, "/orders/"+id+"/pay", alice, payBody("CAP-1", "27.00"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, paidAt, body["paid_at"])

	rec, body = s.do(http.MethodPut, "/orders/"+id+"/pay", admin, payBody("CAP-2", "27.00"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AlreadyPaid", body["code"])

	rec, _ = s.do(http.MethodPut, "/orders/"+id+"/deliver", alice, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = s.do(http.MethodPut, "/orders/"+id+"/deliver", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["is_delivered"])

	rec, _ = s.do(http.MethodPut, "/orders/"+id+"/deliver", admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPlaceOrderValidationOverHTTP(t *testing.T) {
	s := newServer(t, repository.NewMemoryRepository())
	alice := s.token("alice", false)

	cases := []struct {
		name   string
		token  string
		body   string
		status int
		code   string
		field  string
	}{
		{name: "no token", body: placeBody, status: http.StatusUnauthorized, code: "Unauthenticated"},
		{name: "empty cart", token: alice, body: `{"items": [], "payment_method": "PayPal", "shipping_address": {"address": "x"}}`, status: http.StatusBadRequest, code: "EmptyCart"},
		{name: "negative price", token: alice, body: `{"items": [{"product_id": "a", "quantity": 1, "unit_price": -1}], "payment_method": "PayPal", "shipping_address": {"address": "x"}}`, status: http.StatusBadRequest, code: "InvalidLineItem", field: "items[0].unit_price"},
		{name: "zero quantity", token: alice, body: `{"items": [{"product_id": "a", "quantity": 0, "unit_price": 1}], "payment_method": "PayPal", "shipping_address": {"address": "x"}}`, status: http.StatusBadRequest, code: "InvalidLineItem", field: "items[0].quantity"},
		{name: "negative shipping", token: alice, body: `{"items": [{"product_id": "a", "quantity": 1, "unit_price": 1}], "shipping_price": -5, "payment_method": "PayPal", "shipping_address": {"address": "x"}}`, status: http.StatusBadRequest, code: "InvalidAmount", field: "shipping_price"},
		{name: "sub-cent price", token: alice, body: `{"items": [{"product_id": "a", "quantity": 1, "unit_price": 10.005}], "payment_method": "PayPal", "shipping_address": {"address": "x"}}`, status: http.StatusBadRequest, code: "InvalidLineItem", field: "items[0].unit_price"},
		{name: "sub-cent tax", token: alice, body: `{"items": [{"product_id": "a", "quantity": 1, "unit_price": 1}], "tax_price": "0.015", "payment_method": "PayPal", "shipping_address": {"address": "x"}}`, status: http.StatusBadRequest, code: "InvalidAmount", field: "tax_price"},
		{name: "no payment method", token: alice, body: `{"items": [{"product_id": "a", "quantity": 1, "unit_price": 1}], "shipping_address": {"address": "x"}}`, status: http.StatusBadRequest, code: "MissingField", field: "payment_method"},
		{name: "unknown field", token: alice, body: `{"items": [], "coupon": "FREE"}`, status: http.StatusBadRequest, code: "InvalidRequest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := s.do(http.MethodPost, "/orders", tc.token, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, body["code"])
			if tc.field != "" {
				assert.Equal(t, tc.field, body["field"])
			}
		})
	}
}

func TestGetOrderErrors(t *testing.T) {
	s := newServer(t, repository.NewMemoryRepository())
	alice := s.token("alice", false)

	rec, _ := s.do(http.MethodGet, "/orders/"+uuid.NewString(), "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := s.do(http.MethodGet, "/orders/"+uuid.NewString(), alice, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", body["code"])

	rec, _ = s.do(http.MethodGet, "/orders/not-a-uuid", alice, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(http.MethodGet, "/orders/"+uuid.NewString(), "forged", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPayValidationOverHTTP(t *testing.T) {
	s := newServer(t, repository.NewMemoryRepository())
	alice := s.token("alice", false)
	_, body := s.do(http.MethodPost, "/orders", alice, placeBody)
	id := body["id"].(string)

	rec, body := s.do(http.MethodPut, "/orders/"+id+"/pay", alice, `{"external_id": "CAP-1", "status": "PENDING", "captured_amount": 27}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidCapture", body["code"])
	assert.Equal(t, "status", body["field"])

	rec, body = s.do(http.MethodPut, "/orders/"+id+"/pay", alice, `{"external_id": "CAP-1", "status": "COMPLETED", "captured_amount": -27}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidAmount", body["code"])

	rec, body = s.do(http.MethodPut, "/orders/"+id+"/pay", alice, `{"id": "CAP-1", "purchase_units": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidCapture", body["code"])

	// 26.995 must not round up to the 27.00 total
	rec, body = s.do(http.MethodPut, "/orders/"+id+"/pay", alice, payBody("CAP-1", "26.995"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidAmount", body["code"])
	assert.Equal(t, "captured_amount", body["field"])

	rec, body = s.do(http.MethodGet, "/orders/"+id, alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["is_paid"])
}

func TestListings(t *testing.T) {
	s := newServer(t, repository.NewMemoryRepository())
	alice, bob, admin := s.token("alice", false), s.token("bob", false), s.token("root", true)
	s.do(http.MethodPost, "/orders", alice, placeBody)
	s.do(http.MethodPost, "/orders", bob, placeBody)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/orders/mine", nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []domain.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, "alice", mine[0].OwnerID)

	rec, body := s.do(http.MethodGet, "/orders", alice, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden", body["code"])

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/orders?limit=10", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []domain.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	empty := s.token("carol", false)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/orders/mine", nil)
	req.Header.Set("Authorization", "Bearer "+empty)
	s.router.ServeHTTP(rec, req)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestTestPaymentRoute(t *testing.T) {
	off := newServer(t, repository.NewMemoryRepository())
	alice := off.token("alice", false)
	_, body := off.do(http.MethodPost, "/orders", alice, placeBody)
	rec, _ := off.do(http.MethodPut, "/orders/"+body["id"].(string)+"/pay/test", alice, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	on := newServer(t, repository.NewMemoryRepository(), application.WithTestPayments(true))
	alice = on.token("alice", false)
	_, body = on.do(http.MethodPost, "/orders", alice, placeBody)
	rec, body = on.do(http.MethodPut, "/orders/"+body["id"].(string)+"/pay/test", alice, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["is_paid"])
}

type unavailableRepo struct {
	*repository.MemoryRepository
}

func (unavailableRepo) Get(context.Context, uuid.UUID) (*domain.Order, error) {
	return nil, fmt.Errorf("%w: connection reset", domain.ErrStorageUnavailable)
}

func (unavailableRepo) Ping(context.Context) error {
	return fmt.Errorf("%w: connection reset", domain.ErrStorageUnavailable)
}

func TestStorageUnavailableIsRetryable(t *testing.T) {
	s := newServer(t, unavailableRepo{repository.NewMemoryRepository()})
	alice := s.token("alice", false)

	rec, body := s.do(http.MethodGet, "/orders/"+uuid.NewString(), alice, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "StorageUnavailable", body["code"])
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.NotContains(t, rec.Body.String(), "connection reset")

	rec, _ = s.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPublicEndpoints(t *testing.T) {
	s := newServer(t, repository.NewMemoryRepository())

	rec, body := s.do(http.MethodGet, "/config/paypal", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sb-client", body["client_id"])

	rec, body = s.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	s.do(http.MethodGet, "/healthz", "", "")
	rec, _ = s.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `handler="GET /healthz"`)
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t, repository.NewMemoryRepository())

	req := httptest.NewRequest(http.MethodOptions, "/orders", nil)
	req.Header.Set("Origin", "http://shop.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://shop.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "authorization,content-type", rec.Header().Get("Access-Control-Allow-Headers"))
}
