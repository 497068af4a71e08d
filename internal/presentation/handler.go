package presentation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/RaikyD/storefront-orders/internal/application"
	"github.com/RaikyD/storefront-orders/internal/auth"
	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/RaikyD/storefront-orders/internal/logger"
	"github.com/RaikyD/storefront-orders/internal/money"
	"github.com/RaikyD/storefront-orders/internal/presentation/helpers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrdersHandler struct {
	svc            *application.OrdersService
	paypalClientID string
}

func NewOrdersHandler(svc *application.OrdersService, paypalClientID string) *OrdersHandler {
	return &OrdersHandler{svc: svc, paypalClientID: paypalClientID}
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.PlaceOrder)
	r.Get("/orders", h.ListOrders)
	r.Get("/orders/mine", h.ListMyOrders)
	r.Get("/orders/{id}", h.GetOrder)
	r.Put("/orders/{id}/pay", h.PayOrder)
	r.Put("/orders/{id}/pay/test", h.PayOrderTest)
	r.Put("/orders/{id}/deliver", h.DeliverOrder)
	r.Get("/config/paypal", h.PaypalConfig)
	r.Get("/healthz", h.Health)
}

type lineItemRequest struct {
	ProductRef string          `json:"product_id"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Image      string          `json:"image"`
}

type placeOrderRequest struct {
	Items           []lineItemRequest      `json:"items"`
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	PaymentMethod   string                 `json:"payment_method"`
	ShippingPrice   decimal.Decimal        `json:"shipping_price"`
	TaxPrice        decimal.Decimal        `json:"tax_price"`

	// sent by the storefront cart, never trusted
	ItemsPrice json.RawMessage `json:"items_price,omitempty"`
	TotalPrice json.RawMessage `json:"total_price,omitempty"`
}

func (req placeOrderRequest) input() (application.PlaceOrderInput, error) {
	in := application.PlaceOrderInput{
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
	}
	for i, it := range req.Items {
		price, err := money.Exact(it.UnitPrice)
		if err != nil {
			return in, domain.LineItemError(i, "unit_price", err)
		}
		in.Items = append(in.Items, domain.LineItem{
			ProductRef: it.ProductRef,
			Name:       it.Name,
			Quantity:   it.Quantity,
			UnitPrice:  price,
			Image:      it.Image,
		})
	}
	var err error
	if in.ShippingPrice, err = money.Exact(req.ShippingPrice); err != nil {
		return in, domain.NewFieldError("shipping_price", err)
	}
	if in.TaxPrice, err = money.Exact(req.TaxPrice); err != nil {
		return in, domain.NewFieldError("tax_price", err)
	}
	return in, nil
}

func (h *OrdersHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !id.Authenticated() {
		writeError(w, r, domain.ErrUnauthenticated)
		return
	}

	var req placeOrderRequest
	if err := helpers.DecodeJSON(r.Body, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.svc.PlaceOrder(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/orders/"+o.ID.String())
	helpers.WriteJSON(w, http.StatusCreated, o)
}

func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	o, err := h.svc.GetOrder(r.Context(), auth.FromContext(r.Context()), orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListMine(r.Context(), auth.FromContext(r.Context()), limitParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrders(w, out)
}

func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListAll(r.Context(), auth.FromContext(r.Context()), limitParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrders(w, out)
}

type captureRequest struct {
	ExternalID     string          `json:"external_id"`
	Status         string          `json:"status"`
	UpdateTime     string          `json:"update_time"`
	PayerEmail     string          `json:"payer_email"`
	CapturedAmount decimal.Decimal `json:"captured_amount"`
}

func (h *OrdersHandler) PayOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	id := auth.FromContext(r.Context())
	if !id.Authenticated() {
		writeError(w, r, domain.ErrUnauthenticated)
		return
	}

	var req captureRequest
	if err := helpers.DecodeJSON(r.Body, &req); err != nil {
		helpers.ErrorCode(w, http.StatusBadRequest, "InvalidCapture", "invalid capture: "+err.Error(), "")
		return
	}
	amount, err := money.Exact(req.CapturedAmount)
	if err != nil {
		writeError(w, r, domain.NewFieldError("captured_amount", err))
		return
	}

	o, err := h.svc.RecordPayment(r.Context(), orderID, id, domain.Capture{
		ExternalID:     req.ExternalID,
		Status:         req.Status,
		UpdateTime:     req.UpdateTime,
		PayerEmail:     req.PayerEmail,
		CapturedAmount: amount,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) PayOrderTest(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	o, err := h.svc.RecordTestPayment(r.Context(), orderID, auth.FromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	o, err := h.svc.MarkDelivered(r.Context(), orderID, auth.FromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) PaypalConfig(w http.ResponseWriter, r *http.Request) {
	helpers.WriteJSON(w, http.StatusOK, map[string]string{"client_id": h.paypalClientID})
}

func (h *OrdersHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		logger.Warn("health check failed", "err", err)
		helpers.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	helpers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.ErrorCode(w, http.StatusNotFound, "NotFound", domain.ErrNotFound.Error(), "")
		return uuid.Nil, false
	}
	return id, true
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func writeOrders(w http.ResponseWriter, out []*domain.Order) {
	if out == nil {
		out = []*domain.Order{}
	}
	helpers.WriteJSON(w, http.StatusOK, out)
}

type errMapping struct {
	target error
	status int
	code   string
}

var errTable = []errMapping{
	{domain.ErrEmptyCart, http.StatusBadRequest, "EmptyCart"},
	{domain.ErrInvalidLineItem, http.StatusBadRequest, "InvalidLineItem"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "InvalidAmount"},
	{domain.ErrInvalidCapture, http.StatusBadRequest, "InvalidCapture"},
	{domain.ErrMissingField, http.StatusBadRequest, "MissingField"},
	{domain.ErrPaymentAmountMismatch, http.StatusBadRequest, "PaymentAmountMismatch"},
	{domain.ErrUnauthenticated, http.StatusUnauthorized, "Unauthenticated"},
	{domain.ErrForbidden, http.StatusForbidden, "Forbidden"},
	{domain.ErrNotFound, http.StatusNotFound, "NotFound"},
	{application.ErrTestPaymentsDisabled, http.StatusNotFound, "NotFound"},
	{domain.ErrAlreadyPaid, http.StatusConflict, "AlreadyPaid"},
	{domain.ErrOrderNotPaid, http.StatusConflict, "OrderNotPaid"},
	{domain.ErrStorageUnavailable, http.StatusServiceUnavailable, "StorageUnavailable"},
	{domain.ErrDuplicateKey, http.StatusServiceUnavailable, "DuplicateKey"},
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errTable {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := err.Error()
		var field string
		var fe *domain.FieldError
		if errors.As(err, &fe) {
			field = fe.Field
		}
		switch m.status {
		case http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized:
			msg = m.target.Error()
		case http.StatusServiceUnavailable:
			logger.Warn("request failed, retryable", "request_id", middleware.GetReqID(r.Context()), "err", err)
			msg = domain.ErrStorageUnavailable.Error()
			w.Header().Set("Retry-After", "1")
		}
		helpers.ErrorCode(w, m.status, m.code, msg, field)
		return
	}
	logger.Error("request failed", "request_id", middleware.GetReqID(r.Context()), "path", r.URL.Path, "err", err)
	helpers.ErrorCode(w, http.StatusInternalServerError, "Internal", "internal error", "")
}

func writeDecodeError(w http.ResponseWriter, err error) {
	code := "InvalidRequest"
	if errors.Is(err, domain.ErrInvalidAmount) {
		code = "InvalidAmount"
	}
	helpers.ErrorCode(w, http.StatusBadRequest, code, "invalid JSON: "+err.Error(), "")
}
