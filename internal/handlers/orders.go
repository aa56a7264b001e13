package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sweetspot/orders-api/internal/platform/auth"
	"github.com/sweetspot/orders-api/internal/platform/httpx"
	"github.com/sweetspot/orders-api/internal/platform/pagination"
	"github.com/sweetspot/orders-api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
)

type createOrderRequest struct {
	CustomerEmail string              `json:"customer_email"`
	Items         []orderItemRequest  `json:"items"`
	Address       orderAddressRequest `json:"address"`
	PaymentMethod string              `json:"payment_method"`
	Payment       *paymentProofData   `json:"payment,omitempty"`
}

type orderItemRequest struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

type orderAddressRequest struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      string  `json:"state"`
	PostalCode string  `json:"postal_code"`
	Phone      string  `json:"phone"`
}

type paymentProofData struct {
	GatewayOrderID   string `json:"razorpay_order_id"`
	GatewayPaymentID string `json:"razorpay_payment_id"`
	Signature        string `json:"razorpay_signature"`
}

type updateOrderStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// OrderHandlers exposes order creation, listing, and status management.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	createMW []func(http.Handler) http.Handler
}

// OrderOption customises OrderHandlers construction.
type OrderOption func(*OrderHandlers)

// WithOrderCreateMiddlewares wraps only the creation endpoint, after
// authentication. Used to scope idempotency enforcement to POST /orders
// without touching reads or status transitions.
func WithOrderCreateMiddlewares(mw ...func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		for _, m := range mw {
			if m != nil {
				h.createMW = append(h.createMW, m)
			}
		}
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints. Creation accepts anonymous callers
// so cash-on-delivery guest checkout can be enabled by configuration; every
// other endpoint requires an authenticated identity.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	createChain := make([]func(http.Handler) http.Handler, 0, len(h.createMW)+1)
	if h.authn != nil {
		createChain = append(createChain, h.authn.OptionalFirebaseAuth())
	}
	createChain = append(createChain, h.createMW...)
	r.With(createChain...).Post("/", h.createOrder)

	if h.authn != nil {
		r.With(h.authn.RequireFirebaseAuth()).Get("/customer/{customerID}", h.listCustomerOrders)
		r.With(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin)).Get("/", h.listOrders)
		r.With(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin)).Patch("/{orderID}", h.updateOrderStatus)
		return
	}
	r.Get("/customer/{customerID}", h.listCustomerOrders)
	r.Get("/", h.listOrders)
	r.Patch("/{orderID}", h.updateOrderStatus)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderCommand{
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		Lines:         make([]services.CartLine, 0, len(req.Items)),
		Address: services.Address{
			Recipient:  req.Address.Recipient,
			Line1:      req.Address.Line1,
			Line2:      req.Address.Line2,
			City:       req.Address.City,
			State:      req.Address.State,
			PostalCode: req.Address.PostalCode,
			Phone:      req.Address.Phone,
		},
		PaymentMethod: services.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
	}
	for _, item := range req.Items {
		cmd.Lines = append(cmd.Lines, services.CartLine{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	if req.Payment != nil {
		cmd.Confirmation = &services.PaymentConfirmation{
			GatewayOrderID:   req.Payment.GatewayOrderID,
			GatewayPaymentID: req.Payment.GatewayPaymentID,
			Signature:        req.Payment.Signature,
		}
	}

	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		cmd.CustomerID = strings.TrimSpace(identity.UID)
		cmd.ActorID = cmd.CustomerID
		if cmd.CustomerEmail == "" {
			cmd.CustomerEmail = strings.TrimSpace(identity.Email)
		}
	}

	order, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listCustomerOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	customerID := strings.TrimSpace(chi.URLParam(r, "customerID"))
	if customerID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "customer id is required", http.StatusBadRequest))
		return
	}

	// Customers may only read their own history; staff may read anyone's.
	if !strings.EqualFold(customerID, strings.TrimSpace(identity.UID)) &&
		!identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "cannot access another customer's orders", http.StatusForbidden))
		return
	}

	orders, err := h.orders.ListCustomerOrders(ctx, customerID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, customerOrderListResponse{Orders: items})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid pagination parameters", http.StatusBadRequest))
		return
	}

	filter := services.OrderPageFilter{
		Pagination: services.Pagination{Page: params.Page, PageSize: params.PageSize},
		Status:     params.Status,
	}

	result, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(result.Items))
	for _, order := range result.Items {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Orders: items,
		Total:  result.TotalPages,
	})
}

func (h *OrderHandlers) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req updateOrderStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: req.Status,
		ActorID:      strings.TrimSpace(identity.UID),
		Reason:       strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type customerOrderListResponse struct {
	Orders []orderPayload `json:"orders"`
}

type orderListResponse struct {
	Orders []orderPayload `json:"orders"`
	Total  int            `json:"total"`
}

type orderPayload struct {
	ID            string               `json:"id"`
	OrderNumber   string               `json:"order_number"`
	CustomerID    string               `json:"customer_id,omitempty"`
	CustomerEmail string               `json:"customer_email,omitempty"`
	Status        string               `json:"status"`
	PaymentMethod string               `json:"payment_method"`
	Currency      string               `json:"currency"`
	Items         []orderItemPayload   `json:"items"`
	Totals        orderTotalsPayload   `json:"totals"`
	Address       orderAddressPayload  `json:"address"`
	Payment       *orderPaymentPayload `json:"payment,omitempty"`
	CreatedAt     string               `json:"created_at"`
	UpdatedAt     string               `json:"updated_at,omitempty"`
	CompletedAt   string               `json:"completed_at,omitempty"`
	CancelledAt   string               `json:"cancelled_at,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Total     int64  `json:"total"`
}

type orderTotalsPayload struct {
	Subtotal    int64 `json:"subtotal"`
	DeliveryFee int64 `json:"delivery_fee"`
	Tax         int64 `json:"tax"`
	Total       int64 `json:"total"`
}

type orderAddressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      string  `json:"state"`
	PostalCode string  `json:"postal_code"`
	Phone      string  `json:"phone"`
}

type orderPaymentPayload struct {
	Provider         string `json:"provider"`
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	VerifiedAt       string `json:"verified_at,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:            strings.TrimSpace(order.ID),
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		CustomerID:    strings.TrimSpace(order.CustomerID),
		CustomerEmail: strings.TrimSpace(order.CustomerEmail),
		Status:        strings.TrimSpace(string(order.Status)),
		PaymentMethod: strings.TrimSpace(string(order.PaymentMethod)),
		Currency:      strings.ToUpper(strings.TrimSpace(order.Currency)),
		Items:         make([]orderItemPayload, 0, len(order.Items)),
		Totals: orderTotalsPayload{
			Subtotal:    order.Totals.Subtotal,
			DeliveryFee: order.Totals.DeliveryFee,
			Tax:         order.Totals.Tax,
			Total:       order.Totals.Total,
		},
		Address: orderAddressPayload{
			Recipient:  order.Address.Recipient,
			Line1:      order.Address.Line1,
			Line2:      cloneStringPointer(order.Address.Line2),
			City:       order.Address.City,
			State:      order.Address.State,
			PostalCode: order.Address.PostalCode,
			Phone:      order.Address.Phone,
		},
		CreatedAt:   formatTime(order.CreatedAt),
		UpdatedAt:   formatTime(order.UpdatedAt),
		CompletedAt: formatTime(pointerTime(order.CompletedAt)),
		CancelledAt: formatTime(pointerTime(order.CancelledAt)),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Total:     item.Total,
		})
	}

	if order.Payment != nil {
		payload.Payment = &orderPaymentPayload{
			Provider:         strings.TrimSpace(order.Payment.Provider),
			GatewayOrderID:   strings.TrimSpace(order.Payment.GatewayOrderID),
			GatewayPaymentID: strings.TrimSpace(order.Payment.GatewayPaymentID),
			VerifiedAt:       formatTime(order.Payment.VerifiedAt),
		}
	}

	return payload
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInvalidLineItem), errors.Is(err, services.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_line_item", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidAddress):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_address", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderPriceMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("price_mismatch", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderPaymentRequired):
		httpx.WriteError(ctx, w, httpx.NewError("payment_required", "payment confirmation is required for gateway orders", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	default:
		writePaymentGatewayError(ctx, w, err, "order_error", "failed to process order request")
	}
}
