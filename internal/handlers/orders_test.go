package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/sweetspot/orders-api/internal/domain"
	"github.com/sweetspot/orders-api/internal/platform/auth"
	"github.com/sweetspot/orders-api/internal/services"
)

type stubOrderService struct {
	createFn       func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn          func(context.Context, string) (services.Order, error)
	listCustomerFn func(context.Context, string) ([]services.Order, error)
	listFn         func(context.Context, services.OrderPageFilter) (domain.Page[services.Order], error)
	transitionFn   func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListCustomerOrders(ctx context.Context, customerID string) ([]services.Order, error) {
	if s.listCustomerFn != nil {
		return s.listCustomerFn(ctx, customerID)
	}
	return nil, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderPageFilter) (domain.Page[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.Page[services.Order]{}, errors.New("not implemented")
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func sampleOrder(now time.Time) services.Order {
	return services.Order{
		ID:            "ord_123",
		OrderNumber:   "SS-2025-000042",
		CustomerID:    "user-1",
		CustomerEmail: "asha@example.com",
		Status:        domain.OrderStatusPending,
		PaymentMethod: domain.PaymentMethodCOD,
		Currency:      "inr",
		Items: []services.OrderLineItem{
			{ProductID: "prod_brownie", Name: "Walnut Brownie", UnitPrice: 10000, Quantity: 2, Total: 20000},
		},
		Totals: services.PriceBreakdown{Subtotal: 20000, DeliveryFee: 5000, Tax: 1000, Total: 26000},
		Address: services.Address{
			Recipient:  "Asha Nair",
			Line1:      "14 Lake View Road",
			City:       "Chennai",
			State:      "Tamil Nadu",
			PostalCode: "600033",
			Phone:      "9876543210",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func createOrderBody() map[string]any {
	return map[string]any{
		"customer_email": "asha@example.com",
		"items": []map[string]any{
			{"product_id": "prod_brownie", "unit_price": 10000, "quantity": 2},
		},
		"address": map[string]any{
			"recipient":   "Asha Nair",
			"line1":       "14 Lake View Road",
			"city":        "Chennai",
			"state":       "Tamil Nadu",
			"postal_code": "600033",
			"phone":       "9876543210",
		},
		"payment_method": "cod",
	}
}

func newOrderRouter(service services.OrderService) chi.Router {
	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func TestOrderHandlersCreateOrderSuccess(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

	var captured services.CreateOrderCommand
	service := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(now), nil
		},
	}
	router := newOrderRouter(service)

	body, _ := json.Marshal(createOrderBody())
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1", Email: "asha@example.com"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "user-1" {
		t.Fatalf("expected customer id from identity, got %q", captured.CustomerID)
	}
	if captured.PaymentMethod != domain.PaymentMethodCOD {
		t.Fatalf("expected cod payment method, got %q", captured.PaymentMethod)
	}
	if len(captured.Lines) != 1 || captured.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected lines: %#v", captured.Lines)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.ID != "ord_123" || resp.Order.OrderNumber != "SS-2025-000042" {
		t.Fatalf("unexpected order payload: %#v", resp.Order)
	}
	if resp.Order.Currency != "INR" {
		t.Fatalf("expected currency uppercased, got %s", resp.Order.Currency)
	}
	if resp.Order.Totals.Total != 26000 {
		t.Fatalf("expected total 26000, got %d", resp.Order.Totals.Total)
	}
}

func TestOrderHandlersCreateOrderGuest(t *testing.T) {
	var captured services.CreateOrderCommand
	service := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(time.Now()), nil
		},
	}
	router := newOrderRouter(service)

	body, _ := json.Marshal(createOrderBody())
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "" {
		t.Fatalf("expected empty customer id for guest, got %q", captured.CustomerID)
	}
	if captured.CustomerEmail != "asha@example.com" {
		t.Fatalf("expected email from body, got %q", captured.CustomerEmail)
	}
}

func TestOrderHandlersCreateOrderWithPaymentProof(t *testing.T) {
	var captured services.CreateOrderCommand
	service := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(time.Now()), nil
		},
	}
	router := newOrderRouter(service)

	payload := createOrderBody()
	payload["payment_method"] = "gateway"
	payload["payment"] = map[string]any{
		"razorpay_order_id":   "order_G1",
		"razorpay_payment_id": "pay_P1",
		"razorpay_signature":  "deadbeef",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Confirmation == nil || captured.Confirmation.GatewayPaymentID != "pay_P1" {
		t.Fatalf("expected confirmation forwarded, got %#v", captured.Confirmation)
	}
}

func TestOrderHandlersCreateOrderErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid line item", services.ErrInvalidLineItem, http.StatusBadRequest, "invalid_line_item"},
		{"invalid address", services.ErrOrderInvalidAddress, http.StatusBadRequest, "invalid_address"},
		{"price mismatch", services.ErrOrderPriceMismatch, http.StatusBadRequest, "price_mismatch"},
		{"payment required", services.ErrOrderPaymentRequired, http.StatusBadRequest, "payment_required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newOrderRouter(&stubOrderService{
				createFn: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			})

			body, _ := json.Marshal(createOrderBody())
			req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
			req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var resp map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if resp["error"] != tc.wantCode {
				t.Fatalf("expected error code %q, got %v", tc.wantCode, resp["error"])
			}
		})
	}
}

func TestOrderHandlersCreateOrderInvalidJSON(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader([]byte("{not json")))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersListCustomerOrdersSelf(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	var capturedID string
	router := newOrderRouter(&stubOrderService{
		listCustomerFn: func(_ context.Context, customerID string) ([]services.Order, error) {
			capturedID = customerID
			return []services.Order{sampleOrder(now)}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/customer/user-1", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1", Roles: []string{auth.RoleUser}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if capturedID != "user-1" {
		t.Fatalf("expected customer id user-1, got %q", capturedID)
	}

	var resp customerOrderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Orders) != 1 || resp.Orders[0].ID != "ord_123" {
		t.Fatalf("unexpected orders: %#v", resp.Orders)
	}
}

func TestOrderHandlersListCustomerOrdersForbiddenForOthers(t *testing.T) {
	router := newOrderRouter(&stubOrderService{
		listCustomerFn: func(context.Context, string) ([]services.Order, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/customer/user-2", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1", Roles: []string{auth.RoleUser}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestOrderHandlersListCustomerOrdersStaffMayReadOthers(t *testing.T) {
	router := newOrderRouter(&stubOrderService{
		listCustomerFn: func(context.Context, string) ([]services.Order, error) {
			return []services.Order{}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/customer/user-2", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrdersPagination(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

	var capturedFilter services.OrderPageFilter
	router := newOrderRouter(&stubOrderService{
		listFn: func(_ context.Context, filter services.OrderPageFilter) (domain.Page[services.Order], error) {
			capturedFilter = filter
			return domain.Page[services.Order]{
				Items:      []services.Order{sampleOrder(now)},
				Page:       2,
				PageSize:   10,
				TotalPages: 5,
				TotalItems: 42,
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/orders?page=2&limit=10&status=pending", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if capturedFilter.Page != 2 || capturedFilter.PageSize != 10 {
		t.Fatalf("unexpected pagination: %#v", capturedFilter.Pagination)
	}
	if capturedFilter.Status != "pending" {
		t.Fatalf("expected status filter pending, got %q", capturedFilter.Status)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(resp.Orders))
	}
	if resp.Total != 5 {
		t.Fatalf("expected total of 5 pages, got %d", resp.Total)
	}
}

func TestOrderHandlersListOrdersOutOfRangePage(t *testing.T) {
	// page=0 is forwarded unchanged; the store answers with an empty page
	// rather than the client receiving an error.
	var capturedFilter services.OrderPageFilter
	router := newOrderRouter(&stubOrderService{
		listFn: func(_ context.Context, filter services.OrderPageFilter) (domain.Page[services.Order], error) {
			capturedFilter = filter
			return domain.Page[services.Order]{
				Items:      []services.Order{},
				Page:       filter.Page,
				PageSize:   filter.PageSize,
				TotalPages: 3,
				TotalItems: 55,
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/orders?page=0", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if capturedFilter.Page != 0 {
		t.Fatalf("expected page 0 passed through, got %d", capturedFilter.Page)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Orders) != 0 {
		t.Fatalf("expected empty orders, got %d", len(resp.Orders))
	}
	if resp.Total != 3 {
		t.Fatalf("expected total of 3 pages, got %d", resp.Total)
	}
}

func TestOrderHandlersListOrdersMalformedPage(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodGet, "/orders?page=abc", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrdersLimitClamped(t *testing.T) {
	var capturedFilter services.OrderPageFilter
	router := newOrderRouter(&stubOrderService{
		listFn: func(_ context.Context, filter services.OrderPageFilter) (domain.Page[services.Order], error) {
			capturedFilter = filter
			return domain.Page[services.Order]{Items: []services.Order{}}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/orders?limit=1000", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if capturedFilter.PageSize != maxOrderPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxOrderPageSize, capturedFilter.PageSize)
	}
}

func TestOrderHandlersUpdateOrderStatus(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

	var captured services.OrderStatusTransitionCommand
	router := newOrderRouter(&stubOrderService{
		transitionFn: func(_ context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusCompleted
			return order, nil
		},
	})

	body, _ := json.Marshal(map[string]any{"status": "completed"})
	req := httptest.NewRequest(http.MethodPatch, "/orders/ord_123", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_123" || captured.TargetStatus != "completed" {
		t.Fatalf("unexpected command: %#v", captured)
	}
	if captured.ActorID != "staff-1" {
		t.Fatalf("expected actor staff-1, got %q", captured.ActorID)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Status != string(domain.OrderStatusCompleted) {
		t.Fatalf("expected completed status, got %s", resp.Order.Status)
	}
}

func TestOrderHandlersUpdateOrderStatusConflicts(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"invalid transition", services.ErrOrderInvalidState, "invalid_transition"},
		{"concurrent update", services.ErrOrderConflict, "order_conflict"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newOrderRouter(&stubOrderService{
				transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			})

			body, _ := json.Marshal(map[string]any{"status": "completed"})
			req := httptest.NewRequest(http.MethodPatch, "/orders/ord_123", bytes.NewReader(body))
			req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != http.StatusConflict {
				t.Fatalf("expected status 409, got %d", rr.Code)
			}
			var resp map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if resp["error"] != tc.wantCode {
				t.Fatalf("expected error code %q, got %v", tc.wantCode, resp["error"])
			}
		})
	}
}

func TestOrderHandlersUpdateOrderStatusNotFound(t *testing.T) {
	router := newOrderRouter(&stubOrderService{
		transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderNotFound
		},
	})

	body, _ := json.Marshal(map[string]any{"status": "completed"})
	req := httptest.NewRequest(http.MethodPatch, "/orders/ord_missing", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersUpdateOrderStatusMissingStatus(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	body, _ := json.Marshal(map[string]any{"reason": "because"})
	req := httptest.NewRequest(http.MethodPatch, "/orders/ord_123", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
