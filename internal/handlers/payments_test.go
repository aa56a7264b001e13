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

	"github.com/sweetspot/orders-api/internal/payments"
	"github.com/sweetspot/orders-api/internal/platform/auth"
	"github.com/sweetspot/orders-api/internal/services"
)

type stubPaymentService struct {
	intentFn func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntent, error)
	verifyFn func(context.Context, services.VerifyPaymentCommand) error
	recordFn func(context.Context, services.GatewayEventCommand) error
}

func (s *stubPaymentService) CreateIntent(ctx context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntent, error) {
	if s.intentFn != nil {
		return s.intentFn(ctx, cmd)
	}
	return services.PaymentIntent{}, errors.New("not implemented")
}

func (s *stubPaymentService) VerifyPayment(ctx context.Context, cmd services.VerifyPaymentCommand) error {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func (s *stubPaymentService) RecordGatewayEvent(ctx context.Context, cmd services.GatewayEventCommand) error {
	if s.recordFn != nil {
		return s.recordFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func newPaymentRouter(service services.PaymentService, opts ...PaymentOption) chi.Router {
	handler := NewPaymentHandlers(nil, service, opts...)
	router := chi.NewRouter()
	router.Route("/payments", handler.Routes)
	return router
}

func TestPaymentHandlersCreateIntentSuccess(t *testing.T) {
	created := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

	var captured services.CreatePaymentIntentCommand
	router := newPaymentRouter(&stubPaymentService{
		intentFn: func(_ context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntent, error) {
			captured = cmd
			return services.PaymentIntent{
				GatewayOrderID: "order_G1",
				AmountMinor:    cmd.AmountMinor,
				Currency:       "INR",
				KeyID:          "rzp_test_key",
				CreatedAt:      created,
			}, nil
		},
	})

	body, _ := json.Marshal(map[string]any{"amount": 26000, "receipt": "rcpt_1"})
	req := httptest.NewRequest(http.MethodPost, "/payments/intent", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "user-1" || captured.AmountMinor != 26000 {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp createIntentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.GatewayOrderID != "order_G1" || resp.KeyID != "rzp_test_key" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestPaymentHandlersCreateIntentRequiresIdentity(t *testing.T) {
	router := newPaymentRouter(&stubPaymentService{})

	body, _ := json.Marshal(map[string]any{"amount": 26000, "receipt": "rcpt_1"})
	req := httptest.NewRequest(http.MethodPost, "/payments/intent", bytes.NewReader(body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestPaymentHandlersCreateIntentGatewayDown(t *testing.T) {
	router := newPaymentRouter(&stubPaymentService{
		intentFn: func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntent, error) {
			return services.PaymentIntent{}, payments.ErrGatewayUnavailable
		},
	})

	body, _ := json.Marshal(map[string]any{"amount": 26000, "receipt": "rcpt_1"})
	req := httptest.NewRequest(http.MethodPost, "/payments/intent", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["error"] != "gateway_unavailable" {
		t.Fatalf("expected gateway_unavailable, got %v", resp["error"])
	}
}

func TestPaymentHandlersCreateIntentRateLimited(t *testing.T) {
	router := newPaymentRouter(&stubPaymentService{
		intentFn: func(_ context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntent, error) {
			return services.PaymentIntent{GatewayOrderID: "order_G1", AmountMinor: cmd.AmountMinor, Currency: "INR", KeyID: "k"}, nil
		},
	}, WithIntentRateLimit(1, time.Minute))

	send := func() int {
		body, _ := json.Marshal(map[string]any{"amount": 26000, "receipt": "rcpt_1"})
		req := httptest.NewRequest(http.MethodPost, "/payments/intent", bytes.NewReader(body))
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send(); code != http.StatusCreated {
		t.Fatalf("expected first request to pass, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request limited, got %d", code)
	}
}

func TestPaymentHandlersVerifyPaymentSuccess(t *testing.T) {
	var captured services.VerifyPaymentCommand
	router := newPaymentRouter(&stubPaymentService{
		verifyFn: func(_ context.Context, cmd services.VerifyPaymentCommand) error {
			captured = cmd
			return nil
		},
	})

	body, _ := json.Marshal(map[string]any{
		"razorpay_order_id":   "order_G1",
		"razorpay_payment_id": "pay_P1",
		"razorpay_signature":  "cafe01",
	})
	req := httptest.NewRequest(http.MethodPost, "/payments/verify", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Confirmation.GatewayPaymentID != "pay_P1" || captured.ActorID != "user-1" {
		t.Fatalf("unexpected command: %#v", captured)
	}
}

func TestPaymentHandlersVerifyPaymentWithoutIdentity(t *testing.T) {
	// The signature inside the body is the credential; verification must not
	// demand a bearer token.
	var captured services.VerifyPaymentCommand
	router := newPaymentRouter(&stubPaymentService{
		verifyFn: func(_ context.Context, cmd services.VerifyPaymentCommand) error {
			captured = cmd
			return nil
		},
	})

	body, _ := json.Marshal(map[string]any{
		"razorpay_order_id":   "order_G1",
		"razorpay_payment_id": "pay_P1",
		"razorpay_signature":  "cafe01",
	})
	req := httptest.NewRequest(http.MethodPost, "/payments/verify", bytes.NewReader(body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Confirmation.GatewayOrderID != "order_G1" || captured.ActorID != "" {
		t.Fatalf("unexpected command: %#v", captured)
	}
}

func TestPaymentHandlersVerifyPaymentMismatch(t *testing.T) {
	router := newPaymentRouter(&stubPaymentService{
		verifyFn: func(context.Context, services.VerifyPaymentCommand) error {
			return payments.ErrSignatureMismatch
		},
	})

	body, _ := json.Marshal(map[string]any{
		"razorpay_order_id":   "order_G1",
		"razorpay_payment_id": "pay_P1",
		"razorpay_signature":  "bad",
	})
	req := httptest.NewRequest(http.MethodPost, "/payments/verify", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["error"] != "signature_mismatch" {
		t.Fatalf("expected signature_mismatch, got %v", resp["error"])
	}
}
