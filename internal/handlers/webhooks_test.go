package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/sweetspot/orders-api/internal/platform/auth"
	"github.com/sweetspot/orders-api/internal/services"
)

func signWebhookBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newWebhookRouter(t *testing.T, secret []byte, service services.PaymentService) chi.Router {
	t.Helper()
	validator, err := auth.NewWebhookSignatureValidator(secret)
	if err != nil {
		t.Fatalf("NewWebhookSignatureValidator returned error: %v", err)
	}
	handler := NewWebhookHandlers(service)
	router := chi.NewRouter()
	router.Route("/webhooks", func(r chi.Router) {
		r.Use(validator.RequireSignature())
		handler.Routes(r)
	})
	return router
}

func capturedPaymentBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"event": "payment.captured",
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       "pay_P1",
					"order_id": "order_G1",
					"amount":   26000,
					"currency": "INR",
					"status":   "captured",
				},
			},
		},
	})
	return body
}

func TestWebhookHandlersRecordsCapturedPayment(t *testing.T) {
	secret := []byte("whsec_test")

	var captured services.GatewayEventCommand
	router := newWebhookRouter(t, secret, &stubPaymentService{
		recordFn: func(_ context.Context, cmd services.GatewayEventCommand) error {
			captured = cmd
			return nil
		},
	})

	body := capturedPaymentBody()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(secret, body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PaymentID != "pay_P1" || captured.GatewayOrderID != "order_G1" {
		t.Fatalf("unexpected command: %#v", captured)
	}
	if captured.EventType != "payment.captured" || captured.AmountMinor != 26000 {
		t.Fatalf("unexpected command: %#v", captured)
	}
}

func TestWebhookHandlersRejectsBadSignature(t *testing.T) {
	secret := []byte("whsec_test")

	router := newWebhookRouter(t, secret, &stubPaymentService{
		recordFn: func(context.Context, services.GatewayEventCommand) error {
			t.Fatal("record must not be called for invalid signatures")
			return nil
		},
	})

	body := capturedPaymentBody()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody([]byte("wrong secret"), body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestWebhookHandlersRejectsMissingSignature(t *testing.T) {
	router := newWebhookRouter(t, []byte("whsec_test"), &stubPaymentService{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader(capturedPaymentBody()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestWebhookHandlersIgnoresNonPaymentEvents(t *testing.T) {
	secret := []byte("whsec_test")

	router := newWebhookRouter(t, secret, &stubPaymentService{
		recordFn: func(context.Context, services.GatewayEventCommand) error {
			t.Fatal("record must not be called for non-payment events")
			return nil
		},
	})

	body, _ := json.Marshal(map[string]any{"event": "refund.processed", "payload": map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(secret, body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "ignored" {
		t.Fatalf("expected ignored, got %q", resp["status"])
	}
}

func TestWebhookHandlersRecordFailure(t *testing.T) {
	secret := []byte("whsec_test")

	router := newWebhookRouter(t, secret, &stubPaymentService{
		recordFn: func(context.Context, services.GatewayEventCommand) error {
			return services.ErrPaymentInvalidInput
		},
	})

	body := capturedPaymentBody()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signWebhookBody(secret, body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
