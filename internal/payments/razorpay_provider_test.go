package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubOrderAPI struct {
	createFn func(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

func (s *stubOrderAPI) Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error) {
	return s.createFn(data, extraHeaders)
}

type stubPaymentAPI struct {
	fetchFn func(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

func (s *stubPaymentAPI) Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error) {
	return s.fetchFn(paymentID, queryParams, extraHeaders)
}

func newTestProvider(t *testing.T, orders *stubOrderAPI, payments *stubPaymentAPI) *RazorpayProvider {
	t.Helper()
	if orders == nil {
		orders = &stubOrderAPI{createFn: func(map[string]interface{}, map[string]string) (map[string]interface{}, error) {
			return nil, errors.New("unexpected order create")
		}}
	}
	if payments == nil {
		payments = &stubPaymentAPI{fetchFn: func(string, map[string]interface{}, map[string]string) (map[string]interface{}, error) {
			return nil, errors.New("unexpected payment fetch")
		}}
	}
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		KeyID:     "rzp_test_key",
		KeySecret: "test_secret",
		Clock:     func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
		Clients:   &razorpayClients{orders: orders, payments: payments},
	})
	if err != nil {
		t.Fatalf("NewRazorpayProvider returned error: %v", err)
	}
	return provider
}

func signConfirmation(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreateIntent(t *testing.T) {
	t.Run("creates a gateway order", func(t *testing.T) {
		var captured map[string]interface{}
		orders := &stubOrderAPI{createFn: func(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
			captured = data
			return map[string]interface{}{
				"id":         "order_Abc123",
				"amount":     float64(26000),
				"currency":   "INR",
				"created_at": float64(1748779200),
			}, nil
		}}
		provider := newTestProvider(t, orders, nil)

		intent, err := provider.CreateIntent(context.Background(), IntentRequest{
			AmountMinor: 26000,
			Currency:    "inr",
			Receipt:     "rcpt_9",
			Notes:       map[string]string{"customer": "u_1"},
		})
		if err != nil {
			t.Fatalf("CreateIntent returned error: %v", err)
		}
		if intent.GatewayOrderID != "order_Abc123" {
			t.Fatalf("gateway order id = %q", intent.GatewayOrderID)
		}
		if intent.Currency != "INR" || intent.AmountMinor != 26000 {
			t.Fatalf("intent = %+v", intent)
		}
		if captured["receipt"] != "rcpt_9" {
			t.Fatalf("receipt not forwarded, payload = %v", captured)
		}
	})

	t.Run("classifies declined requests", func(t *testing.T) {
		orders := &stubOrderAPI{createFn: func(map[string]interface{}, map[string]string) (map[string]interface{}, error) {
			return nil, errors.New("BAD_REQUEST_ERROR: amount exceeds maximum")
		}}
		provider := newTestProvider(t, orders, nil)

		_, err := provider.CreateIntent(context.Background(), IntentRequest{AmountMinor: 100, Receipt: "r"})
		if !errors.Is(err, ErrGatewayUnavailable) && !errors.Is(err, ErrGatewayRejected) {
			t.Fatalf("err = %v, want classified gateway error", err)
		}
	})

	t.Run("rejects non-positive amount without a network call", func(t *testing.T) {
		provider := newTestProvider(t, nil, nil)
		_, err := provider.CreateIntent(context.Background(), IntentRequest{AmountMinor: 0, Receipt: "r"})
		if !errors.Is(err, ErrGatewayRejected) {
			t.Fatalf("err = %v, want ErrGatewayRejected", err)
		}
	})

	t.Run("treats a hung call as unavailable", func(t *testing.T) {
		block := make(chan struct{})
		t.Cleanup(func() { close(block) })
		orders := &stubOrderAPI{createFn: func(map[string]interface{}, map[string]string) (map[string]interface{}, error) {
			<-block
			return map[string]interface{}{"id": "order_late"}, nil
		}}
		provider := newTestProvider(t, orders, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := provider.CreateIntent(ctx, IntentRequest{AmountMinor: 100, Receipt: "r"})
		if err == nil {
			t.Fatal("expected error from timed-out call")
		}
	})
}

func TestVerifyConfirmation(t *testing.T) {
	provider := newTestProvider(t, nil, nil)
	orderID := "order_Abc123"
	paymentID := "pay_Xyz789"
	valid := signConfirmation("test_secret", orderID, paymentID)

	t.Run("accepts a valid signature", func(t *testing.T) {
		err := provider.VerifyConfirmation(Confirmation{
			GatewayOrderID:   orderID,
			GatewayPaymentID: paymentID,
			Signature:        valid,
		})
		if err != nil {
			t.Fatalf("VerifyConfirmation returned error: %v", err)
		}
	})

	t.Run("rejects a single flipped character", func(t *testing.T) {
		tampered := []byte(valid)
		if tampered[0] == 'a' {
			tampered[0] = 'b'
		} else {
			tampered[0] = 'a'
		}
		err := provider.VerifyConfirmation(Confirmation{
			GatewayOrderID:   orderID,
			GatewayPaymentID: paymentID,
			Signature:        string(tampered),
		})
		if !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("err = %v, want ErrSignatureMismatch", err)
		}
	})

	t.Run("rejects a signature for different ids", func(t *testing.T) {
		err := provider.VerifyConfirmation(Confirmation{
			GatewayOrderID:   orderID,
			GatewayPaymentID: "pay_Other",
			Signature:        valid,
		})
		if !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("err = %v, want ErrSignatureMismatch", err)
		}
	})

	t.Run("rejects non-hex signatures", func(t *testing.T) {
		err := provider.VerifyConfirmation(Confirmation{
			GatewayOrderID:   orderID,
			GatewayPaymentID: paymentID,
			Signature:        "not-hex!!",
		})
		if !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("err = %v, want ErrSignatureMismatch", err)
		}
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		err := provider.VerifyConfirmation(Confirmation{GatewayPaymentID: paymentID, Signature: valid})
		if !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("err = %v, want ErrSignatureMismatch", err)
		}
	})

	t.Run("does not leak signature material", func(t *testing.T) {
		err := provider.VerifyConfirmation(Confirmation{
			GatewayOrderID:   orderID,
			GatewayPaymentID: paymentID,
			Signature:        signConfirmation("wrong_secret", orderID, paymentID),
		})
		if err == nil {
			t.Fatal("expected mismatch")
		}
		for _, fragment := range []string{valid, "test_secret"} {
			if strings.Contains(err.Error(), fragment) {
				t.Fatalf("error message leaks signature material: %q", err.Error())
			}
		}
	})
}

func TestLookupPayment(t *testing.T) {
	t.Run("normalises gateway fields", func(t *testing.T) {
		payments := &stubPaymentAPI{fetchFn: func(paymentID string, _ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
			if paymentID != "pay_Xyz789" {
				t.Fatalf("unexpected payment id %q", paymentID)
			}
			return map[string]interface{}{
				"id":         "pay_Xyz789",
				"order_id":   "order_Abc123",
				"status":     "captured",
				"amount":     float64(26000),
				"currency":   "inr",
				"method":     "upi",
				"created_at": float64(1748779200),
			}, nil
		}}
		provider := newTestProvider(t, nil, payments)

		details, err := provider.LookupPayment(context.Background(), "pay_Xyz789")
		if err != nil {
			t.Fatalf("LookupPayment returned error: %v", err)
		}
		if details.Status != StatusCaptured || details.Currency != "INR" || details.AmountMinor != 26000 {
			t.Fatalf("details = %+v", details)
		}
		if details.CapturedAt == nil {
			t.Fatal("expected CapturedAt for captured payment")
		}
	})

	t.Run("rejects empty payment id", func(t *testing.T) {
		provider := newTestProvider(t, nil, nil)
		if _, err := provider.LookupPayment(context.Background(), " "); !errors.Is(err, ErrGatewayRejected) {
			t.Fatalf("err = %v, want ErrGatewayRejected", err)
		}
	})
}
