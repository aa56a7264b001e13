package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sweetspot/orders-api/internal/platform/httpx"
	"github.com/sweetspot/orders-api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// razorpayWebhookEnvelope mirrors the notification format the gateway posts.
// Only the payment entity is consumed; other entities are acknowledged as-is.
type razorpayWebhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity razorpayPaymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type razorpayPaymentEntity struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// WebhookHandlers receives gateway notifications. Signature validation is
// applied as group middleware before these handlers run.
type WebhookHandlers struct {
	payments services.PaymentService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{payments: payments}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/razorpay", h.razorpayEvent)
}

func (h *WebhookHandlers) razorpayEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var envelope razorpayWebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	event := strings.TrimSpace(envelope.Event)
	payment := envelope.Payload.Payment.Entity
	if !strings.HasPrefix(event, "payment.") || strings.TrimSpace(payment.ID) == "" {
		// Not a payment notification; acknowledge so the gateway stops retrying.
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	err = h.payments.RecordGatewayEvent(ctx, services.GatewayEventCommand{
		PaymentID:      payment.ID,
		GatewayOrderID: payment.OrderID,
		EventType:      event,
		AmountMinor:    payment.Amount,
		Currency:       payment.Currency,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
