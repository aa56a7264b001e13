package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sweetspot/orders-api/internal/payments"
	"github.com/sweetspot/orders-api/internal/platform/auth"
	"github.com/sweetspot/orders-api/internal/platform/httpx"
	"github.com/sweetspot/orders-api/internal/services"
)

const maxPaymentBodySize = 16 * 1024

type createIntentRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency,omitempty"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type createIntentResponse struct {
	GatewayOrderID string `json:"razorpay_order_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	KeyID          string `json:"key_id"`
	CreatedAt      string `json:"created_at,omitempty"`
}

type verifyPaymentRequest struct {
	GatewayOrderID   string `json:"razorpay_order_id"`
	GatewayPaymentID string `json:"razorpay_payment_id"`
	Signature        string `json:"razorpay_signature"`
}

// PaymentHandlers exposes gateway intent creation and confirmation checks.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
	limiter  rateLimiter
	intentMW []func(http.Handler) http.Handler
}

// PaymentOption customises PaymentHandlers construction.
type PaymentOption func(*PaymentHandlers)

// WithIntentRateLimit caps how many gateway intents a single caller may open
// within the window. Zero values disable the limiter.
func WithIntentRateLimit(limit int, window time.Duration) PaymentOption {
	return func(h *PaymentHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// WithIntentMiddlewares wraps only the intent endpoint, after authentication.
// Used to scope idempotency enforcement to POST /payments/intent without
// affecting signature verification.
func WithIntentMiddlewares(mw ...func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		for _, m := range mw {
			if m != nil {
				h.intentMW = append(h.intentMW, m)
			}
		}
	}
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{
		authn:    authn,
		payments: payments,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /payments endpoints. Intent creation requires an
// authenticated customer; verification is open because the signature in the
// body is the credential being checked.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	intentChain := make([]func(http.Handler) http.Handler, 0, len(h.intentMW)+1)
	if h.authn != nil {
		intentChain = append(intentChain, h.authn.RequireFirebaseAuth())
	}
	intentChain = append(intentChain, h.intentMW...)
	r.With(intentChain...).Post("/intent", h.createIntent)
	r.Post("/verify", h.verifyPayment)
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many intent requests", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createIntentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	intent, err := h.payments.CreateIntent(ctx, services.CreatePaymentIntentCommand{
		AmountMinor: req.Amount,
		Currency:    req.Currency,
		Receipt:     req.Receipt,
		CustomerID:  strings.TrimSpace(identity.UID),
		Notes:       req.Notes,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	response := createIntentResponse{
		GatewayOrderID: intent.GatewayOrderID,
		Amount:         intent.AmountMinor,
		Currency:       intent.Currency,
		KeyID:          intent.KeyID,
	}
	if !intent.CreatedAt.IsZero() {
		response.CreatedAt = formatTime(intent.CreatedAt)
	}
	writeJSONResponse(w, http.StatusCreated, response)
}

func (h *PaymentHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	// No identity requirement here: the HMAC signature in the body is the
	// credential. A known caller is still recorded when present.
	actorID := ""
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		actorID = strings.TrimSpace(identity.UID)
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req verifyPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	err = h.payments.VerifyPayment(ctx, services.VerifyPaymentCommand{
		Confirmation: services.PaymentConfirmation{
			GatewayOrderID:   req.GatewayOrderID,
			GatewayPaymentID: req.GatewayPaymentID,
			Signature:        req.Signature,
		},
		ActorID: actorID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "verified"})
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		writePaymentGatewayError(ctx, w, err, "payment_error", "failed to process payment request")
	}
}

// writePaymentGatewayError maps gateway adapter sentinels shared by the order
// and payment surfaces. Unknown errors collapse to a generic 500 so internal
// detail never reaches the client.
func writePaymentGatewayError(ctx context.Context, w http.ResponseWriter, err error, fallbackCode, fallbackMessage string) {
	switch {
	case errors.Is(err, payments.ErrSignatureMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("signature_mismatch", "payment signature verification failed", http.StatusPaymentRequired))
	case errors.Is(err, payments.ErrGatewayRejected):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_rejected", "payment gateway rejected the request", http.StatusPaymentRequired))
	case errors.Is(err, payments.ErrGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError(fallbackCode, fallbackMessage, http.StatusInternalServerError))
	}
}
