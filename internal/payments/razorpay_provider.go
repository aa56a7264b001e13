package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
	rzperrors "github.com/razorpay/razorpay-go/errors"
)

// RazorpayLogger defines the logging contract for gateway operations.
type RazorpayLogger func(ctx context.Context, event string, fields map[string]any)

type razorpayOrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayPaymentAPI interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayClients struct {
	orders   razorpayOrderAPI
	payments razorpayPaymentAPI
}

// RazorpayProviderConfig configures the RazorpayProvider. KeySecret is read
// once at construction and held privately; no other component sees it.
type RazorpayProviderConfig struct {
	KeyID       string
	KeySecret   string
	CallTimeout time.Duration
	Logger      RazorpayLogger
	Clock       func() time.Time
	Clients     *razorpayClients
}

// RazorpayProvider implements the Provider interface using the Razorpay APIs.
type RazorpayProvider struct {
	api         razorpayClients
	keyID       string
	keySecret   []byte
	callTimeout time.Duration
	clock       func() time.Time
	logger      RazorpayLogger
}

// NewRazorpayProvider constructs a Razorpay Provider using the given configuration.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if keySecret == "" {
		return nil, errors.New("razorpay: key secret is required")
	}
	if keyID == "" && cfg.Clients == nil {
		return nil, errors.New("razorpay: key id is required")
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var clients razorpayClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		rc := razorpay.NewClient(keyID, keySecret)
		rc.SetTimeout(int16(timeout / time.Second))
		clients = razorpayClients{orders: rc.Order, payments: rc.Payment}
	}
	if clients.orders == nil || clients.payments == nil {
		return nil, errors.New("razorpay: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		api:         clients,
		keyID:       keyID,
		keySecret:   []byte(keySecret),
		callTimeout: timeout,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// KeyID returns the public key identifier clients use to open the checkout.
func (p *RazorpayProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.keyID
}

// CreateIntent opens a Razorpay order for the given amount.
func (p *RazorpayProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("razorpay: provider is nil")
	}
	if req.AmountMinor <= 0 {
		return Intent{}, fmt.Errorf("%w: non-positive amount", ErrGatewayRejected)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}

	data := map[string]interface{}{
		"amount":   req.AmountMinor,
		"currency": currency,
	}
	if receipt := strings.TrimSpace(req.Receipt); receipt != "" {
		data["receipt"] = receipt
	}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			notes[k] = v
		}
		data["notes"] = notes
	}

	body, err := p.call(ctx, func() (map[string]interface{}, error) {
		return p.api.orders.Create(data, nil)
	})
	if err != nil {
		classified := classifyGatewayError(err)
		p.logger(ctx, "payments.razorpay.order.create_failed", map[string]any{
			"receipt": req.Receipt,
			"error":   err.Error(),
		})
		return Intent{}, fmt.Errorf("razorpay: create order: %w", classified)
	}

	orderID, _ := body["id"].(string)
	if orderID == "" {
		return Intent{}, fmt.Errorf("razorpay: create order: %w: response missing order id", ErrGatewayUnavailable)
	}

	p.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"gatewayOrderId": orderID,
		"amount":         req.AmountMinor,
		"currency":       currency,
	})

	createdAt := p.clock()
	if ts := numberField(body, "created_at"); ts > 0 {
		createdAt = time.Unix(ts, 0).UTC()
	}

	return Intent{
		GatewayOrderID: orderID,
		AmountMinor:    req.AmountMinor,
		Currency:       currency,
		Receipt:        req.Receipt,
		CreatedAt:      createdAt,
	}, nil
}

// VerifyConfirmation recomputes the checkout signature and compares it in
// constant time. Expected signature material never appears in errors or logs.
func (p *RazorpayProvider) VerifyConfirmation(conf Confirmation) error {
	if p == nil {
		return errors.New("razorpay: provider is nil")
	}
	orderID := strings.TrimSpace(conf.GatewayOrderID)
	paymentID := strings.TrimSpace(conf.GatewayPaymentID)
	signature := strings.TrimSpace(conf.Signature)
	if orderID == "" || paymentID == "" || signature == "" {
		return fmt.Errorf("%w: incomplete confirmation", ErrSignatureMismatch)
	}

	provided, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrSignatureMismatch)
	}

	mac := hmac.New(sha256.New, p.keySecret)
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, provided) {
		return ErrSignatureMismatch
	}
	return nil
}

// LookupPayment fetches the gateway's record of a payment.
func (p *RazorpayProvider) LookupPayment(ctx context.Context, paymentID string) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("razorpay: provider is nil")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return PaymentDetails{}, fmt.Errorf("%w: empty payment id", ErrGatewayRejected)
	}

	body, err := p.call(ctx, func() (map[string]interface{}, error) {
		return p.api.payments.Fetch(paymentID, nil, nil)
	})
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("razorpay: fetch payment: %w", classifyGatewayError(err))
	}

	details := PaymentDetails{
		PaymentID:   paymentID,
		AmountMinor: numberField(body, "amount"),
	}
	if id, ok := body["id"].(string); ok && id != "" {
		details.PaymentID = id
	}
	if orderID, ok := body["order_id"].(string); ok {
		details.GatewayOrderID = orderID
	}
	if currency, ok := body["currency"].(string); ok {
		details.Currency = strings.ToUpper(currency)
	}
	if method, ok := body["method"].(string); ok {
		details.Method = method
	}
	if status, ok := body["status"].(string); ok {
		details.Status = Status(strings.ToLower(status))
	}
	if details.Status == StatusCaptured {
		if ts := numberField(body, "created_at"); ts > 0 {
			at := time.Unix(ts, 0).UTC()
			details.CapturedAt = &at
		}
	}
	return details, nil
}

// call runs a blocking SDK invocation while honouring the caller's context.
// The SDK client enforces its own transport timeout; this guard covers
// cancellation. An abandoned call's result is discarded, never trusted.
func (p *RazorpayProvider) call(ctx context.Context, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		body map[string]interface{}
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := fn()
		done <- result{body: body, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.body, res.err
	}
}

// classifyGatewayError maps SDK and transport failures onto the two outcomes
// callers act on: the gateway said no, or the gateway could not be reached.
func classifyGatewayError(err error) error {
	if err == nil {
		return nil
	}
	var badRequest *rzperrors.BadRequestError
	if errors.As(err, &badRequest) {
		return fmt.Errorf("%w: %s", ErrGatewayRejected, badRequest.Message)
	}
	var gatewayErr *rzperrors.GatewayError
	if errors.As(err, &gatewayErr) {
		return ErrGatewayUnavailable
	}
	var serverErr *rzperrors.ServerError
	if errors.As(err, &serverErr) {
		return ErrGatewayUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrGatewayUnavailable
	}
	return ErrGatewayUnavailable
}

func numberField(body map[string]interface{}, key string) int64 {
	switch v := body[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
