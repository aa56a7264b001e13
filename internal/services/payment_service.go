package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/sweetspot/orders-api/internal/domain"
	"github.com/sweetspot/orders-api/internal/payments"
	"github.com/sweetspot/orders-api/internal/repositories"
)

// ErrPaymentInvalidInput signals the caller provided invalid payment data.
var ErrPaymentInvalidInput = errors.New("payment: invalid input")

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Gateway payments.Provider
	// KeyID is the public gateway key handed to clients for checkout.
	KeyID         string
	GatewayEvents repositories.GatewayEventRepository
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
	Currency      string
}

type paymentService struct {
	gateway       payments.Provider
	keyID         string
	gatewayEvents repositories.GatewayEventRepository
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
	currency      string
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway provider is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}
	return &paymentService{
		gateway:       deps.Gateway,
		keyID:         strings.TrimSpace(deps.KeyID),
		gatewayEvents: deps.GatewayEvents,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		currency: currency,
	}, nil
}

// CreateIntent opens a gateway order for the amount the client is about to pay.
// The receipt is the caller's reference; a retry after an unknown outcome must
// use a fresh one.
func (s *paymentService) CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntent, error) {
	if cmd.AmountMinor <= 0 {
		return PaymentIntent{}, fmt.Errorf("%w: amount must be positive", ErrPaymentInvalidInput)
	}
	receipt := strings.TrimSpace(cmd.Receipt)
	if receipt == "" {
		return PaymentIntent{}, fmt.Errorf("%w: receipt reference is required", ErrPaymentInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}

	notes := map[string]string{}
	for k, v := range cmd.Notes {
		notes[k] = v
	}
	if customer := strings.TrimSpace(cmd.CustomerID); customer != "" {
		notes["customerId"] = customer
	}

	intent, err := s.gateway.CreateIntent(ctx, payments.IntentRequest{
		AmountMinor: cmd.AmountMinor,
		Currency:    currency,
		Receipt:     receipt,
		Notes:       notes,
	})
	if err != nil {
		return PaymentIntent{}, err
	}

	s.logger(ctx, "payment.intent.created", map[string]any{
		"gatewayOrderId": intent.GatewayOrderID,
		"amount":         intent.AmountMinor,
		"currency":       intent.Currency,
	})

	return PaymentIntent{
		GatewayOrderID: intent.GatewayOrderID,
		AmountMinor:    intent.AmountMinor,
		Currency:       intent.Currency,
		KeyID:          s.keyID,
		CreatedAt:      intent.CreatedAt,
	}, nil
}

// VerifyPayment checks a confirmation signature without creating anything.
// Mismatches are logged as security events; the expected signature never is.
func (s *paymentService) VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) error {
	err := s.gateway.VerifyConfirmation(payments.Confirmation{
		GatewayOrderID:   cmd.Confirmation.GatewayOrderID,
		GatewayPaymentID: cmd.Confirmation.GatewayPaymentID,
		Signature:        cmd.Confirmation.Signature,
	})
	if err != nil {
		if errors.Is(err, payments.ErrSignatureMismatch) {
			s.logger(ctx, "payment.signature_mismatch", map[string]any{
				"gatewayOrderId":   cmd.Confirmation.GatewayOrderID,
				"gatewayPaymentId": cmd.Confirmation.GatewayPaymentID,
			})
		}
		return err
	}
	return nil
}

// RecordGatewayEvent stores a webhook notification for reconciliation. Intake
// is idempotent per payment id, so redelivered events are harmless.
func (s *paymentService) RecordGatewayEvent(ctx context.Context, cmd GatewayEventCommand) error {
	if s.gatewayEvents == nil {
		return errors.New("payment service: gateway event repository not configured")
	}
	paymentID := strings.TrimSpace(cmd.PaymentID)
	if paymentID == "" {
		return fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	now := s.clock()
	err := s.gatewayEvents.Record(ctx, domain.GatewayEvent{
		PaymentID:      paymentID,
		GatewayOrderID: strings.TrimSpace(cmd.GatewayOrderID),
		EventType:      strings.TrimSpace(cmd.EventType),
		AmountMinor:    cmd.AmountMinor,
		Currency:       strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		Status:         domain.GatewayEventRecorded,
		ReceivedAt:     now,
		UpdatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("payment: record gateway event: %w", err)
	}
	s.logger(ctx, "payment.gateway_event.recorded", map[string]any{
		"gatewayPaymentId": paymentID,
		"eventType":        cmd.EventType,
	})
	return nil
}
