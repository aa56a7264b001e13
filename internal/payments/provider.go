package payments

import (
	"context"
	"errors"
	"time"
)

// Status enumerates the normalised payment states reported by the gateway.
type Status string

const (
	// StatusCreated indicates the gateway order exists but no payment has been attempted.
	StatusCreated Status = "created"
	// StatusAuthorized indicates the payment is authorized but not yet captured.
	StatusAuthorized Status = "authorized"
	// StatusCaptured indicates the gateway reports the payment as captured.
	StatusCaptured Status = "captured"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded.
	StatusRefunded Status = "refunded"
)

var (
	// ErrGatewayUnavailable indicates the gateway could not be reached or timed out.
	// The attempt's outcome is unknown; retry with a fresh receipt reference.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayRejected indicates the gateway processed the request and declined it.
	ErrGatewayRejected = errors.New("payments: gateway rejected request")
	// ErrSignatureMismatch indicates a confirmation signature failed verification.
	ErrSignatureMismatch = errors.New("payments: signature mismatch")
)

// IntentRequest captures the payload required to open a gateway order.
// Receipt is the caller's correlation reference and is never generated here.
type IntentRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// Intent is the gateway-side order a client completes payment against.
type Intent struct {
	GatewayOrderID string
	AmountMinor    int64
	Currency       string
	Receipt        string
	CreatedAt      time.Time
}

// Confirmation carries the proof-of-payment tuple returned by the gateway's
// client-side checkout after a successful charge.
type Confirmation struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// PaymentDetails normalises gateway payment fields for reconciliation.
type PaymentDetails struct {
	PaymentID      string
	GatewayOrderID string
	Status         Status
	AmountMinor    int64
	Currency       string
	Method         string
	CapturedAt     *time.Time
}

// Provider defines the contract gateway adapters implement. Implementations
// bound every remote call with a timeout and never retry silently.
type Provider interface {
	// CreateIntent opens a gateway order for the given amount. Failures are
	// classified as ErrGatewayUnavailable or ErrGatewayRejected.
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)

	// VerifyConfirmation checks the confirmation signature against the shared
	// secret. A nil error is the only verified outcome; any tampering yields
	// ErrSignatureMismatch.
	VerifyConfirmation(conf Confirmation) error

	// LookupPayment fetches the gateway's view of a payment for reconciliation.
	LookupPayment(ctx context.Context, paymentID string) (PaymentDetails, error)
}
