package services

import (
	"context"
	"time"

	domain "github.com/sweetspot/orders-api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderLineItem      = domain.OrderLineItem
	OrderPayment       = domain.OrderPayment
	OrderAudit         = domain.OrderAudit
	Address            = domain.Address
	CartLine           = domain.CartLine
	PriceBreakdown     = domain.PriceBreakdown
	PaymentMethod      = domain.PaymentMethod
	Product            = domain.Product
	GatewayEvent       = domain.GatewayEvent
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService encapsulates order creation, listing, and status transitions.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListCustomerOrders(ctx context.Context, customerID string) ([]Order, error)
	ListOrders(ctx context.Context, filter OrderPageFilter) (domain.Page[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
}

// PaymentService fronts the gateway for intent creation, confirmation
// verification, and webhook intake.
type PaymentService interface {
	CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntent, error)
	VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) error
	RecordGatewayEvent(ctx context.Context, cmd GatewayEventCommand) error
}

// ReconciliationService sweeps captured gateway payments that never produced
// an order and flags them for operator review.
type ReconciliationService interface {
	Run(ctx context.Context, cmd ReconciliationCommand) (ReconciliationReport, error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// Command and DTO definitions ------------------------------------------------

// CreateOrderCommand carries everything needed to materialise an order.
// Confirmation must be present for gateway settlement and is ignored for COD.
type CreateOrderCommand struct {
	CustomerID    string
	CustomerEmail string
	Lines         []CartLine
	Address       Address
	PaymentMethod PaymentMethod
	Confirmation  *PaymentConfirmation
	ActorID       string
}

// PaymentConfirmation is the proof-of-payment tuple from the gateway checkout.
type PaymentConfirmation struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// OrderPageFilter controls the staff order listing.
type OrderPageFilter struct {
	Pagination
	// Status filters to one lifecycle state; empty means all.
	Status string
}

// OrderStatusTransitionCommand moves an order to a new lifecycle state.
type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus string
	ActorID      string
	Reason       string
}

// CreatePaymentIntentCommand opens a gateway order ahead of client checkout.
type CreatePaymentIntentCommand struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	CustomerID  string
	Notes       map[string]string
}

// PaymentIntent is returned to the client to open the gateway checkout.
type PaymentIntent struct {
	GatewayOrderID string
	AmountMinor    int64
	Currency       string
	KeyID          string
	CreatedAt      time.Time
}

// VerifyPaymentCommand checks a confirmation signature.
type VerifyPaymentCommand struct {
	Confirmation PaymentConfirmation
	ActorID      string
}

// GatewayEventCommand records a webhook notification from the gateway.
type GatewayEventCommand struct {
	PaymentID      string
	GatewayOrderID string
	EventType      string
	AmountMinor    int64
	Currency       string
}

// ReconciliationCommand bounds a reconciliation sweep.
type ReconciliationCommand struct {
	// GracePeriod is how long a captured payment may sit unmatched before it
	// is treated as suspect. Zero applies the service default.
	GracePeriod time.Duration
	Limit       int
	ActorID     string
}

// ReconciliationReport summarises a sweep.
type ReconciliationReport struct {
	Scanned  int
	Matched  int
	Orphaned int
	RanAt    time.Time
}

// CounterCommand increments a named counter.
type CounterCommand struct {
	CounterID string
	Step      int64
}
