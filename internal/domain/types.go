package domain

import (
	"strings"
	"time"
)

// Pagination defines standard page-number paging inputs for list operations.
// Pages are 1-indexed; a page beyond the final one yields an empty result.
type Pagination struct {
	Page     int
	PageSize int
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment or fulfilment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates an online payment was verified before the order was stored.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCompleted indicates the order has been fulfilled and handed over.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled before fulfilment.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// NormalizeOrderStatus lowers incoming status strings so lookups and filters
// match regardless of how the client spells them.
func NormalizeOrderStatus(raw string) OrderStatus {
	return OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions may leave this status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// PaymentMethod enumerates supported settlement methods.
type PaymentMethod string

const (
	// PaymentMethodGateway settles online through the payment gateway before the order is stored.
	PaymentMethodGateway PaymentMethod = "gateway"
	// PaymentMethodCOD settles in cash on delivery; the order is stored as pending.
	PaymentMethodCOD PaymentMethod = "cod"
)

// Valid reports whether the method is one of the supported settlement methods.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodGateway || m == PaymentMethodCOD
}

// CartLine is a single priced entry submitted at checkout. UnitPrice is in the
// smallest currency unit (paise).
type CartLine struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
}

// LineTotal returns UnitPrice multiplied by Quantity.
func (l CartLine) LineTotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// PriceBreakdown holds the rolled-up monetary fields for a cart, all in the
// smallest currency unit.
type PriceBreakdown struct {
	Subtotal    int64
	DeliveryFee int64
	Tax         int64
	Total       int64
}

// Address represents the delivery address snapshot frozen on each order.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      string
	PostalCode string
	Phone      string
}

// OrderLineItem mirrors cart lines at the time the order was placed.
type OrderLineItem struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
	Total     int64
}

// OrderPayment records gateway references for a verified online payment.
// COD orders carry no payment record until settled offline.
type OrderPayment struct {
	Provider         string
	GatewayOrderID   string
	GatewayPaymentID string
	VerifiedAt       time.Time
}

// OrderAudit records the actors responsible for creating/updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// Order captures the immutable purchase snapshot plus its mutable status.
type Order struct {
	ID            string
	OrderNumber   string
	CustomerID    string
	CustomerEmail string
	Status        OrderStatus
	PaymentMethod PaymentMethod
	Currency      string
	Items         []OrderLineItem
	Totals        PriceBreakdown
	Address       Address
	Payment       *OrderPayment
	Audit         OrderAudit
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
}

// Product is the read-only catalog projection consulted for price checks.
type Product struct {
	ID        string
	Name      string
	Price     int64
	Currency  string
	Available bool
}

// GatewayEventStatus enumerates reconciliation states for recorded gateway events.
type GatewayEventStatus string

const (
	// GatewayEventRecorded indicates the event arrived but has not been matched to an order.
	GatewayEventRecorded GatewayEventStatus = "recorded"
	// GatewayEventMatched indicates an order referencing the payment exists.
	GatewayEventMatched GatewayEventStatus = "matched"
	// GatewayEventOrphaned indicates the payment was captured but no order ever arrived.
	GatewayEventOrphaned GatewayEventStatus = "orphaned"
)

// GatewayEvent stores a payment notification received from the gateway webhook,
// keyed by the gateway payment id. It is the reconciliation source of truth.
type GatewayEvent struct {
	PaymentID      string
	GatewayOrderID string
	EventType      string
	AmountMinor    int64
	Currency       string
	Status         GatewayEventStatus
	ReceivedAt     time.Time
	UpdatedAt      time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// Page packages list results with pagination metadata. TotalPages is the
// ceiling of the matching row count over the page size.
type Page[T any] struct {
	Items      []T
	Page       int
	PageSize   int
	TotalPages int
	TotalItems int64
}
