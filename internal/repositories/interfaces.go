package repositories

import (
	"context"
	"time"

	domain "github.com/sweetspot/orders-api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Catalog() CatalogRepository
	GatewayEvents() GatewayEventRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents and provides query helpers for
// customers and staff. Orders are append-only apart from status transitions.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// ListByCustomer returns every order belonging to the customer, most
	// recent first. The customer key matches either the account id or the
	// email recorded on the order.
	ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error)
	// ListPaged returns one 1-indexed page of orders, newest first. Pages
	// before the first or beyond the final one yield an empty item slice,
	// not an error.
	ListPaged(ctx context.Context, query OrderPageQuery) (domain.Page[domain.Order], error)
	// UpdateStatus transitions an order from one status to another. The
	// precondition on the current status is evaluated atomically; a racing
	// writer surfaces as a conflict through RepositoryError.
	UpdateStatus(ctx context.Context, update OrderStatusUpdate) (domain.Order, error)
}

// OrderPageQuery controls pagination and status filtering for staff listings.
type OrderPageQuery struct {
	Pagination domain.Pagination
	// Status filters to a single lifecycle state when non-empty. Matching is
	// exact after normalisation; callers lower-case before querying.
	Status domain.OrderStatus
}

// OrderStatusUpdate carries the fields mutated during a status transition.
type OrderStatusUpdate struct {
	OrderID   string
	From      domain.OrderStatus
	To        domain.OrderStatus
	UpdatedBy string
	At        time.Time
}

// CatalogRepository exposes the read-only product projection used for price
// verification. Catalog writes belong to a separate system.
type CatalogRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
}

// GatewayEventRepository records payment notifications received from the
// gateway webhook, keyed by gateway payment id.
type GatewayEventRepository interface {
	Record(ctx context.Context, event domain.GatewayEvent) error
	FindByPaymentID(ctx context.Context, paymentID string) (domain.GatewayEvent, error)
	// ListUnmatched returns recorded events received before the cutoff that
	// have not been tied to an order yet.
	ListUnmatched(ctx context.Context, cutoff time.Time, limit int) ([]domain.GatewayEvent, error)
	UpdateStatus(ctx context.Context, paymentID string, status domain.GatewayEventStatus, at time.Time) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
