package di

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/sweetspot/orders-api/internal/domain"
	"github.com/sweetspot/orders-api/internal/payments"
	"github.com/sweetspot/orders-api/internal/repositories"
)

type stubRegistry struct {
	closed bool
}

func (r *stubRegistry) Close(context.Context) error {
	r.closed = true
	return nil
}

func (r *stubRegistry) Orders() repositories.OrderRepository               { return stubOrderRepo{} }
func (r *stubRegistry) Catalog() repositories.CatalogRepository           { return stubCatalogRepo{} }
func (r *stubRegistry) GatewayEvents() repositories.GatewayEventRepository { return stubEventRepo{} }
func (r *stubRegistry) Counters() repositories.CounterRepository          { return stubCounterRepo{} }
func (r *stubRegistry) Health() repositories.HealthRepository             { return stubHealthRepo{} }

func (r *stubRegistry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type stubOrderRepo struct{}

func (stubOrderRepo) Insert(context.Context, domain.Order) error { return nil }
func (stubOrderRepo) FindByID(context.Context, string) (domain.Order, error) {
	return domain.Order{}, errors.New("not found")
}
func (stubOrderRepo) ListByCustomer(context.Context, string) ([]domain.Order, error) {
	return nil, nil
}
func (stubOrderRepo) ListPaged(context.Context, repositories.OrderPageQuery) (domain.Page[domain.Order], error) {
	return domain.Page[domain.Order]{}, nil
}
func (stubOrderRepo) UpdateStatus(context.Context, repositories.OrderStatusUpdate) (domain.Order, error) {
	return domain.Order{}, nil
}

type stubCatalogRepo struct{}

func (stubCatalogRepo) GetProduct(context.Context, string) (domain.Product, error) {
	return domain.Product{}, errors.New("not found")
}

type stubEventRepo struct{}

func (stubEventRepo) Record(context.Context, domain.GatewayEvent) error { return nil }
func (stubEventRepo) FindByPaymentID(context.Context, string) (domain.GatewayEvent, error) {
	return domain.GatewayEvent{}, errors.New("not found")
}
func (stubEventRepo) ListUnmatched(context.Context, time.Time, int) ([]domain.GatewayEvent, error) {
	return nil, nil
}
func (stubEventRepo) UpdateStatus(context.Context, string, domain.GatewayEventStatus, time.Time) error {
	return nil
}

type stubCounterRepo struct{}

func (stubCounterRepo) Next(context.Context, string, int64) (int64, error) { return 1, nil }
func (stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

type stubHealthRepo struct{}

func (stubHealthRepo) Collect(context.Context) (domain.SystemHealthReport, error) {
	return domain.SystemHealthReport{Status: domain.HealthStatusOK}, nil
}

type stubGateway struct{}

func (stubGateway) CreateIntent(context.Context, payments.IntentRequest) (payments.Intent, error) {
	return payments.Intent{}, nil
}
func (stubGateway) VerifyConfirmation(payments.Confirmation) error { return nil }
func (stubGateway) LookupPayment(context.Context, string) (payments.PaymentDetails, error) {
	return payments.PaymentDetails{}, nil
}

func TestNewContainerWiresServices(t *testing.T) {
	reg := &stubRegistry{}

	container, err := NewContainer(context.Background(), reg, Options{
		Gateway:       stubGateway{},
		GatewayKeyID:  "rzp_test_key",
		AllowGuestCOD: true,
		Currency:      "INR",
	})
	if err != nil {
		t.Fatalf("NewContainer returned error: %v", err)
	}

	if container.Services.Orders == nil {
		t.Error("expected order service to be wired")
	}
	if container.Services.Payments == nil {
		t.Error("expected payment service to be wired")
	}
	if container.Services.Reconciliation == nil {
		t.Error("expected reconciliation service to be wired")
	}
	if container.Services.System == nil {
		t.Error("expected system service to be wired")
	}

	if err := container.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if !reg.closed {
		t.Error("expected registry to be closed")
	}
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), nil, Options{}); err == nil {
		t.Fatal("expected error for nil registry")
	}
}
