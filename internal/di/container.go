package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sweetspot/orders-api/internal/payments"
	"github.com/sweetspot/orders-api/internal/repositories"
	"github.com/sweetspot/orders-api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders         services.OrderService
	Payments       services.PaymentService
	Reconciliation services.ReconciliationService
	System         services.SystemService
}

// Options carries the collaborators that live outside the repository registry.
type Options struct {
	Gateway payments.Provider
	// GatewayKeyID is the public key identifier returned to clients with payment intents.
	GatewayKeyID string
	Events       services.OrderEventPublisher
	Build        services.BuildInfo
	// AllowGuestCOD permits unauthenticated cash-on-delivery checkout.
	AllowGuestCOD bool
	Currency      string
	Clock         func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, reg repositories.Registry, opts Options) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, opts)
	if err != nil {
		return nil, err
	}

	return &Container{
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, opts Options) (Services, error) {
	var svc Services

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Counters:         reg.Counters(),
			Clock:            clock,
			Build:            opts.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	ordersRepo := reg.Orders()
	gatewayEvents := reg.GatewayEvents()

	if ordersRepo != nil && opts.Gateway != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:        ordersRepo,
			Catalog:       reg.Catalog(),
			Counters:      reg.Counters(),
			GatewayEvents: gatewayEvents,
			Pricing:       services.NewCartPricingEngine(),
			Gateway:       opts.Gateway,
			Events:        opts.Events,
			Clock:         clock,
			AllowGuestCOD: opts.AllowGuestCOD,
			Currency:      opts.Currency,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	if gatewayEvents != nil && opts.Gateway != nil {
		paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
			Gateway:       opts.Gateway,
			KeyID:         opts.GatewayKeyID,
			GatewayEvents: gatewayEvents,
			Clock:         clock,
			Currency:      opts.Currency,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment service: %w", err)
		}
		svc.Payments = paymentSvc

		reconciliationSvc, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
			GatewayEvents: gatewayEvents,
			Gateway:       opts.Gateway,
			Events:        opts.Events,
			Clock:         clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build reconciliation service: %w", err)
		}
		svc.Reconciliation = reconciliationSvc
	}

	return svc, nil
}
