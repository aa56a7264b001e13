package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/sweetspot/orders-api/internal/domain"
	"github.com/sweetspot/orders-api/internal/payments"
	"github.com/sweetspot/orders-api/internal/repositories"
)

const (
	defaultReconciliationGrace = 30 * time.Minute
	defaultReconciliationLimit = 100

	paymentEventOrphaned = "payment.orphaned"
)

// PaymentLookup is the slice of the gateway adapter reconciliation needs.
type PaymentLookup interface {
	LookupPayment(ctx context.Context, paymentID string) (payments.PaymentDetails, error)
}

// ReconciliationServiceDeps bundles collaborators for the reconciliation sweep.
type ReconciliationServiceDeps struct {
	GatewayEvents repositories.GatewayEventRepository
	Gateway       PaymentLookup
	Events        OrderEventPublisher
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	gatewayEvents repositories.GatewayEventRepository
	gateway       PaymentLookup
	events        OrderEventPublisher
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewReconciliationService wires dependencies into a ReconciliationService.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.GatewayEvents == nil {
		return nil, errors.New("reconciliation service: gateway event repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("reconciliation service: gateway lookup is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &reconciliationService{
		gatewayEvents: deps.GatewayEvents,
		gateway:       deps.Gateway,
		events:        deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Run sweeps captured payments that never produced an order. Each suspect is
// re-checked against the gateway before being flagged; the sweep only marks
// and notifies, it never creates orders on its own.
func (s *reconciliationService) Run(ctx context.Context, cmd ReconciliationCommand) (ReconciliationReport, error) {
	grace := cmd.GracePeriod
	if grace <= 0 {
		grace = defaultReconciliationGrace
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultReconciliationLimit
	}

	now := s.clock()
	cutoff := now.Add(-grace)

	candidates, err := s.gatewayEvents.ListUnmatched(ctx, cutoff, limit)
	if err != nil {
		return ReconciliationReport{}, err
	}

	report := ReconciliationReport{RanAt: now}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		details, err := s.gateway.LookupPayment(ctx, candidate.PaymentID)
		if err != nil {
			// Unknown outcome; leave the event for the next sweep.
			s.logger(ctx, "reconciliation.lookup.failed", map[string]any{
				"gatewayPaymentId": candidate.PaymentID,
				"error":            err.Error(),
			})
			continue
		}
		if details.Status != payments.StatusCaptured {
			// Not money at risk; authorized-only and failed payments settle
			// through the gateway's own lifecycle.
			continue
		}

		if err := s.gatewayEvents.UpdateStatus(ctx, candidate.PaymentID, domain.GatewayEventOrphaned, now); err != nil {
			s.logger(ctx, "reconciliation.mark.failed", map[string]any{
				"gatewayPaymentId": candidate.PaymentID,
				"error":            err.Error(),
			})
			continue
		}
		report.Orphaned++

		s.publish(ctx, OrderEvent{
			Type:       paymentEventOrphaned,
			ActorID:    cmd.ActorID,
			OccurredAt: now,
			Metadata: map[string]any{
				"gatewayPaymentId": candidate.PaymentID,
				"gatewayOrderId":   candidate.GatewayOrderID,
				"amount":           details.AmountMinor,
				"currency":         details.Currency,
			},
		})
	}
	report.Matched = report.Scanned - report.Orphaned

	s.logger(ctx, "reconciliation.completed", map[string]any{
		"scanned":  report.Scanned,
		"orphaned": report.Orphaned,
	})
	return report, nil
}

func (s *reconciliationService) publish(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "reconciliation.event.publish.failed", map[string]any{
			"type":  event.Type,
			"error": err.Error(),
		})
	}
}
