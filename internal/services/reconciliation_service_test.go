package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/sweetspot/orders-api/internal/domain"
	"github.com/sweetspot/orders-api/internal/payments"
)

func newTestReconciliationService(t *testing.T, deps ReconciliationServiceDeps) ReconciliationService {
	t.Helper()
	if deps.GatewayEvents == nil {
		deps.GatewayEvents = &stubGatewayEventRepo{}
	}
	if deps.Gateway == nil {
		deps.Gateway = &stubGatewayProvider{}
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) }
	}
	svc, err := NewReconciliationService(deps)
	if err != nil {
		t.Fatalf("NewReconciliationService returned error: %v", err)
	}
	return svc
}

func unmatchedEvent(paymentID string) domain.GatewayEvent {
	return domain.GatewayEvent{
		PaymentID:      paymentID,
		GatewayOrderID: "order_G_" + paymentID,
		EventType:      "payment.captured",
		AmountMinor:    26000,
		Currency:       "INR",
		Status:         domain.GatewayEventRecorded,
	}
}

func TestReconciliationRun(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("flags captured payments with no order", func(t *testing.T) {
		var marked []string
		var cutoffSeen time.Time
		events := captureOrderEvents{}
		svc := newTestReconciliationService(t, ReconciliationServiceDeps{
			GatewayEvents: &stubGatewayEventRepo{
				listFn: func(_ context.Context, cutoff time.Time, limit int) ([]domain.GatewayEvent, error) {
					cutoffSeen = cutoff
					if limit != defaultReconciliationLimit {
						t.Fatalf("limit = %d", limit)
					}
					return []domain.GatewayEvent{unmatchedEvent("pay_A"), unmatchedEvent("pay_B")}, nil
				},
				updateStatusFn: func(_ context.Context, paymentID string, status domain.GatewayEventStatus, _ time.Time) error {
					if status != domain.GatewayEventOrphaned {
						t.Fatalf("status = %s", status)
					}
					marked = append(marked, paymentID)
					return nil
				},
			},
			Gateway: &stubGatewayProvider{lookupFn: func(_ context.Context, paymentID string) (payments.PaymentDetails, error) {
				status := payments.StatusCaptured
				if paymentID == "pay_B" {
					status = payments.StatusFailed
				}
				return payments.PaymentDetails{PaymentID: paymentID, Status: status, AmountMinor: 26000, Currency: "INR"}, nil
			}},
			Events: &events,
		})

		report, err := svc.Run(ctx, ReconciliationCommand{ActorID: "job_recon"})
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		if report.Scanned != 2 || report.Orphaned != 1 || report.Matched != 1 {
			t.Fatalf("report = %+v", report)
		}
		if !report.RanAt.Equal(now) {
			t.Fatalf("ranAt = %v", report.RanAt)
		}
		if want := now.Add(-defaultReconciliationGrace); !cutoffSeen.Equal(want) {
			t.Fatalf("cutoff = %v, want %v", cutoffSeen, want)
		}
		if len(marked) != 1 || marked[0] != "pay_A" {
			t.Fatalf("marked = %v", marked)
		}
		if len(events.events) != 1 || events.events[0].Type != "payment.orphaned" {
			t.Fatalf("events = %+v", events.events)
		}
		if events.events[0].Metadata["gatewayPaymentId"] != "pay_A" {
			t.Fatalf("metadata = %+v", events.events[0].Metadata)
		}
	})

	t.Run("honours explicit grace and limit", func(t *testing.T) {
		var limitSeen int
		var cutoffSeen time.Time
		svc := newTestReconciliationService(t, ReconciliationServiceDeps{
			GatewayEvents: &stubGatewayEventRepo{
				listFn: func(_ context.Context, cutoff time.Time, limit int) ([]domain.GatewayEvent, error) {
					cutoffSeen = cutoff
					limitSeen = limit
					return nil, nil
				},
			},
		})

		_, err := svc.Run(ctx, ReconciliationCommand{GracePeriod: 2 * time.Hour, Limit: 10})
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		if limitSeen != 10 {
			t.Fatalf("limit = %d", limitSeen)
		}
		if want := now.Add(-2 * time.Hour); !cutoffSeen.Equal(want) {
			t.Fatalf("cutoff = %v, want %v", cutoffSeen, want)
		}
	})

	t.Run("skips candidates the gateway cannot answer for", func(t *testing.T) {
		svc := newTestReconciliationService(t, ReconciliationServiceDeps{
			GatewayEvents: &stubGatewayEventRepo{
				listFn: func(context.Context, time.Time, int) ([]domain.GatewayEvent, error) {
					return []domain.GatewayEvent{unmatchedEvent("pay_A")}, nil
				},
				updateStatusFn: func(context.Context, string, domain.GatewayEventStatus, time.Time) error {
					t.Fatal("update must not be called on lookup failure")
					return nil
				},
			},
			Gateway: &stubGatewayProvider{lookupFn: func(context.Context, string) (payments.PaymentDetails, error) {
				return payments.PaymentDetails{}, payments.ErrGatewayUnavailable
			}},
		})

		report, err := svc.Run(ctx, ReconciliationCommand{})
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		if report.Scanned != 1 || report.Orphaned != 0 {
			t.Fatalf("report = %+v", report)
		}
	})

	t.Run("propagates listing failures", func(t *testing.T) {
		svc := newTestReconciliationService(t, ReconciliationServiceDeps{
			GatewayEvents: &stubGatewayEventRepo{
				listFn: func(context.Context, time.Time, int) ([]domain.GatewayEvent, error) {
					return nil, errors.New("backend down")
				},
			},
		})
		if _, err := svc.Run(ctx, ReconciliationCommand{}); err == nil {
			t.Fatal("Run should propagate listing errors")
		}
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		svc := newTestReconciliationService(t, ReconciliationServiceDeps{
			GatewayEvents: &stubGatewayEventRepo{
				listFn: func(context.Context, time.Time, int) ([]domain.GatewayEvent, error) {
					cancel()
					return []domain.GatewayEvent{unmatchedEvent("pay_A")}, nil
				},
			},
		})
		if _, err := svc.Run(cancelled, ReconciliationCommand{}); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}
