package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/sweetspot/orders-api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

func newTestSystemService(t *testing.T, deps SystemServiceDeps) SystemService {
	t.Helper()
	if deps.HealthRepository == nil {
		deps.HealthRepository = &stubHealthRepository{}
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) }
	}
	svc, err := NewSystemService(deps)
	if err != nil {
		t.Fatalf("NewSystemService returned error: %v", err)
	}
	return svc
}

func TestSystemServiceHealthReport(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("fills build metadata and derives status", func(t *testing.T) {
		repo := &stubHealthRepository{report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
			},
		}}
		svc := newTestSystemService(t, SystemServiceDeps{
			HealthRepository: repo,
			Build: BuildInfo{
				Version:     "1.4.0",
				CommitSHA:   "abc123",
				Environment: "staging",
				StartedAt:   now.Add(-90 * time.Minute),
			},
		})

		report, err := svc.HealthReport(ctx)
		if err != nil {
			t.Fatalf("HealthReport returned error: %v", err)
		}
		if report.Status != domain.HealthStatusOK {
			t.Fatalf("status = %q", report.Status)
		}
		if report.Version != "1.4.0" || report.CommitSHA != "abc123" || report.Environment != "staging" {
			t.Fatalf("build metadata = %+v", report)
		}
		if report.Uptime != 90*time.Minute {
			t.Fatalf("uptime = %v", report.Uptime)
		}
		if !report.GeneratedAt.Equal(now) {
			t.Fatalf("generatedAt = %v", report.GeneratedAt)
		}
		if repo.calls != 1 {
			t.Fatalf("collect calls = %d", repo.calls)
		}
	})

	t.Run("degraded check downgrades the overall status", func(t *testing.T) {
		svc := newTestSystemService(t, SystemServiceDeps{
			HealthRepository: &stubHealthRepository{report: domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"pubsub":    {Status: domain.HealthStatusDegraded},
				},
			}},
		})
		report, err := svc.HealthReport(ctx)
		if err != nil {
			t.Fatalf("HealthReport returned error: %v", err)
		}
		if report.Status != domain.HealthStatusDegraded {
			t.Fatalf("status = %q", report.Status)
		}
	})

	t.Run("failing check forces an error status", func(t *testing.T) {
		svc := newTestSystemService(t, SystemServiceDeps{
			HealthRepository: &stubHealthRepository{report: domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusError, Error: "deadline exceeded"},
					"pubsub":    {Status: domain.HealthStatusOK},
				},
			}},
		})
		report, err := svc.HealthReport(ctx)
		if err != nil {
			t.Fatalf("HealthReport returned error: %v", err)
		}
		if report.Status != domain.HealthStatusError {
			t.Fatalf("status = %q", report.Status)
		}
	})

	t.Run("repository status wins when already set", func(t *testing.T) {
		svc := newTestSystemService(t, SystemServiceDeps{
			HealthRepository: &stubHealthRepository{report: domain.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
			}},
		})
		report, err := svc.HealthReport(ctx)
		if err != nil {
			t.Fatalf("HealthReport returned error: %v", err)
		}
		if report.Status != domain.HealthStatusDegraded {
			t.Fatalf("status = %q", report.Status)
		}
	})

	t.Run("propagates collection failures", func(t *testing.T) {
		svc := newTestSystemService(t, SystemServiceDeps{
			HealthRepository: &stubHealthRepository{err: errors.New("probe failed")},
		})
		if _, err := svc.HealthReport(ctx); err == nil {
			t.Fatal("HealthReport should propagate collection errors")
		}
	})
}

func TestSystemServiceNextCounterValue(t *testing.T) {
	ctx := context.Background()

	t.Run("delegates with defaulted step", func(t *testing.T) {
		var gotID string
		var gotStep int64
		svc := newTestSystemService(t, SystemServiceDeps{
			Counters: &stubCounterRepo{nextFn: func(_ context.Context, counterID string, step int64) (int64, error) {
				gotID = counterID
				gotStep = step
				return 42, nil
			}},
		})
		value, err := svc.NextCounterValue(ctx, CounterCommand{CounterID: " orders-2025 "})
		if err != nil {
			t.Fatalf("NextCounterValue returned error: %v", err)
		}
		if value != 42 || gotID != "orders-2025" || gotStep != 1 {
			t.Fatalf("value=%d id=%q step=%d", value, gotID, gotStep)
		}
	})

	t.Run("requires a counter id", func(t *testing.T) {
		svc := newTestSystemService(t, SystemServiceDeps{Counters: &stubCounterRepo{}})
		if _, err := svc.NextCounterValue(ctx, CounterCommand{}); err == nil {
			t.Fatal("NextCounterValue should reject an empty counter id")
		}
	})

	t.Run("fails when counters are not configured", func(t *testing.T) {
		svc := newTestSystemService(t, SystemServiceDeps{})
		if _, err := svc.NextCounterValue(ctx, CounterCommand{CounterID: "orders"}); err == nil {
			t.Fatal("NextCounterValue should fail without a counter repository")
		}
	})
}
