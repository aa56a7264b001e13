package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sweetspot/orders-api/internal/platform/httpx"
	"github.com/sweetspot/orders-api/internal/services"
)

const maxInternalBodySize = 16 * 1024

type reconciliationRunRequest struct {
	GraceMinutes int `json:"grace_minutes,omitempty"`
	Limit        int `json:"limit,omitempty"`
}

type reconciliationRunResponse struct {
	Scanned  int    `json:"scanned"`
	Matched  int    `json:"matched"`
	Orphaned int    `json:"orphaned"`
	RanAt    string `json:"ran_at"`
}

// InternalHandlers exposes operator-only maintenance endpoints. The router
// guards the whole /internal group with service-to-service authentication.
type InternalHandlers struct {
	reconciliation services.ReconciliationService
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(reconciliation services.ReconciliationService) *InternalHandlers {
	return &InternalHandlers{reconciliation: reconciliation}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/reconciliation:run", h.runReconciliation)
}

func (h *InternalHandlers) runReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_unavailable", "reconciliation service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req reconciliationRunRequest
	body, err := readLimitedBody(r, maxInternalBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	report, err := h.reconciliation.Run(ctx, services.ReconciliationCommand{
		GracePeriod: time.Duration(req.GraceMinutes) * time.Minute,
		Limit:       req.Limit,
		ActorID:     "internal:reconciliation",
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_failed", "reconciliation sweep failed", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, reconciliationRunResponse{
		Scanned:  report.Scanned,
		Matched:  report.Matched,
		Orphaned: report.Orphaned,
		RanAt:    formatTime(report.RanAt),
	})
}
