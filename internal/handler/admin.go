package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/service"
	"github.com/DukeRupert/quotaledger/internal/worker"
)

// JobTrigger runs a background job ahead of its schedule.
type JobTrigger interface {
	Trigger(jobType string) error
}

// AdminHandler handles privileged ledger requests.
type AdminHandler struct {
	admin  service.SubscriptionAdmin
	jobs   JobTrigger
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler. jobs may be nil, in which case
// the job trigger route answers 404.
func NewAdminHandler(admin service.SubscriptionAdmin, jobs JobTrigger, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		admin:  admin,
		jobs:   jobs,
		logger: logger,
	}
}

// RegisterRoutes registers admin routes with the provided middleware.
func (h *AdminHandler) RegisterRoutes(
	mux *http.ServeMux,
	requireAdmin func(http.Handler) http.Handler,
) {
	mux.Handle("POST /api/admin/accounts/{id}/premium", requireAdmin(http.HandlerFunc(h.GrantPremium)))
	mux.Handle("POST /api/admin/accounts/{id}/credits", requireAdmin(http.HandlerFunc(h.AddCredits)))
	mux.Handle("GET /api/admin/stats", requireAdmin(http.HandlerFunc(h.Stats)))
	mux.Handle("POST /api/admin/jobs/{type}/run", requireAdmin(http.HandlerFunc(h.RunJob)))
}

// GrantPremiumRequest is the body of the premium grant route. Duration is a
// Go duration string ("720h"); Days is the alternative. With neither the
// default grant applies.
type GrantPremiumRequest struct {
	Duration string `json:"duration,omitempty"`
	Days     int    `json:"days,omitempty"`
}

// maxGrantDays keeps Days*24h far from time.Duration overflow.
const maxGrantDays = 3650

func (req GrantPremiumRequest) resolve(op string) (time.Duration, error) {
	switch {
	case req.Duration != "" && req.Days != 0:
		return 0, domain.NewValidationError(op, "duration", "Provide either duration or days, not both")
	case req.Duration != "":
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			return 0, domain.NewValidationError(op, "duration", "Duration must look like 720h or 90m")
		}
		return d, nil
	case req.Days > maxGrantDays:
		return 0, domain.NewValidationError(op, "days", fmt.Sprintf("Days must be at most %d", maxGrantDays))
	case req.Days != 0:
		return time.Duration(req.Days) * 24 * time.Hour, nil
	default:
		return service.DefaultGrantDuration, nil
	}
}

// GrantPremium sets premium until now+duration, replacing any existing expiry.
func (h *AdminHandler) GrantPremium(w http.ResponseWriter, r *http.Request) {
	const op = "handler.admin.grant_premium"

	var req GrantPremiumRequest
	if err := decodeOptionalJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	d, err := req.resolve(op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	a, err := h.admin.GrantPremium(r.Context(), r.PathValue("id"), d)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("premium granted via admin API",
		"account_id", a.ID,
		"duration", d.String(),
	)
	writeJSON(w, http.StatusOK, toAccountResponse(a, ""))
}

// AddCreditsRequest is the body of the credits route.
type AddCreditsRequest struct {
	Amount int64 `json:"amount"`
}

// AddCredits adds to an account's credit counter.
func (h *AdminHandler) AddCredits(w http.ResponseWriter, r *http.Request) {
	const op = "handler.admin.add_credits"

	var req AddCreditsRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	a, err := h.admin.AddCredits(r.Context(), r.PathValue("id"), req.Amount)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(a, ""))
}

// Stats returns aggregate counters.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.Stats(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		TotalAccounts:    stats.TotalAccounts,
		PremiumAccounts:  stats.PremiumAccounts,
		VerifiedAccounts: stats.VerifiedAccounts,
		TotalCredits:     stats.TotalCredits,
		TotalReferrals:   stats.TotalReferrals,
	})
}

// RunJob triggers a registered background job. The run is asynchronous
// and still subject to the job lease.
func (h *AdminHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	jobType := r.PathValue("type")

	if h.jobs == nil {
		NotFoundResponse(w, r, h.logger)
		return
	}

	if err := h.jobs.Trigger(jobType); err != nil {
		if errors.Is(err, worker.ErrUnknownJobType) {
			NotFoundResponse(w, r, h.logger)
			return
		}
		ErrorResponse(w, r, h.logger, domain.Internal(err, "handler.admin.run_job", "Failed to trigger job"))
		return
	}

	h.logger.Info("job triggered via admin API", "job_type", jobType)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_type": jobType,
		"status":   "triggered",
	})
}
