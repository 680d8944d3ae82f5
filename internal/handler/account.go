package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/referral"
	"github.com/DukeRupert/quotaledger/internal/service"
)

// AccountHandler serves the account-facing ledger API used by the bot front end.
type AccountHandler struct {
	accounts    service.AccountService
	ledger      service.QuotaLedger
	referrals   service.ReferralTracker
	botUsername string
	logger      *slog.Logger
}

// NewAccountHandler creates a new AccountHandler. botUsername is used to
// build referral links and may be empty.
func NewAccountHandler(
	accounts service.AccountService,
	ledger service.QuotaLedger,
	referrals service.ReferralTracker,
	botUsername string,
	logger *slog.Logger,
) *AccountHandler {
	return &AccountHandler{
		accounts:    accounts,
		ledger:      ledger,
		referrals:   referrals,
		botUsername: botUsername,
		logger:      logger,
	}
}

// RegisterRoutes registers account routes. limitRegister wraps account
// creation and throttleLookups wraps lookup admission.
func (h *AccountHandler) RegisterRoutes(
	mux *http.ServeMux,
	limitRegister func(http.Handler) http.Handler,
	throttleLookups func(http.Handler) http.Handler,
) {
	mux.Handle("POST /api/accounts", limitRegister(http.HandlerFunc(h.Register)))
	mux.HandleFunc("GET /api/accounts/{id}", h.Usage)
	mux.HandleFunc("POST /api/accounts/{id}/verify", h.Verify)
	mux.Handle("POST /api/accounts/{id}/lookups", throttleLookups(http.HandlerFunc(h.Lookup)))
	mux.HandleFunc("POST /api/accounts/{id}/conversions", h.Convert)
	mux.HandleFunc("GET /api/accounts/{id}/referrals", h.Referrals)
}

// RegisterRequest is the body of POST /api/accounts.
type RegisterRequest struct {
	ID           string `json:"id"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// Register handles first contact. 201 when the account was created, 200
// when it already existed.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	const op = "handler.account.register"

	var req RegisterRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		ValidationErrorResponse(w, r, h.logger, domain.NewValidationError(op, "id", "Account ID is required"))
		return
	}

	reg, err := h.accounts.Register(r.Context(), domain.RegisterParams{
		ID:           req.ID,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	resp := toAccountResponse(reg.Account, h.link(reg.Account.ReferralCode))
	resp.Referred = reg.Referred
	writeJSON(w, status, resp)
}

// Usage returns the read-only quota view.
func (h *AccountHandler) Usage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	u, err := h.ledger.Usage(r.Context(), id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{
		AccountID:        id,
		WindowUsed:       u.WindowUsed,
		WindowLimit:      u.WindowLimit,
		WindowRemaining:  u.WindowRemaining,
		ResetInSeconds:   seconds(u.ResetIn),
		BonusLookups:     u.BonusLookups,
		PendingReferrals: u.PendingReferrals,
		ReferralsNeeded:  u.ReferralsNeeded,
		PremiumActive:    u.PremiumActive,
		PremiumExpiry:    u.PremiumExpiry,
		Credits:          u.Credits,
		ReferralCode:     u.ReferralCode,
		ReferralLink:     h.link(u.ReferralCode),
	})
}

// Verify records channel membership.
func (h *AccountHandler) Verify(w http.ResponseWriter, r *http.Request) {
	a, err := h.accounts.MarkVerified(r.Context(), r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(a, h.link(a.ReferralCode)))
}

// LookupRequest is the body of POST /api/accounts/{id}/lookups. An omitted
// body consumes quota without a category.
type LookupRequest struct {
	Kind string `json:"kind,omitempty"`
}

// Lookup runs one admission attempt. Admit and deny both answer 200; the
// decision is in the body.
func (h *AccountHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	const op = "handler.account.lookup"
	id := r.PathValue("id")

	var req LookupRequest
	if err := decodeOptionalJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var (
		d   *domain.Decision
		err error
	)
	if req.Kind == "" {
		d, err = h.ledger.Consume(r.Context(), id)
	} else {
		d, err = h.ledger.ConsumeLookup(r.Context(), id, domain.LookupKind(req.Kind))
	}
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := DecisionResponse{
		Admitted:        d.Admitted,
		Kind:            req.Kind,
		Source:          string(d.Source),
		Converted:       d.Converted,
		Reason:          string(d.Reason),
		ReferralsNeeded: d.ReferralsNeeded,
		ResetInSeconds:  seconds(d.ResetIn),
		BonusLookups:    d.Account.BonusLookups,
		WindowUsed:      d.Account.WindowCount,
	}
	if d.Reason == domain.DenyReasonQuotaExhausted {
		resp.ReferralLink = h.link(d.Account.ReferralCode)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Convert explicitly converts one batch of pending referrals.
func (h *AccountHandler) Convert(w http.ResponseWriter, r *http.Request) {
	c, err := h.ledger.ConvertReferrals(r.Context(), r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ConversionResponse{
		Converted:        c.Converted,
		BonusGranted:     c.BonusGranted,
		ReferralsNeeded:  c.ReferralsNeeded,
		BonusLookups:     c.Account.BonusLookups,
		PendingReferrals: c.Account.PendingReferrals,
	})
}

// Referrals lists the accounts this account referred, newest first.
func (h *AccountHandler) Referrals(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Distinguish "no referrals" from "no such account"
	if _, err := h.accounts.GetByID(r.Context(), id); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	records, err := h.referrals.List(r.Context(), id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := make([]ReferralResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, ReferralResponse{
			ReferredID: rec.ReferredID,
			CreatedAt:  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"referrals": resp,
		"count":     len(resp),
	})
}

func (h *AccountHandler) link(code string) string {
	return referral.Link(h.botUsername, code)
}
