package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
)

// maxBodyBytes caps request bodies; every payload here is a few fields.
const maxBodyBytes = 64 << 10

// decodeJSON decodes the request body into dst. Unknown fields, trailing
// data and an empty body are rejected with domain.EINVALID.
func decodeJSON(w http.ResponseWriter, r *http.Request, op string, dst interface{}) error {
	err := decodeBody(w, r, dst)
	if errors.Is(err, io.EOF) {
		return domain.Invalid(op, "Request body is required")
	}
	return err
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be omitted.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, op string, dst interface{}) error {
	err := decodeBody(w, r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	const op = "handler.decode_json"

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.Invalid(op, "Request body is too large")
		}
		return domain.Invalid(op, "Request body is not valid JSON")
	}
	if dec.More() {
		return domain.Invalid(op, "Request body must contain a single JSON object")
	}
	return nil
}

// =============================================================================
// Response Types
// =============================================================================

// AccountResponse is the public view of an account.
type AccountResponse struct {
	ID                 string     `json:"id"`
	PremiumActive      bool       `json:"premium_active"`
	PremiumExpiry      *time.Time `json:"premium_expiry,omitempty"`
	BonusLookups       int        `json:"bonus_lookups"`
	PendingReferrals   int        `json:"pending_referrals"`
	Credits            int64      `json:"credits"`
	ReferralCode       string     `json:"referral_code"`
	ReferralLink       string     `json:"referral_link,omitempty"`
	Referred           bool       `json:"referred"` // on registration: a referral was recorded by this request
	VerifiedMembership bool       `json:"verified_membership"`
	CreatedAt          time.Time  `json:"created_at"`
}

// UsageResponse is the quota view returned by GET /api/accounts/{id}.
type UsageResponse struct {
	AccountID        string     `json:"account_id"`
	WindowUsed       int        `json:"window_used"`
	WindowLimit      int        `json:"window_limit"`
	WindowRemaining  int        `json:"window_remaining"`
	ResetInSeconds   int64      `json:"reset_in_seconds"`
	BonusLookups     int        `json:"bonus_lookups"`
	PendingReferrals int        `json:"pending_referrals"`
	ReferralsNeeded  int        `json:"referrals_needed"`
	PremiumActive    bool       `json:"premium_active"`
	PremiumExpiry    *time.Time `json:"premium_expiry,omitempty"`
	Credits          int64      `json:"credits"`
	ReferralCode     string     `json:"referral_code"`
	ReferralLink     string     `json:"referral_link,omitempty"`
}

// DecisionResponse is the result of a lookup admission attempt.
type DecisionResponse struct {
	Admitted        bool   `json:"admitted"`
	Kind            string `json:"kind,omitempty"`
	Source          string `json:"source,omitempty"`
	Converted       bool   `json:"converted"`
	Reason          string `json:"reason,omitempty"`
	ReferralsNeeded int    `json:"referrals_needed,omitempty"`
	ResetInSeconds  int64  `json:"reset_in_seconds,omitempty"`
	ReferralLink    string `json:"referral_link,omitempty"`
	BonusLookups    int    `json:"bonus_lookups"`
	WindowUsed      int    `json:"window_used"`
}

// ConversionResponse is the result of an explicit referral conversion.
type ConversionResponse struct {
	Converted        bool `json:"converted"`
	BonusGranted     int  `json:"bonus_granted"`
	ReferralsNeeded  int  `json:"referrals_needed"`
	BonusLookups     int  `json:"bonus_lookups"`
	PendingReferrals int  `json:"pending_referrals"`
}

// ReferralResponse is one referral record.
type ReferralResponse struct {
	ReferredID string    `json:"referred_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatsResponse mirrors domain.LedgerStats.
type StatsResponse struct {
	TotalAccounts    int64 `json:"total_accounts"`
	PremiumAccounts  int64 `json:"premium_accounts"`
	VerifiedAccounts int64 `json:"verified_accounts"`
	TotalCredits     int64 `json:"total_credits"`
	TotalReferrals   int64 `json:"total_referrals"`
}

func toAccountResponse(a *domain.Account, link string) AccountResponse {
	return AccountResponse{
		ID:                 a.ID,
		PremiumActive:      a.PremiumActive,
		PremiumExpiry:      a.PremiumExpiry,
		BonusLookups:       a.BonusLookups,
		PendingReferrals:   a.PendingReferrals,
		Credits:            a.Credits,
		ReferralCode:       a.ReferralCode,
		ReferralLink:       link,
		Referred:           a.ReferrerID != "",
		VerifiedMembership: a.VerifiedMembership,
		CreatedAt:          a.CreatedAt,
	}
}

// seconds rounds d up so a client never retries a moment too early.
func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
