// Package domain contains core business types and interfaces.
//
// This file defines the Account ledger row and the referral record. Accounts
// are owned by the repository layer; everything else refers to them by ID.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is the per-user ledger state.
//
// WindowStart is nil when no daily window is open. The window is reset
// lazily by the next consumption attempt, so WindowStart may still point at
// an elapsed window while the account sits idle.
type Account struct {
	ID                 string
	PremiumActive      bool
	PremiumExpiry      *time.Time
	WindowCount        int
	WindowStart        *time.Time
	BonusLookups       int
	PendingReferrals   int
	Credits            int64
	ReferralCode       string // immutable once created
	ReferrerID         string // empty when the account was not referred
	VerifiedMembership bool

	// Version increments on every write and backs compare-and-swap updates.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing the
// stored timestamps.
func (a Account) Clone() Account {
	c := a
	if a.PremiumExpiry != nil {
		t := *a.PremiumExpiry
		c.PremiumExpiry = &t
	}
	if a.WindowStart != nil {
		t := *a.WindowStart
		c.WindowStart = &t
	}
	return c
}

// HasPremium reports whether premium is in effect at now. An account may
// still be flagged active for up to one sweep interval past its expiry;
// this check does not trust the flag alone.
func (a *Account) HasPremium(now time.Time) bool {
	if !a.PremiumActive {
		return false
	}
	return a.PremiumExpiry == nil || a.PremiumExpiry.After(now)
}

// PremiumExpired reports whether the sweep should demote the account.
func (a *Account) PremiumExpired(now time.Time) bool {
	return a.PremiumActive && a.PremiumExpiry != nil && a.PremiumExpiry.Before(now)
}

// GrantPremium sets premium until now+d, replacing any previous expiry.
func (a *Account) GrantPremium(now time.Time, d time.Duration) {
	expiry := now.Add(d)
	a.PremiumActive = true
	a.PremiumExpiry = &expiry
}

// RevokePremium clears premium state.
func (a *Account) RevokePremium() {
	a.PremiumActive = false
	a.PremiumExpiry = nil
}

// ReferralRecord is one successful referral. ReferredID is unique.
type ReferralRecord struct {
	ID         uuid.UUID
	ReferrerID string
	ReferredID string
	CreatedAt  time.Time
}

// NewReferralRecord builds a record with a fresh ID.
func NewReferralRecord(referrerID, referredID string, at time.Time) ReferralRecord {
	return ReferralRecord{
		ID:         uuid.New(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		CreatedAt:  at,
	}
}

// RegisterParams contains the parameters for first contact with an account.
type RegisterParams struct {
	ID           string
	ReferralCode string // optional code of the referring account
}

// Registration is the result of AccountService.Register.
type Registration struct {
	Account  *Account
	Created  bool // false when the account already existed
	Referred bool // true when a referral was recorded for this registration
}

// LedgerStats aggregates counters for the admin stats view.
type LedgerStats struct {
	TotalAccounts    int64
	PremiumAccounts  int64
	VerifiedAccounts int64
	TotalCredits     int64
	TotalReferrals   int64
}
