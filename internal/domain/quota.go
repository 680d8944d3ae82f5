// Package domain contains core business types and interfaces.
//
// This file defines the quota state machine: how a single lookup is paid for
// (bonus, daily window, or auto-converted referrals) and how pending
// referrals convert into bonus capacity.
package domain

import "time"

// Reference values for the ledger constants.
const (
	DefaultDailyLimit        = 5
	DefaultBonusBatchSize    = 5
	DefaultReferralsRequired = 2
	DefaultWindow            = 24 * time.Hour
)

// QuotaPolicy holds the ledger constants. All values must be positive.
type QuotaPolicy struct {
	DailyLimit        int           // lookups per window
	BonusBatchSize    int           // bonus lookups granted per conversion
	ReferralsRequired int           // pending referrals spent per conversion
	Window            time.Duration // length of the rolling window
}

// DefaultQuotaPolicy returns the reference policy.
func DefaultQuotaPolicy() QuotaPolicy {
	return QuotaPolicy{
		DailyLimit:        DefaultDailyLimit,
		BonusBatchSize:    DefaultBonusBatchSize,
		ReferralsRequired: DefaultReferralsRequired,
		Window:            DefaultWindow,
	}
}

// Validate fails fast on non-positive constants.
func (p QuotaPolicy) Validate() error {
	const op = "quota.validate"

	if p.DailyLimit <= 0 {
		return ConfigurationError(op, "daily lookup limit must be positive, got %d", p.DailyLimit)
	}
	if p.BonusBatchSize <= 0 {
		return ConfigurationError(op, "bonus batch size must be positive, got %d", p.BonusBatchSize)
	}
	if p.ReferralsRequired <= 0 {
		return ConfigurationError(op, "referrals required for bonus must be positive, got %d", p.ReferralsRequired)
	}
	if p.Window <= 0 {
		return ConfigurationError(op, "quota window must be positive, got %v", p.Window)
	}
	return nil
}

// AdmitSource identifies which balance paid for an admitted lookup.
type AdmitSource string

const (
	AdmitSourceBonus  AdmitSource = "bonus"
	AdmitSourceWindow AdmitSource = "window"
)

// DenyReason explains a denial.
type DenyReason string

const (
	DenyReasonQuotaExhausted  DenyReason = "quota_exhausted"
	DenyReasonPremiumRequired DenyReason = "premium_required"
)

// Decision is the outcome of one consumption attempt.
//
// A denial is a normal outcome, not an error. For QuotaExhausted it carries
// how many more referrals unlock a bonus batch and when the window resets.
type Decision struct {
	Admitted  bool
	Source    AdmitSource
	Converted bool // pending referrals were auto-converted to pay for this lookup

	Reason          DenyReason
	ReferralsNeeded int
	ResetIn         time.Duration

	Account Account // state after the decision
}

// Conversion is the outcome of an explicit ConvertReferrals call.
type Conversion struct {
	Converted       bool
	BonusGranted    int
	ReferralsNeeded int
	Account         Account
}

// ResetWindowIfElapsed clears an elapsed window. Returns true if it changed a.
func (p QuotaPolicy) ResetWindowIfElapsed(a *Account, now time.Time) bool {
	if a.WindowStart == nil || now.Sub(*a.WindowStart) < p.Window {
		return false
	}
	a.WindowCount = 0
	a.WindowStart = nil
	return true
}

// ConvertReferrals moves one batch of pending referrals into bonus lookups.
// Both fields change together or not at all.
func (p QuotaPolicy) ConvertReferrals(a *Account) bool {
	if a.PendingReferrals < p.ReferralsRequired {
		return false
	}
	a.PendingReferrals -= p.ReferralsRequired
	a.BonusLookups += p.BonusBatchSize
	return true
}

// Consume runs the admission algorithm against a, mutating it in place.
//
// Order: lazy window reset, bonus, daily window, then at most one
// auto-conversion pass before denying. On denial a is left as the caller
// should not persist it; callers write a back only when Admitted is true.
func (p QuotaPolicy) Consume(a *Account, now time.Time) Decision {
	p.ResetWindowIfElapsed(a, now)

	converted := false
	for pass := 0; pass < 2; pass++ {
		if a.BonusLookups > 0 {
			a.BonusLookups--
			return Decision{Admitted: true, Source: AdmitSourceBonus, Converted: converted, Account: a.Clone()}
		}
		if a.WindowCount < p.DailyLimit {
			a.WindowCount++
			if a.WindowStart == nil {
				start := now
				a.WindowStart = &start
			}
			return Decision{Admitted: true, Source: AdmitSourceWindow, Converted: converted, Account: a.Clone()}
		}
		if converted || !p.ConvertReferrals(a) {
			break
		}
		converted = true
	}

	return p.deny(a, now)
}

func (p QuotaPolicy) deny(a *Account, now time.Time) Decision {
	return Decision{
		Admitted:        false,
		Reason:          DenyReasonQuotaExhausted,
		ReferralsNeeded: p.ReferralsNeeded(a),
		ResetIn:         p.ResetIn(a, now),
		Account:         a.Clone(),
	}
}

// ReferralsNeeded returns how many more pending referrals unlock a batch.
func (p QuotaPolicy) ReferralsNeeded(a *Account) int {
	if n := p.ReferralsRequired - a.PendingReferrals; n > 0 {
		return n
	}
	return 0
}

// ResetIn returns the time left until the current window resets.
func (p QuotaPolicy) ResetIn(a *Account, now time.Time) time.Duration {
	if a.WindowStart == nil {
		return 0
	}
	if d := a.WindowStart.Add(p.Window).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Usage is a read-only view of an account's quota.
type Usage struct {
	WindowUsed       int
	WindowLimit      int
	WindowRemaining  int
	ResetIn          time.Duration
	BonusLookups     int
	PendingReferrals int
	ReferralsNeeded  int
	PremiumActive    bool
	PremiumExpiry    *time.Time
	Credits          int64
	ReferralCode     string
}

// Usage computes the quota view as Consume would see it at now, without
// mutating a.
func (p QuotaPolicy) Usage(a Account, now time.Time) Usage {
	view := a.Clone()
	p.ResetWindowIfElapsed(&view, now)

	remaining := p.DailyLimit - view.WindowCount
	if remaining < 0 {
		remaining = 0
	}

	return Usage{
		WindowUsed:       view.WindowCount,
		WindowLimit:      p.DailyLimit,
		WindowRemaining:  remaining,
		ResetIn:          p.ResetIn(&view, now),
		BonusLookups:     view.BonusLookups,
		PendingReferrals: view.PendingReferrals,
		ReferralsNeeded:  p.ReferralsNeeded(&view),
		PremiumActive:    view.HasPremium(now),
		PremiumExpiry:    view.PremiumExpiry,
		Credits:          view.Credits,
		ReferralCode:     view.ReferralCode,
	}
}
