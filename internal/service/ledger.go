// Package service contains the business logic layer.
//
// This file implements the quota ledger: per-lookup admission, referral
// conversion and the read-only usage view. Every mutation runs as a single
// conditional update so concurrent requests for the same account never
// double-spend.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/metrics"
	"github.com/DukeRupert/quotaledger/internal/repository"
)

// =============================================================================
// Interface Definition
// =============================================================================

// QuotaLedger decides whether lookups may proceed and which balance pays.
type QuotaLedger interface {
	// Consume runs one admission attempt. A denial is returned as a
	// Decision, not an error, and leaves the account unchanged.
	// Returns domain.ENOTFOUND if the account does not exist.
	// Returns domain.ECONFLICT if the account stayed contended past the
	// retry budget.
	Consume(ctx context.Context, accountID string) (*domain.Decision, error)

	// ConsumeLookup is Consume for a specific lookup kind. Premium-gated
	// kinds are denied with DenyReasonPremiumRequired when the account has
	// no effective premium, without spending quota.
	// Returns domain.EINVALID for an unknown kind.
	ConsumeLookup(ctx context.Context, accountID string, kind domain.LookupKind) (*domain.Decision, error)

	// ConvertReferrals explicitly converts one batch of pending referrals.
	// Having too few referrals is reported in the result, not as an error.
	ConvertReferrals(ctx context.Context, accountID string) (*domain.Conversion, error)

	// Usage returns the quota view without writing.
	Usage(ctx context.Context, accountID string) (*domain.Usage, error)
}

// LedgerConfig holds the ledger constants and retry budget.
type LedgerConfig struct {
	Policy      domain.QuotaPolicy
	MaxAttempts int
	Now         func() time.Time // nil uses time.Now
}

// =============================================================================
// Implementation
// =============================================================================

type quotaLedger struct {
	updater
	policy domain.QuotaPolicy
	now    func() time.Time
	logger *slog.Logger
}

// NewQuotaLedger creates a new QuotaLedger.
//
// Returns domain.ECONFIG if the policy has a non-positive constant.
func NewQuotaLedger(store repository.Store, config LedgerConfig, logger *slog.Logger) (QuotaLedger, error) {
	if err := config.Policy.Validate(); err != nil {
		return nil, err
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &quotaLedger{
		updater: newUpdater(store, config.MaxAttempts, logger),
		policy:  config.Policy,
		now:     now,
		logger:  logger,
	}, nil
}

// =============================================================================
// Consume
// =============================================================================

// Consume runs one admission attempt.
func (l *quotaLedger) Consume(ctx context.Context, accountID string) (*domain.Decision, error) {
	const op = "ledger.consume"
	return l.consume(ctx, op, accountID, "")
}

// ConsumeLookup runs one admission attempt for a lookup kind.
func (l *quotaLedger) ConsumeLookup(ctx context.Context, accountID string, kind domain.LookupKind) (*domain.Decision, error) {
	const op = "ledger.consume_lookup"

	if !kind.IsValid() {
		return nil, domain.Invalid(op, "unknown lookup kind: "+string(kind))
	}
	return l.consume(ctx, op, accountID, kind)
}

func (l *quotaLedger) consume(ctx context.Context, op, accountID string, kind domain.LookupKind) (*domain.Decision, error) {
	var d domain.Decision

	acct, _, err := l.update(ctx, op, accountID, func(a *domain.Account) bool {
		now := l.now()

		// Premium is checked in the same atomic unit as the spend so an
		// expiry between the check and the write cannot slip through.
		if kind.RequiresPremium() && !a.HasPremium(now) {
			d = domain.Decision{
				Reason:          domain.DenyReasonPremiumRequired,
				ReferralsNeeded: l.policy.ReferralsNeeded(a),
				ResetIn:         l.policy.ResetIn(a, now),
				Account:         a.Clone(),
			}
			return false
		}

		d = l.policy.Consume(a, now)
		return d.Admitted
	})
	if err != nil {
		return nil, err
	}

	logger := l.logger.With("account_id", accountID)
	if kind != "" {
		logger = logger.With("kind", kind)
	}

	if !d.Admitted {
		metrics.LookupDenied(string(d.Reason))
		logger.Debug("lookup denied",
			"reason", d.Reason,
			"referrals_needed", d.ReferralsNeeded,
			"reset_in", d.ResetIn,
		)
		return &d, nil
	}

	// Report the stored state (with its new version) rather than the
	// pre-write copy.
	d.Account = acct
	metrics.LookupAdmitted(string(d.Source), d.Converted)
	logger.Debug("lookup admitted",
		"source", d.Source,
		"converted", d.Converted,
		"window_count", acct.WindowCount,
		"bonus_lookups", acct.BonusLookups,
	)
	return &d, nil
}

// =============================================================================
// ConvertReferrals
// =============================================================================

// ConvertReferrals moves one batch of pending referrals into bonus lookups.
func (l *quotaLedger) ConvertReferrals(ctx context.Context, accountID string) (*domain.Conversion, error) {
	const op = "ledger.convert_referrals"

	var converted bool
	acct, _, err := l.update(ctx, op, accountID, func(a *domain.Account) bool {
		converted = l.policy.ConvertReferrals(a)
		return converted
	})
	if err != nil {
		return nil, err
	}

	result := &domain.Conversion{
		Converted:       converted,
		ReferralsNeeded: l.policy.ReferralsNeeded(&acct),
		Account:         acct,
	}

	if converted {
		result.BonusGranted = l.policy.BonusBatchSize
		metrics.ExplicitConversion()
		l.logger.Info("referrals converted",
			"account_id", accountID,
			"bonus_granted", result.BonusGranted,
			"pending_referrals", acct.PendingReferrals,
		)
	}

	return result, nil
}

// =============================================================================
// Usage
// =============================================================================

// Usage returns the quota view as the next Consume would see it.
func (l *quotaLedger) Usage(ctx context.Context, accountID string) (*domain.Usage, error) {
	const op = "ledger.usage"

	acct, err := l.get(ctx, op, accountID)
	if err != nil {
		return nil, err
	}

	usage := l.policy.Usage(acct, l.now())
	return &usage, nil
}
