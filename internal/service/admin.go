// Package service contains the business logic layer.
//
// This file implements the subscription admin service: premium grants,
// credit top-ups and aggregate stats. Callers are authorized at the HTTP
// boundary.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/metrics"
	"github.com/DukeRupert/quotaledger/internal/notify"
	"github.com/DukeRupert/quotaledger/internal/repository"
)

// DefaultGrantDuration is the premium length used when an admin grant does
// not specify one.
const DefaultGrantDuration = 30 * 24 * time.Hour

// =============================================================================
// Interface Definition
// =============================================================================

// SubscriptionAdmin performs privileged account changes.
type SubscriptionAdmin interface {
	// GrantPremium sets premium until now+duration, replacing any existing
	// expiry. Returns domain.EINVALID for a non-positive duration and
	// domain.ENOTFOUND if the account does not exist.
	GrantPremium(ctx context.Context, accountID string, duration time.Duration) (*domain.Account, error)

	// AddCredits adds amount to the account's credit counter.
	// Returns domain.EINVALID for a non-positive amount.
	AddCredits(ctx context.Context, accountID string, amount int64) (*domain.Account, error)

	// Stats returns aggregate counters across all accounts.
	Stats(ctx context.Context) (*domain.LedgerStats, error)
}

// =============================================================================
// Implementation
// =============================================================================

type subscriptionAdmin struct {
	updater
	store    repository.Store
	notifier notify.Notifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewSubscriptionAdmin creates a new SubscriptionAdmin.
func NewSubscriptionAdmin(
	store repository.Store,
	maxAttempts int,
	notifier notify.Notifier,
	logger *slog.Logger,
) SubscriptionAdmin {
	return &subscriptionAdmin{
		updater:  newUpdater(store, maxAttempts, logger),
		store:    store,
		notifier: notifier,
		now:      time.Now,
		logger:   logger,
	}
}

// GrantPremium activates premium for duration.
func (s *subscriptionAdmin) GrantPremium(ctx context.Context, accountID string, duration time.Duration) (*domain.Account, error) {
	const op = "admin.grant_premium"

	if duration <= 0 {
		return nil, domain.Invalid(op, "premium duration must be positive")
	}

	acct, _, err := s.update(ctx, op, accountID, func(a *domain.Account) bool {
		a.GrantPremium(s.now().UTC(), duration)
		return true
	})
	if err != nil {
		return nil, err
	}

	metrics.PremiumGrants.Inc()
	s.logger.Info("premium granted",
		"account_id", accountID,
		"duration", duration,
		"expires_at", acct.PremiumExpiry,
	)

	s.notify(ctx, notify.Event{
		Kind:          notify.KindPremiumGranted,
		AccountID:     accountID,
		PremiumExpiry: acct.PremiumExpiry,
	})

	return &acct, nil
}

// AddCredits increments the account's credits.
func (s *subscriptionAdmin) AddCredits(ctx context.Context, accountID string, amount int64) (*domain.Account, error) {
	const op = "admin.add_credits"

	if amount <= 0 {
		return nil, domain.Invalid(op, "credit amount must be positive")
	}

	acct, _, err := s.update(ctx, op, accountID, func(a *domain.Account) bool {
		a.Credits += amount
		return true
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("credits added",
		"account_id", accountID,
		"amount", amount,
		"balance", acct.Credits,
	)

	s.notify(ctx, notify.Event{
		Kind:         notify.KindCreditsAdded,
		AccountID:    accountID,
		CreditsAdded: amount,
		CreditsTotal: acct.Credits,
	})

	return &acct, nil
}

// Stats returns aggregate counters.
func (s *subscriptionAdmin) Stats(ctx context.Context) (*domain.LedgerStats, error) {
	const op = "admin.stats"

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load stats")
	}
	return &stats, nil
}

func (s *subscriptionAdmin) notify(ctx context.Context, event notify.Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("failed to send notification",
			"kind", event.Kind,
			"account_id", event.AccountID,
			"error", err,
		)
	}
}
