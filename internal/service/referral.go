// Package service contains the business logic layer.
//
// This file implements the referral tracker, which records referral events
// and credits the referrer's pending referrals.
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

// =============================================================================
// Interface Definition
// =============================================================================

// ReferralTracker records who referred whom.
type ReferralTracker interface {
	// Record credits referrerID with one pending referral for referredID.
	// Self-referral and a repeated referredID are no-ops (recorded=false).
	// Returns domain.ENOTFOUND if the referrer does not exist.
	Record(ctx context.Context, referrerID, referredID string) (bool, error)

	// List returns the referrer's records, newest first.
	List(ctx context.Context, referrerID string) ([]domain.ReferralRecord, error)
}

// =============================================================================
// Implementation
// =============================================================================

type referralTracker struct {
	store    repository.Store
	policy   domain.QuotaPolicy
	notifier notify.Notifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewReferralTracker creates a new ReferralTracker.
//
// Parameters:
// - store: Account store
// - policy: Ledger constants, used to report referrals still needed
// - notifier: Receives a referral_joined event per recorded referral
// - logger: Structured logger for operation logging
func NewReferralTracker(
	store repository.Store,
	policy domain.QuotaPolicy,
	notifier notify.Notifier,
	logger *slog.Logger,
) ReferralTracker {
	return &referralTracker{
		store:    store,
		policy:   policy,
		notifier: notifier,
		now:      time.Now,
		logger:   logger,
	}
}

// Record credits the referrer once per referred account.
func (t *referralTracker) Record(ctx context.Context, referrerID, referredID string) (bool, error) {
	const op = "referral.record"

	if referrerID == "" || referredID == "" {
		return false, domain.Invalid(op, "referrer and referred account IDs are required")
	}
	if referrerID == referredID {
		t.logger.Debug("self-referral ignored", "account_id", referrerID)
		return false, nil
	}

	if _, err := t.store.Get(ctx, referrerID); err != nil {
		return false, storeError(err, op, referrerID)
	}

	recorded, err := t.store.InsertReferral(ctx, domain.NewReferralRecord(referrerID, referredID, t.now().UTC()))
	if err != nil {
		return false, storeError(err, op, referrerID)
	}
	if !recorded {
		t.logger.Debug("referral already recorded", "referrer_id", referrerID, "referred_id", referredID)
		return false, nil
	}

	metrics.ReferralsRecorded.Inc()
	t.logger.Info("referral recorded", "referrer_id", referrerID, "referred_id", referredID)

	// The referrer is re-read for the notification text; a failure here
	// does not affect the recorded referral.
	referrer, err := t.store.Get(ctx, referrerID)
	if err != nil {
		t.logger.Warn("failed to load referrer for notification", "referrer_id", referrerID, "error", err)
		return true, nil
	}

	event := notify.Event{
		Kind:             notify.KindReferralJoined,
		AccountID:        referrerID,
		PendingReferrals: referrer.PendingReferrals,
		ReferralsNeeded:  t.policy.ReferralsNeeded(&referrer),
	}
	if err := t.notifier.Notify(ctx, event); err != nil {
		t.logger.Warn("failed to send referral notification", "referrer_id", referrerID, "error", err)
	}

	return true, nil
}

// List returns the referrer's records, newest first.
func (t *referralTracker) List(ctx context.Context, referrerID string) ([]domain.ReferralRecord, error) {
	const op = "referral.list"

	if _, err := t.store.Get(ctx, referrerID); err != nil {
		return nil, storeError(err, op, referrerID)
	}

	records, err := t.store.ListReferrals(ctx, referrerID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list referrals")
	}
	if records == nil {
		records = []domain.ReferralRecord{}
	}
	return records, nil
}
