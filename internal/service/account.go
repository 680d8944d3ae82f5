// Package service contains the business logic layer.
//
// This file implements the account service: first-contact registration with
// optional referral, lookups by ID and membership verification.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/metrics"
	"github.com/DukeRupert/quotaledger/internal/referral"
	"github.com/DukeRupert/quotaledger/internal/repository"
)

// maxCodeAttempts bounds referral code regeneration on collision.
const maxCodeAttempts = 5

// =============================================================================
// Interface Definition
// =============================================================================

// AccountService is the entry point the messaging front end calls on first
// contact with a user.
type AccountService interface {
	// Register creates the account if it does not exist. When the account is
	// new and params.ReferralCode resolves to another account, a referral is
	// recorded. Unknown codes and self-referrals are ignored.
	// Returns domain.EINVALID if the ID is empty.
	Register(ctx context.Context, params domain.RegisterParams) (*domain.Registration, error)

	// GetByID returns the account.
	// Returns domain.ENOTFOUND if it does not exist.
	GetByID(ctx context.Context, id string) (*domain.Account, error)

	// MarkVerified records that the account joined the required channel.
	MarkVerified(ctx context.Context, id string) (*domain.Account, error)
}

// AccountConfig controls registration defaults.
type AccountConfig struct {
	TrialPremium time.Duration // premium granted on creation; 0 disables
	MaxAttempts  int
}

// =============================================================================
// Implementation
// =============================================================================

type accountService struct {
	updater
	store   repository.Store
	tracker ReferralTracker
	codes   *referral.Generator
	config  AccountConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewAccountService creates a new AccountService.
//
// Parameters:
// - store: Account store
// - tracker: Records referrals for newly created accounts
// - codes: Referral code generator
// - config: Trial premium and retry budget
// - logger: Structured logger for operation logging
func NewAccountService(
	store repository.Store,
	tracker ReferralTracker,
	codes *referral.Generator,
	config AccountConfig,
	logger *slog.Logger,
) AccountService {
	return &accountService{
		updater: newUpdater(store, config.MaxAttempts, logger),
		store:   store,
		tracker: tracker,
		codes:   codes,
		config:  config,
		now:     time.Now,
		logger:  logger,
	}
}

// =============================================================================
// Register
// =============================================================================

// Register creates the account on first contact.
func (s *accountService) Register(ctx context.Context, params domain.RegisterParams) (*domain.Registration, error) {
	const op = "account.register"

	if params.ID == "" {
		return nil, domain.Invalid(op, "account ID is required")
	}

	// Existing accounts keep their original referrer; skip code resolution.
	if existing, err := s.store.Get(ctx, params.ID); err == nil {
		return &domain.Registration{Account: &existing}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, domain.Internal(err, op, "failed to load account")
	}

	referrerID := s.resolveReferrer(ctx, params)

	now := s.now().UTC()
	create := repository.CreateAccountParams{
		ID:         params.ID,
		ReferrerID: referrerID,
		Now:        now,
	}
	if s.config.TrialPremium > 0 {
		expiry := now.Add(s.config.TrialPremium)
		create.PremiumExpiry = &expiry
	}

	acct, created, err := s.createWithFreshCode(ctx, op, create)
	if err != nil {
		return nil, err
	}

	reg := &domain.Registration{Account: &acct, Created: created}
	if !created {
		return reg, nil
	}

	metrics.AccountsRegistered.Inc()
	s.logger.Info("account registered",
		"account_id", acct.ID,
		"referrer_id", acct.ReferrerID,
		"trial_premium", acct.PremiumActive,
	)

	if acct.ReferrerID != "" {
		recorded, err := s.tracker.Record(ctx, acct.ReferrerID, acct.ID)
		if err != nil {
			// The account exists either way; a lost referral is logged.
			s.logger.Error("failed to record referral",
				"account_id", acct.ID,
				"referrer_id", acct.ReferrerID,
				"error", err,
			)
		}
		reg.Referred = recorded
	}

	return reg, nil
}

// resolveReferrer maps the referral code to an account ID, or "" when the
// code is absent, malformed, unknown or belongs to the registering account.
func (s *accountService) resolveReferrer(ctx context.Context, params domain.RegisterParams) string {
	if params.ReferralCode == "" {
		return ""
	}

	code := referral.Normalize(params.ReferralCode)
	if code == "" {
		s.logger.Debug("malformed referral code ignored", "account_id", params.ID)
		return ""
	}

	referrer, err := s.store.GetByReferralCode(ctx, code)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("failed to resolve referral code", "account_id", params.ID, "error", err)
		}
		return ""
	}

	if referrer.ID == params.ID {
		return ""
	}
	return referrer.ID
}

// createWithFreshCode generates a referral code and creates the account,
// regenerating the code on collision.
func (s *accountService) createWithFreshCode(ctx context.Context, op string, params repository.CreateAccountParams) (domain.Account, bool, error) {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return domain.Account{}, false, domain.Internal(err, op, "failed to generate referral code")
		}
		params.ReferralCode = code

		acct, created, err := s.store.CreateIfAbsent(ctx, params)
		if err == nil {
			return acct, created, nil
		}
		if !errors.Is(err, repository.ErrReferralCodeTaken) {
			return domain.Account{}, false, domain.Internal(err, op, "failed to create account")
		}

		s.logger.Warn("referral code collision, regenerating", "account_id", params.ID, "attempt", attempt)
	}

	return domain.Account{}, false, domain.Errorf(domain.EINTERNAL, op, "no unique referral code after %d attempts", maxCodeAttempts)
}

// =============================================================================
// GetByID / MarkVerified
// =============================================================================

// GetByID returns the account.
func (s *accountService) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	const op = "account.get_by_id"

	acct, err := s.get(ctx, op, id)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// MarkVerified sets verifiedMembership. It is idempotent.
func (s *accountService) MarkVerified(ctx context.Context, id string) (*domain.Account, error) {
	const op = "account.mark_verified"

	acct, applied, err := s.update(ctx, op, id, func(a *domain.Account) bool {
		if a.VerifiedMembership {
			return false
		}
		a.VerifiedMembership = true
		return true
	})
	if err != nil {
		return nil, err
	}

	if applied {
		s.logger.Info("membership verified", "account_id", id)
	}
	return &acct, nil
}
