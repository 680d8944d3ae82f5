// Package repository persists ledger accounts and referral records.
//
// Store is the only place account fields are written. Every mutation goes
// through ConditionalUpdate (a versioned compare-and-swap) or InsertReferral,
// so two writers on the same account can never both apply a change computed
// from the same snapshot.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
)

var (
	// ErrNotFound is returned when the account does not exist.
	ErrNotFound = errors.New("repository: not found")

	// ErrConflict is returned when a conditional update lost a race with
	// another writer. Nothing was written; callers may retry.
	ErrConflict = errors.New("repository: version conflict")

	// ErrReferralCodeTaken is returned by CreateIfAbsent when the referral
	// code collides with an existing account.
	ErrReferralCodeTaken = errors.New("repository: referral code taken")
)

// MutateFunc mutates a private copy of an account. Returning false skips the
// write. It may run more than once when the caller retries a conflict, so it
// must not have side effects outside the account.
type MutateFunc func(a *domain.Account) bool

// CreateAccountParams holds the values fixed at account creation.
type CreateAccountParams struct {
	ID            string
	ReferralCode  string
	ReferrerID    string     // empty when not referred
	PremiumExpiry *time.Time // trial grant; nil for none
	Now           time.Time
}

// Store is the AccountStore contract.
type Store interface {
	// Get returns the account or ErrNotFound.
	Get(ctx context.Context, id string) (domain.Account, error)

	// GetByReferralCode resolves a referral code or returns ErrNotFound.
	GetByReferralCode(ctx context.Context, code string) (domain.Account, error)

	// CreateIfAbsent inserts the account unless it exists. An existing
	// account is returned unchanged with created=false and the referral
	// linkage in params is ignored.
	CreateIfAbsent(ctx context.Context, params CreateAccountParams) (acct domain.Account, created bool, err error)

	// ConditionalUpdate reads the account, applies fn to a copy and writes
	// it back if fn returned true and no other writer got there first.
	// When fn returns false the current state is returned with applied=false.
	ConditionalUpdate(ctx context.Context, id string, fn MutateFunc) (acct domain.Account, applied bool, err error)

	// InsertReferral appends rec and increments the referrer's pending
	// referrals as one unit. Returns false when rec.ReferredID already has
	// a record.
	InsertReferral(ctx context.Context, rec domain.ReferralRecord) (bool, error)

	// ListReferrals returns a referrer's records, newest first.
	ListReferrals(ctx context.Context, referrerID string) ([]domain.ReferralRecord, error)

	// ListExpiredPremium returns up to limit IDs of accounts flagged premium
	// whose expiry is before now, oldest expiry first.
	ListExpiredPremium(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Stats returns aggregate counters.
	Stats(ctx context.Context) (domain.LedgerStats, error)
}
