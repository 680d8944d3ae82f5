package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
)

// MemoryStore is an in-process Store used by tests and STORE=memory runs.
//
// Each account lives in its own cell with its own mutex; accounts never
// share a lock. ConditionalUpdate is optimistic like the Postgres store:
// fn runs outside the lock and the write is rejected if the version moved.
type MemoryStore struct {
	accounts  sync.Map // id -> *cell
	codes     sync.Map // referral code -> id
	referrals sync.Map // referred id -> domain.ReferralRecord
}

type cell struct {
	mu      sync.Mutex
	account domain.Account
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) load(id string) (*cell, bool) {
	v, ok := s.accounts.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*cell), true
}

func (c *cell) snapshot() domain.Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account.Clone()
}

// Get returns the account or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (domain.Account, error) {
	c, ok := s.load(id)
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return c.snapshot(), nil
}

// GetByReferralCode resolves a referral code.
func (s *MemoryStore) GetByReferralCode(ctx context.Context, code string) (domain.Account, error) {
	v, ok := s.codes.Load(code)
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return s.Get(ctx, v.(string))
}

// CreateIfAbsent inserts the account unless it already exists.
func (s *MemoryStore) CreateIfAbsent(ctx context.Context, params CreateAccountParams) (domain.Account, bool, error) {
	if c, ok := s.load(params.ID); ok {
		return c.snapshot(), false, nil
	}

	// Reserve the code first so a collision never exposes a half-built account.
	if owner, loaded := s.codes.LoadOrStore(params.ReferralCode, params.ID); loaded && owner.(string) != params.ID {
		return domain.Account{}, false, ErrReferralCodeTaken
	}

	acct := domain.Account{
		ID:           params.ID,
		ReferralCode: params.ReferralCode,
		ReferrerID:   params.ReferrerID,
		Version:      1,
		CreatedAt:    params.Now,
		UpdatedAt:    params.Now,
	}
	if params.PremiumExpiry != nil {
		expiry := *params.PremiumExpiry
		acct.PremiumActive = true
		acct.PremiumExpiry = &expiry
	}

	v, loaded := s.accounts.LoadOrStore(params.ID, &cell{account: acct})
	if loaded {
		// Lost a concurrent create; release our code and return the winner.
		winner := v.(*cell).snapshot()
		if winner.ReferralCode != params.ReferralCode {
			s.codes.Delete(params.ReferralCode)
		}
		return winner, false, nil
	}
	return acct.Clone(), true, nil
}

// ConditionalUpdate applies fn with compare-and-swap on the account version.
func (s *MemoryStore) ConditionalUpdate(ctx context.Context, id string, fn MutateFunc) (domain.Account, bool, error) {
	c, ok := s.load(id)
	if !ok {
		return domain.Account{}, false, ErrNotFound
	}

	current := c.snapshot()
	next := current.Clone()
	if !fn(&next) {
		return current, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.account.Version != current.Version {
		return domain.Account{}, false, ErrConflict
	}

	// Identity fields are immutable.
	next.ID = current.ID
	next.ReferralCode = current.ReferralCode
	next.ReferrerID = current.ReferrerID
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now()

	c.account = next
	return next.Clone(), true, nil
}

// InsertReferral records rec and bumps the referrer's pending count under
// the referrer's lock.
func (s *MemoryStore) InsertReferral(ctx context.Context, rec domain.ReferralRecord) (bool, error) {
	c, ok := s.load(rec.ReferrerID)
	if !ok {
		return false, ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, loaded := s.referrals.LoadOrStore(rec.ReferredID, rec); loaded {
		return false, nil
	}

	c.account.PendingReferrals++
	c.account.Version++
	c.account.UpdatedAt = time.Now()
	return true, nil
}

// ListReferrals returns a referrer's records, newest first.
func (s *MemoryStore) ListReferrals(ctx context.Context, referrerID string) ([]domain.ReferralRecord, error) {
	var out []domain.ReferralRecord
	s.referrals.Range(func(_, v any) bool {
		rec := v.(domain.ReferralRecord)
		if rec.ReferrerID == referrerID {
			out = append(out, rec)
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListExpiredPremium scans all accounts for elapsed premium grants.
func (s *MemoryStore) ListExpiredPremium(ctx context.Context, now time.Time, limit int) ([]string, error) {
	type expired struct {
		id     string
		expiry time.Time
	}
	var found []expired

	s.accounts.Range(func(_, v any) bool {
		a := v.(*cell).snapshot()
		if a.PremiumExpired(now) {
			found = append(found, expired{id: a.ID, expiry: *a.PremiumExpiry})
		}
		return true
	})

	sort.Slice(found, func(i, j int) bool {
		return found[i].expiry.Before(found[j].expiry)
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	ids := make([]string, 0, len(found))
	for _, e := range found {
		ids = append(ids, e.id)
	}
	return ids, nil
}

// Stats aggregates over every account.
func (s *MemoryStore) Stats(ctx context.Context) (domain.LedgerStats, error) {
	var stats domain.LedgerStats
	s.accounts.Range(func(_, v any) bool {
		a := v.(*cell).snapshot()
		stats.TotalAccounts++
		if a.PremiumActive {
			stats.PremiumAccounts++
		}
		if a.VerifiedMembership {
			stats.VerifiedAccounts++
		}
		stats.TotalCredits += a.Credits
		return true
	})
	s.referrals.Range(func(_, _ any) bool {
		stats.TotalReferrals++
		return true
	})
	return stats, nil
}
