package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Construction
// =============================================================================

func TestNewQuotaLedger_RejectsBadPolicy(t *testing.T) {
	policy := domain.DefaultQuotaPolicy()
	policy.DailyLimit = 0

	_, err := NewQuotaLedger(repository.NewMemoryStore(), LedgerConfig{Policy: policy}, discardLogger())
	require.Error(t, err)
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))
}

// =============================================================================
// Consume
// =============================================================================

func TestQuotaLedger_Consume_UnknownAccount(t *testing.T) {
	ledger := newTestLedger(t, repository.NewMemoryStore(), newTestClock(testNow))

	_, err := ledger.Consume(context.Background(), "404")
	require.Error(t, err)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestQuotaLedger_Consume_FreshAccountUsesWindow(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", nil)
	ledger := newTestLedger(t, store, newTestClock(testNow))

	d, err := ledger.Consume(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, domain.AdmitSourceWindow, d.Source)
	assert.Equal(t, 1, d.Account.WindowCount)

	stored, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.WindowCount)
	require.NotNil(t, stored.WindowStart)
	assert.Equal(t, testNow, *stored.WindowStart)
}

func TestQuotaLedger_Consume_BonusBeforeWindow(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", func(a *domain.Account) { a.BonusLookups = 3 })
	ledger := newTestLedger(t, store, newTestClock(testNow))

	for i := 0; i < 3; i++ {
		d, err := ledger.Consume(context.Background(), "1")
		require.NoError(t, err)
		require.True(t, d.Admitted)
		assert.Equal(t, domain.AdmitSourceBonus, d.Source)
	}

	stored, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.BonusLookups)
	assert.Equal(t, 0, stored.WindowCount)
}

func TestQuotaLedger_Consume_DenialWritesNothing(t *testing.T) {
	store := repository.NewMemoryStore()
	before := seedAccount(t, store, "1", func(a *domain.Account) {
		a.WindowCount = domain.DefaultDailyLimit
		start := testNow.Add(-2 * time.Hour)
		a.WindowStart = &start
		a.PendingReferrals = 1
	})
	ledger := newTestLedger(t, store, newTestClock(testNow))

	d, err := ledger.Consume(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, domain.DenyReasonQuotaExhausted, d.Reason)
	assert.Equal(t, 1, d.ReferralsNeeded)
	assert.Equal(t, 22*time.Hour, d.ResetIn)

	after, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.WindowCount, after.WindowCount)
	assert.Equal(t, before.PendingReferrals, after.PendingReferrals)
}

func TestQuotaLedger_Consume_AutoConvertsReferrals(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", func(a *domain.Account) {
		a.WindowCount = domain.DefaultDailyLimit
		start := testNow.Add(-time.Hour)
		a.WindowStart = &start
		a.PendingReferrals = domain.DefaultReferralsRequired
	})
	ledger := newTestLedger(t, store, newTestClock(testNow))

	d, err := ledger.Consume(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.True(t, d.Converted)
	assert.Equal(t, domain.AdmitSourceBonus, d.Source)

	stored, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.PendingReferrals)
	assert.Equal(t, domain.DefaultBonusBatchSize-1, stored.BonusLookups)
}

func TestQuotaLedger_Consume_LazyWindowReset(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", nil)
	clock := newTestClock(testNow)
	ledger := newTestLedger(t, store, clock)
	ctx := context.Background()

	for i := 0; i < domain.DefaultDailyLimit; i++ {
		d, err := ledger.Consume(ctx, "1")
		require.NoError(t, err)
		require.True(t, d.Admitted)
	}

	d, err := ledger.Consume(ctx, "1")
	require.NoError(t, err)
	require.False(t, d.Admitted)

	clock.Advance(25 * time.Hour)

	d, err = ledger.Consume(ctx, "1")
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, domain.AdmitSourceWindow, d.Source)
	assert.Equal(t, 1, d.Account.WindowCount)
	require.NotNil(t, d.Account.WindowStart)
	assert.Equal(t, clock.Now(), *d.Account.WindowStart)
}

func TestQuotaLedger_Consume_RetriesConflicts(t *testing.T) {
	inner := repository.NewMemoryStore()
	seedAccount(t, inner, "1", nil)
	store := newConflictStore(inner, 2)
	ledger := newTestLedger(t, store, newTestClock(testNow))

	d, err := ledger.Consume(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, int64(3), store.calls.Load())
}

func TestQuotaLedger_Consume_GivesUpAfterMaxAttempts(t *testing.T) {
	inner := repository.NewMemoryStore()
	seedAccount(t, inner, "1", nil)
	store := newConflictStore(inner, 100)
	ledger := newTestLedger(t, store, newTestClock(testNow))

	_, err := ledger.Consume(context.Background(), "1")
	require.Error(t, err)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	assert.Equal(t, int64(DefaultMaxAttempts), store.calls.Load())

	stored, err := inner.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.WindowCount)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestQuotaLedger_Consume_ConcurrentAtLimitAdmitsOne(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", func(a *domain.Account) {
		a.WindowCount = domain.DefaultDailyLimit - 1
		start := testNow.Add(-time.Hour)
		a.WindowStart = &start
	})
	ledger := newTestLedger(t, store, newTestClock(testNow))

	var wg sync.WaitGroup
	decisions := make([]*domain.Decision, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = ledger.Consume(context.Background(), "1")
		}(i)
	}
	wg.Wait()

	admitted := 0
	for i := range decisions {
		require.NoError(t, errs[i])
		if decisions[i].Admitted {
			admitted++
		} else {
			assert.Equal(t, domain.DenyReasonQuotaExhausted, decisions[i].Reason)
		}
	}
	assert.Equal(t, 1, admitted)

	stored, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultDailyLimit, stored.WindowCount)
}

func TestQuotaLedger_Consume_ConcurrentNeverExceedsLimit(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", func(a *domain.Account) { a.BonusLookups = 2 })

	ledger, err := NewQuotaLedger(store, LedgerConfig{
		Policy:      domain.DefaultQuotaPolicy(),
		MaxAttempts: 1000,
		Now:         newTestClock(testNow).Now,
	}, discardLogger())
	require.NoError(t, err)

	const callers = 30
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := ledger.Consume(context.Background(), "1")
			if err != nil {
				t.Errorf("Consume() error = %v", err)
				return
			}
			if d.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Two bonus lookups plus the daily window.
	assert.Equal(t, 2+domain.DefaultDailyLimit, admitted)

	stored, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultDailyLimit, stored.WindowCount)
	assert.Equal(t, 0, stored.BonusLookups)
}

// =============================================================================
// ConsumeLookup
// =============================================================================

func TestQuotaLedger_ConsumeLookup(t *testing.T) {
	future := testNow.Add(time.Hour)
	past := testNow.Add(-time.Second)

	tests := []struct {
		name       string
		kind       domain.LookupKind
		premium    *time.Time
		wantErr    string
		wantAdmit  bool
		wantReason domain.DenyReason
	}{
		{"open kind without premium", domain.LookupIndiaNumber, nil, "", true, ""},
		{"open kind upi", domain.LookupUPI, nil, "", true, ""},
		{"gated kind without premium", domain.LookupAadhaar, nil, "", false, domain.DenyReasonPremiumRequired},
		{"gated kind with premium", domain.LookupVehicle, &future, "", true, ""},
		{"gated kind with lapsed premium", domain.LookupVehicle, &past, "", false, domain.DenyReasonPremiumRequired},
		{"unknown kind", domain.LookupKind("passport"), nil, domain.EINVALID, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repository.NewMemoryStore()
			before := seedAccount(t, store, "1", func(a *domain.Account) {
				if tt.premium != nil {
					a.PremiumActive = true
					expiry := *tt.premium
					a.PremiumExpiry = &expiry
				}
			})
			ledger := newTestLedger(t, store, newTestClock(testNow))

			d, err := ledger.ConsumeLookup(context.Background(), "1", tt.kind)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, domain.ErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAdmit, d.Admitted)
			assert.Equal(t, tt.wantReason, d.Reason)

			after, err := store.Get(context.Background(), "1")
			require.NoError(t, err)
			if tt.wantAdmit {
				assert.Equal(t, 1, after.WindowCount)
			} else {
				assert.Equal(t, before.Version, after.Version)
				assert.Equal(t, 0, after.WindowCount)
			}
		})
	}
}

// =============================================================================
// ConvertReferrals
// =============================================================================

func TestQuotaLedger_ConvertReferrals(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", func(a *domain.Account) { a.PendingReferrals = 3 })
	ledger := newTestLedger(t, store, newTestClock(testNow))
	ctx := context.Background()

	conv, err := ledger.ConvertReferrals(ctx, "1")
	require.NoError(t, err)
	assert.True(t, conv.Converted)
	assert.Equal(t, domain.DefaultBonusBatchSize, conv.BonusGranted)
	assert.Equal(t, 1, conv.Account.PendingReferrals)
	assert.Equal(t, domain.DefaultBonusBatchSize, conv.Account.BonusLookups)
	assert.Equal(t, 1, conv.ReferralsNeeded)

	conv, err = ledger.ConvertReferrals(ctx, "1")
	require.NoError(t, err)
	assert.False(t, conv.Converted)
	assert.Equal(t, 0, conv.BonusGranted)
	assert.Equal(t, 1, conv.ReferralsNeeded)

	stored, err := store.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PendingReferrals)
	assert.Equal(t, domain.DefaultBonusBatchSize, stored.BonusLookups)
}

func TestQuotaLedger_ConvertReferrals_UnknownAccount(t *testing.T) {
	ledger := newTestLedger(t, repository.NewMemoryStore(), newTestClock(testNow))

	_, err := ledger.ConvertReferrals(context.Background(), "404")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

// =============================================================================
// Usage
// =============================================================================

func TestQuotaLedger_Usage(t *testing.T) {
	store := repository.NewMemoryStore()
	before := seedAccount(t, store, "1", func(a *domain.Account) {
		a.WindowCount = 3
		start := testNow.Add(-4 * time.Hour)
		a.WindowStart = &start
		a.BonusLookups = 2
		a.PendingReferrals = 1
		a.Credits = 40
	})
	ledger := newTestLedger(t, store, newTestClock(testNow))

	u, err := ledger.Usage(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 3, u.WindowUsed)
	assert.Equal(t, domain.DefaultDailyLimit-3, u.WindowRemaining)
	assert.Equal(t, 20*time.Hour, u.ResetIn)
	assert.Equal(t, 2, u.BonusLookups)
	assert.Equal(t, 1, u.ReferralsNeeded)
	assert.Equal(t, int64(40), u.Credits)
	assert.Equal(t, before.ReferralCode, u.ReferralCode)

	after, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}
