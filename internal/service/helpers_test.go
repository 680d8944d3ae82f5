package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/notify"
	"github.com/DukeRupert/quotaledger/internal/repository"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a settable clock safe for concurrent reads.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier collects events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Events() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

// conflictStore makes the first n conditional updates fail with ErrConflict.
type conflictStore struct {
	repository.Store
	remaining atomic.Int64
	calls     atomic.Int64
}

func newConflictStore(inner repository.Store, conflicts int64) *conflictStore {
	s := &conflictStore{Store: inner}
	s.remaining.Store(conflicts)
	return s
}

func (s *conflictStore) ConditionalUpdate(ctx context.Context, id string, fn repository.MutateFunc) (domain.Account, bool, error) {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return domain.Account{}, false, repository.ErrConflict
	}
	return s.Store.ConditionalUpdate(ctx, id, fn)
}

// seedAccount creates an account and applies fn to it directly.
func seedAccount(t *testing.T, store repository.Store, id string, fn func(a *domain.Account)) domain.Account {
	t.Helper()
	ctx := context.Background()

	_, _, err := store.CreateIfAbsent(ctx, repository.CreateAccountParams{
		ID:           id,
		ReferralCode: "C0DE" + padID(id),
		Now:          testNow,
	})
	require.NoError(t, err)

	if fn == nil {
		a, err := store.Get(ctx, id)
		require.NoError(t, err)
		return a
	}

	a, applied, err := store.ConditionalUpdate(ctx, id, func(a *domain.Account) bool {
		fn(a)
		return true
	})
	require.NoError(t, err)
	require.True(t, applied)
	return a
}

// padID turns a short numeric ID into four hex-safe characters.
func padID(id string) string {
	const width = 4
	if len(id) >= width {
		return id[len(id)-width:]
	}
	return "0000"[:width-len(id)] + id
}

func newTestLedger(t *testing.T, store repository.Store, clock *testClock) QuotaLedger {
	t.Helper()
	ledger, err := NewQuotaLedger(store, LedgerConfig{
		Policy:      domain.DefaultQuotaPolicy(),
		MaxAttempts: DefaultMaxAttempts,
		Now:         clock.Now,
	}, discardLogger())
	require.NoError(t, err)
	return ledger
}
