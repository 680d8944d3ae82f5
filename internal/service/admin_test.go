package service

import (
	"context"
	"testing"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/notify"
	"github.com/DukeRupert/quotaledger/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionAdmin_GrantPremium(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", nil)
	notifier := &recordingNotifier{}
	admin := NewSubscriptionAdmin(store, DefaultMaxAttempts, notifier, discardLogger())
	ctx := context.Background()

	start := time.Now()
	acct, err := admin.GrantPremium(ctx, "1", DefaultGrantDuration)
	require.NoError(t, err)
	assert.True(t, acct.PremiumActive)
	require.NotNil(t, acct.PremiumExpiry)
	assert.WithinDuration(t, start.Add(DefaultGrantDuration), *acct.PremiumExpiry, 5*time.Second)

	// A second grant overwrites rather than extends
	acct, err = admin.GrantPremium(ctx, "1", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, start.Add(time.Hour), *acct.PremiumExpiry, 5*time.Second)

	events := notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notify.KindPremiumGranted, events[0].Kind)
	assert.Equal(t, "1", events[0].AccountID)
}

func TestSubscriptionAdmin_GrantPremium_Errors(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", nil)
	admin := NewSubscriptionAdmin(store, DefaultMaxAttempts, notify.Nop, discardLogger())
	ctx := context.Background()

	tests := []struct {
		name     string
		id       string
		duration time.Duration
		wantCode string
	}{
		{"zero duration", "1", 0, domain.EINVALID},
		{"negative duration", "1", -time.Hour, domain.EINVALID},
		{"unknown account", "404", time.Hour, domain.ENOTFOUND},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := admin.GrantPremium(ctx, tt.id, tt.duration)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.ErrorCode(err))
		})
	}
}

func TestSubscriptionAdmin_AddCredits(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", nil)
	notifier := &recordingNotifier{}
	admin := NewSubscriptionAdmin(store, DefaultMaxAttempts, notifier, discardLogger())
	ctx := context.Background()

	_, err := admin.AddCredits(ctx, "1", 50)
	require.NoError(t, err)
	acct, err := admin.AddCredits(ctx, "1", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(75), acct.Credits)

	events := notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notify.KindCreditsAdded, events[1].Kind)
	assert.Equal(t, int64(25), events[1].CreditsAdded)
	assert.Equal(t, int64(75), events[1].CreditsTotal)

	_, err = admin.AddCredits(ctx, "1", 0)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = admin.AddCredits(ctx, "404", 10)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestSubscriptionAdmin_Stats(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", func(a *domain.Account) {
		a.Credits = 10
		a.VerifiedMembership = true
	})
	seedAccount(t, store, "2", nil)
	admin := NewSubscriptionAdmin(store, DefaultMaxAttempts, notify.Nop, discardLogger())

	_, err := admin.GrantPremium(context.Background(), "2", time.Hour)
	require.NoError(t, err)

	stats, err := admin.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalAccounts)
	assert.Equal(t, int64(1), stats.PremiumAccounts)
	assert.Equal(t, int64(1), stats.VerifiedAccounts)
	assert.Equal(t, int64(10), stats.TotalCredits)
}
