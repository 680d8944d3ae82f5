package service

import (
	"context"
	"testing"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/notify"
	"github.com/DukeRupert/quotaledger/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferralTracker_Record(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", nil)
	seedAccount(t, store, "2", nil)
	notifier := &recordingNotifier{}
	tracker := NewReferralTracker(store, domain.DefaultQuotaPolicy(), notifier, discardLogger())
	ctx := context.Background()

	recorded, err := tracker.Record(ctx, "1", "2")
	require.NoError(t, err)
	assert.True(t, recorded)

	referrer, err := store.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, referrer.PendingReferrals)

	events := notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.KindReferralJoined, events[0].Kind)
	assert.Equal(t, "1", events[0].AccountID)
	assert.Equal(t, 1, events[0].PendingReferrals)
	assert.Equal(t, 1, events[0].ReferralsNeeded)
}

func TestReferralTracker_Record_IsIdempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", nil)
	seedAccount(t, store, "2", nil)
	notifier := &recordingNotifier{}
	tracker := NewReferralTracker(store, domain.DefaultQuotaPolicy(), notifier, discardLogger())
	ctx := context.Background()

	_, err := tracker.Record(ctx, "1", "2")
	require.NoError(t, err)

	recorded, err := tracker.Record(ctx, "1", "2")
	require.NoError(t, err)
	assert.False(t, recorded)

	referrer, err := store.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, referrer.PendingReferrals)
	assert.Len(t, notifier.Events(), 1)

	list, err := tracker.List(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReferralTracker_Record_SelfReferralIsNoop(t *testing.T) {
	store := repository.NewMemoryStore()
	before := seedAccount(t, store, "1", nil)
	tracker := NewReferralTracker(store, domain.DefaultQuotaPolicy(), &recordingNotifier{}, discardLogger())

	recorded, err := tracker.Record(context.Background(), "1", "1")
	require.NoError(t, err)
	assert.False(t, recorded)

	after, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 0, after.PendingReferrals)
}

func TestReferralTracker_Record_UnknownReferrer(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "2", nil)
	tracker := NewReferralTracker(store, domain.DefaultQuotaPolicy(), &recordingNotifier{}, discardLogger())

	_, err := tracker.Record(context.Background(), "404", "2")
	require.Error(t, err)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestReferralTracker_List_Empty(t *testing.T) {
	store := repository.NewMemoryStore()
	seedAccount(t, store, "1", nil)
	tracker := NewReferralTracker(store, domain.DefaultQuotaPolicy(), notify.Nop, discardLogger())

	list, err := tracker.List(context.Background(), "1")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}
