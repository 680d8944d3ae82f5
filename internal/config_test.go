package internal

import (
	"testing"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_MemoryDefaults(t *testing.T) {
	t.Setenv("STORE", "memory")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, domain.DefaultQuotaPolicy(), cfg.QuotaPolicy())
	assert.Equal(t, time.Second, cfg.LookupMinInterval)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.TrialPremiumDuration)
	assert.Equal(t, 5, cfg.LedgerMaxAttempts)
	assert.Empty(t, cfg.DatabaseUrl)
}

func TestNewConfig_PostgresRequiresDatabaseURL(t *testing.T) {
	t.Setenv("STORE", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := NewConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestNewConfig_UnknownStore(t *testing.T) {
	t.Setenv("STORE", "sqlite")

	_, err := NewConfig()
	assert.Error(t, err)
}

func TestNewConfig_RejectsNonPositiveLedgerConstants(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"DAILY_LOOKUP_LIMIT", "0"},
		{"BONUS_BATCH_SIZE", "-1"},
		{"REFERRALS_REQUIRED_FOR_BONUS", "0"},
		{"LEDGER_MAX_ATTEMPTS", "0"},
		{"TRIAL_PREMIUM_DURATION", "-1h"},
		{"SWEEP_BATCH_SIZE", "0"},
	}

	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv("STORE", "memory")
			t.Setenv(tc.key, tc.value)

			_, err := NewConfig()
			require.Error(t, err)
			assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))
		})
	}
}

func TestNewConfig_RejectsUnparsableLedgerConstants(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"DAILY_LOOKUP_LIMIT", "abc"},
		{"BONUS_BATCH_SIZE", "5.5"},
		{"REFERRALS_REQUIRED_FOR_BONUS", "two"},
		{"QUOTA_WINDOW", "1day"},
		{"TRIAL_PREMIUM_DURATION", "24"},
		{"LEDGER_MAX_ATTEMPTS", "five"},
		{"LOOKUP_MIN_INTERVAL", "fast"},
		{"SWEEP_INTERVAL", "hourly"},
		{"SWEEP_BATCH_SIZE", "1e2"},
	}

	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv("STORE", "memory")
			t.Setenv(tc.key, tc.value)

			_, err := NewConfig()
			require.Error(t, err)
			assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestNewConfig_Overrides(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("DAILY_LOOKUP_LIMIT", "10")
	t.Setenv("TRIAL_PREMIUM_DURATION", "72h")
	t.Setenv("BOT_USERNAME", "@lookup_bot")
	t.Setenv("LOOKUP_MIN_INTERVAL", "0s")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.QuotaPolicy().DailyLimit)
	assert.Equal(t, 72*time.Hour, cfg.TrialPremiumDuration)
	assert.Equal(t, "lookup_bot", cfg.BotUsername)
	assert.Equal(t, time.Duration(0), cfg.LookupMinInterval)
}

func TestGetEnvHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("QL_TEST_INT", "ten")
	t.Setenv("QL_TEST_BOOL", "maybe")
	t.Setenv("QL_TEST_DURATION", "soon")

	assert.Equal(t, 7, getEnvInt("QL_TEST_INT", 7))
	assert.True(t, getEnvBool("QL_TEST_BOOL", true))
	assert.Equal(t, time.Minute, getEnvDuration("QL_TEST_DURATION", time.Minute))
	assert.Equal(t, "x", getEnv("QL_TEST_UNSET", "x"))
}
