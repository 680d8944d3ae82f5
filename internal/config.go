package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/joho/godotenv"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Persistence
	Store       string // "postgres" or "memory"
	DatabaseUrl string

	// Ledger constants
	DailyLookupLimit     int
	BonusBatchSize       int
	ReferralsRequired    int
	QuotaWindow          time.Duration
	TrialPremiumDuration time.Duration // 0 disables the trial
	LedgerMaxAttempts    int

	// Per-account spacing between lookups; 0 disables the throttle
	LookupMinInterval time.Duration

	// Premium expiry sweep
	WorkerEnabled     bool
	SweepInterval     time.Duration
	SweepBatchSize    int
	WorkerJobTimeout  time.Duration
	WorkerRunOnStart  bool
	RedisURL          string // optional; enables the cross-replica sweep lease
	RedisLeasePrefix  string
	RedisDialTimeout  time.Duration
	NotifyQueueSize   int
	NotifySendTimeout time.Duration

	// Telegram notifications; log-only when the token is empty
	TelegramBotToken string
	TelegramAPIURL   string
	BotUsername      string // used to build referral links
	NotifyLang       string

	// Admin API bearer token. Empty disables the admin routes.
	AdminToken string

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	// Ledger constants must parse; a typo never falls back to a default.
	strict := &strictEnv{}

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		Store: strings.ToLower(getEnv("STORE", StorePostgres)),

		DailyLookupLimit:     strict.Int("DAILY_LOOKUP_LIMIT", domain.DefaultDailyLimit),
		BonusBatchSize:       strict.Int("BONUS_BATCH_SIZE", domain.DefaultBonusBatchSize),
		ReferralsRequired:    strict.Int("REFERRALS_REQUIRED_FOR_BONUS", domain.DefaultReferralsRequired),
		QuotaWindow:          strict.Duration("QUOTA_WINDOW", domain.DefaultWindow),
		TrialPremiumDuration: strict.Duration("TRIAL_PREMIUM_DURATION", 24*time.Hour),
		LedgerMaxAttempts:    strict.Int("LEDGER_MAX_ATTEMPTS", 5),

		LookupMinInterval: strict.Duration("LOOKUP_MIN_INTERVAL", time.Second),

		// Worker defaults
		WorkerEnabled:     getEnvBool("WORKER_ENABLED", true),
		SweepInterval:     strict.Duration("SWEEP_INTERVAL", time.Hour),
		SweepBatchSize:    strict.Int("SWEEP_BATCH_SIZE", 100),
		WorkerJobTimeout:  getEnvDuration("WORKER_JOB_TIMEOUT", 5*time.Minute),
		WorkerRunOnStart:  getEnvBool("WORKER_RUN_ON_START", true),
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisLeasePrefix:  getEnv("REDIS_LEASE_PREFIX", "quotaledger:lease:"),
		RedisDialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 10*time.Second),
		NotifyQueueSize:   getEnvInt("NOTIFY_QUEUE_SIZE", 256),
		NotifySendTimeout: getEnvDuration("NOTIFY_SEND_TIMEOUT", 10*time.Second),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIURL:   getEnv("TELEGRAM_API_URL", ""),
		BotUsername:      strings.TrimPrefix(getEnv("BOT_USERNAME", ""), "@"),
		NotifyLang:       getEnv("NOTIFY_LANG", "en"),

		AdminToken: getEnv("ADMIN_TOKEN", ""),

		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Ledger constants fail fast
	if strict.err != nil {
		return nil, strict.err
	}
	if err := cfg.QuotaPolicy().Validate(); err != nil {
		return nil, err
	}
	if cfg.LedgerMaxAttempts < 1 {
		return nil, domain.ConfigurationError("config", "LEDGER_MAX_ATTEMPTS must be positive, got %d", cfg.LedgerMaxAttempts)
	}
	if cfg.TrialPremiumDuration < 0 {
		return nil, domain.ConfigurationError("config", "TRIAL_PREMIUM_DURATION must not be negative, got %v", cfg.TrialPremiumDuration)
	}
	if cfg.LookupMinInterval < 0 {
		return nil, domain.ConfigurationError("config", "LOOKUP_MIN_INTERVAL must not be negative, got %v", cfg.LookupMinInterval)
	}
	if cfg.SweepBatchSize < 1 {
		return nil, domain.ConfigurationError("config", "SWEEP_BATCH_SIZE must be positive, got %d", cfg.SweepBatchSize)
	}

	switch cfg.Store {
	case StorePostgres:
		cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
		if cfg.DatabaseUrl == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE is 'postgres'")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("STORE must be either 'postgres' or 'memory', got: %s", cfg.Store)
	}

	return cfg, nil
}

// QuotaPolicy returns the configured ledger constants.
func (c *Config) QuotaPolicy() domain.QuotaPolicy {
	return domain.QuotaPolicy{
		DailyLimit:        c.DailyLookupLimit,
		BonusBatchSize:    c.BonusBatchSize,
		ReferralsRequired: c.ReferralsRequired,
		Window:            c.QuotaWindow,
	}
}

// IsProduction reports whether HTTPS-only behaviour should be enabled.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// strictEnv reads variables that must parse when set. The first failure is
// kept in err as an ECONFIG error and later reads return their fallback.
type strictEnv struct {
	err error
}

func (e *strictEnv) Int(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" || e.err != nil {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		e.err = domain.ConfigurationError("config", "%s must be an integer, got %q", key, value)
		return fallback
	}
	return i
}

func (e *strictEnv) Duration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" || e.err != nil {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.err = domain.ConfigurationError("config", "%s must be a duration like 24h, got %q", key, value)
		return fallback
	}
	return d
}
