package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DukeRupert/quotaledger/internal"
	"github.com/DukeRupert/quotaledger/internal/handler"
	"github.com/DukeRupert/quotaledger/internal/jobs"
	"github.com/DukeRupert/quotaledger/internal/metrics"
	"github.com/DukeRupert/quotaledger/internal/middleware"
	"github.com/DukeRupert/quotaledger/internal/notify"
	"github.com/DukeRupert/quotaledger/internal/referral"
	"github.com/DukeRupert/quotaledger/internal/repository"
	"github.com/DukeRupert/quotaledger/internal/service"
	"github.com/DukeRupert/quotaledger/internal/worker"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize notifications
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("notifier initialization failed: %w", err)
	}

	// Initialize services
	policy := cfg.QuotaPolicy()
	ledger, err := service.NewQuotaLedger(store, service.LedgerConfig{
		Policy:      policy,
		MaxAttempts: cfg.LedgerMaxAttempts,
	}, logger)
	if err != nil {
		return fmt.Errorf("ledger initialization failed: %w", err)
	}
	tracker := service.NewReferralTracker(store, policy, notifier, logger)
	accounts := service.NewAccountService(store, tracker, referral.NewGenerator(), service.AccountConfig{
		TrialPremium: cfg.TrialPremiumDuration,
		MaxAttempts:  cfg.LedgerMaxAttempts,
	}, logger)
	admin := service.NewSubscriptionAdmin(store, cfg.LedgerMaxAttempts, notifier, logger)

	// ==========================================================================
	// Background worker
	// ==========================================================================

	var runner *worker.Worker
	if cfg.WorkerEnabled {
		var closeLease func()
		runner, closeLease, err = newWorker(ctx, cfg, store, notifier, logger)
		if err != nil {
			return fmt.Errorf("worker initialization failed: %w", err)
		}
		defer closeLease()
		runner.Start(ctx)
	} else {
		logger.Info("Background worker disabled")
	}

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	limits := middleware.NewAPIRateLimiter(cfg.LookupMinInterval, logger)
	defer limits.Stop()

	adminAuth := middleware.NewAdminAuthMiddleware(cfg.AdminToken, logger)
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin API is disabled")
	}
	requireAdmin := middleware.Stack(limits.LimitAdmin, adminAuth.RequireAdmin)

	metricsAuth := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword)
	if !metricsAuth.Enabled() {
		logger.Warn("METRICS_USERNAME/METRICS_PASSWORD not set, /metrics is unprotected")
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	handler.NewAccountHandler(accounts, ledger, tracker, cfg.BotUsername, logger).
		RegisterRoutes(mux, limits.LimitRegister, limits.ThrottleLookups)

	var trigger handler.JobTrigger
	if runner != nil {
		trigger = runner
	}
	handler.NewAdminHandler(admin, trigger, logger).RegisterRoutes(mux, requireAdmin)

	stack := middleware.Stack(
		middleware.NewSecurityHeadersMiddleware(cfg.IsProduction()).Handler,
		middleware.NewRequestLoggingMiddleware(logger).Handler,
		metrics.Middleware,
	)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           stack(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		logger.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	// Stop the sweep before draining notifications it may still enqueue
	if runner != nil {
		runner.Stop()
	}
	if async, ok := notifier.(*notify.Async); ok {
		if err := async.Close(shutdownCtx); err != nil {
			logger.Warn("Notification queue not drained", "error", err)
		}
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// openStore returns the configured account store and its cleanup.
func openStore(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (repository.Store, func(), error) {
	if cfg.Store == internal.StoreMemory {
		logger.Warn("Using in-memory store, ledger state is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := internal.RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database ready")

	return repository.NewPostgresStore(db), func() { db.Close() }, nil
}

// newNotifier picks Telegram delivery when a bot token is configured and
// structured logging otherwise. Delivery always runs off the request path.
func newNotifier(cfg *internal.Config, logger *slog.Logger) (notify.Notifier, error) {
	formatter := notify.NewFormatter(cfg.NotifyLang)

	var next notify.Notifier
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegramNotifier(notify.TelegramConfig{
			Token:   cfg.TelegramBotToken,
			APIURL:  cfg.TelegramAPIURL,
			Timeout: cfg.NotifySendTimeout,
		}, formatter)
		if err != nil {
			return nil, err
		}
		next = tg
		logger.Info("Telegram notifications enabled")
	} else {
		next = notify.NewLogNotifier(logger, formatter)
		logger.Info("TELEGRAM_BOT_TOKEN not set, notifications are logged only")
	}

	return notify.NewAsync(next, notify.AsyncConfig{
		QueueSize:   cfg.NotifyQueueSize,
		SendTimeout: cfg.NotifySendTimeout,
	}, logger), nil
}

// newWorker builds the periodic job runner with the premium expiry sweep.
// With REDIS_URL set the sweep runs on one replica per interval.
func newWorker(
	ctx context.Context,
	cfg *internal.Config,
	store repository.Store,
	notifier notify.Notifier,
	logger *slog.Logger,
) (*worker.Worker, func(), error) {
	var (
		lease     worker.Lease
		closeFunc = func() {}
	)

	if cfg.RedisURL != "" {
		client, err := worker.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisDialTimeout)
		if err != nil {
			return nil, nil, err
		}
		lease = worker.NewRedisLease(client, cfg.RedisLeasePrefix)
		closeFunc = func() { _ = client.Close() }
		logger.Info("Job lease backed by Redis")
	}

	workerCfg := worker.DefaultConfig()
	workerCfg.JobTimeout = cfg.WorkerJobTimeout
	workerCfg.RunOnStart = cfg.WorkerRunOnStart

	w, err := worker.New(lease, workerCfg, logger)
	if err != nil {
		closeFunc()
		return nil, nil, err
	}

	sweep := jobs.NewPremiumExpiryHandler(store, notifier, cfg.SweepBatchSize, logger)
	if err := w.Register(sweep, cfg.SweepInterval); err != nil {
		closeFunc()
		return nil, nil, err
	}

	return w, closeFunc, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
