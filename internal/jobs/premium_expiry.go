package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/metrics"
	"github.com/DukeRupert/quotaledger/internal/notify"
	"github.com/DukeRupert/quotaledger/internal/repository"
	"github.com/DukeRupert/quotaledger/internal/worker"
)

// Defaults for the expiry sweep.
const (
	DefaultSweepBatchSize   = 100
	DefaultSweepMaxAttempts = 5
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned int // candidate accounts returned by the store
	Demoted int // accounts whose premium was cleared
	Skipped int // candidates extended concurrently or still contended
}

// PremiumExpiryHandler demotes accounts whose premium grant has elapsed.
// Demotion uses the same conditional update as every other ledger write, so
// a grant that lands between listing and demoting wins.
type PremiumExpiryHandler struct {
	store       repository.Store
	notifier    notify.Notifier
	batchSize   int
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

// NewPremiumExpiryHandler creates a new handler for the premium expiry sweep.
func NewPremiumExpiryHandler(
	store repository.Store,
	notifier notify.Notifier,
	batchSize int,
	logger *slog.Logger,
) *PremiumExpiryHandler {
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &PremiumExpiryHandler{
		store:       store,
		notifier:    notifier,
		batchSize:   batchSize,
		maxAttempts: DefaultSweepMaxAttempts,
		now:         time.Now,
		logger:      logger,
	}
}

// Type returns the job type identifier.
func (h *PremiumExpiryHandler) Type() string {
	return worker.JobTypePremiumExpirySweep
}

// Handle runs one sweep.
func (h *PremiumExpiryHandler) Handle(ctx context.Context) error {
	result, err := h.Sweep(ctx)
	if err != nil {
		return err
	}

	if result.Scanned > 0 {
		h.logger.Info("Premium expiry sweep finished",
			"scanned", result.Scanned,
			"demoted", result.Demoted,
			"skipped", result.Skipped,
		)
	}
	return nil
}

// Sweep pages through expired grants until none are left or a page makes
// no progress.
func (h *PremiumExpiryHandler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := h.now().UTC()

	for {
		ids, err := h.store.ListExpiredPremium(ctx, now, h.batchSize)
		if err != nil {
			return result, fmt.Errorf("list expired premium: %w", err)
		}
		result.Scanned += len(ids)

		demoted := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			ok, err := h.demote(ctx, id, now)
			if err != nil {
				h.logger.Warn("Failed to demote account", "account_id", id, "error", err)
				result.Skipped++
				continue
			}
			if !ok {
				result.Skipped++
				continue
			}

			demoted++
			metrics.PremiumDemotions.Inc()
			h.logger.Info("Premium expired", "account_id", id)

			// Best-effort; the demotion stands regardless.
			if err := h.notifier.Notify(ctx, notify.Event{Kind: notify.KindPremiumExpired, AccountID: id}); err != nil {
				h.logger.Warn("Failed to send expiry notification", "account_id", id, "error", err)
			}
		}
		result.Demoted += demoted

		if len(ids) < h.batchSize || demoted == 0 {
			return result, nil
		}
	}
}

// demote clears premium if it is still flagged active and expired at now.
// Returns false when the predicate no longer holds.
func (h *PremiumExpiryHandler) demote(ctx context.Context, id string, now time.Time) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < h.maxAttempts; attempt++ {
		_, applied, err := h.store.ConditionalUpdate(ctx, id, func(a *domain.Account) bool {
			if !a.PremiumExpired(now) {
				return false
			}
			a.RevokePremium()
			return true
		})
		if err == nil {
			return applied, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return false, err
		}
		lastErr = err
		metrics.StoreConflict("sweep.demote")
	}
	return false, lastErr
}
