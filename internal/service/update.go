package service

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/DukeRupert/quotaledger/internal/metrics"
	"github.com/DukeRupert/quotaledger/internal/repository"
)

// DefaultMaxAttempts is the number of times a conditional update is tried
// before a conflict is surfaced to the caller.
const DefaultMaxAttempts = 5

// updater runs conditional updates with bounded retries on version conflicts.
// fn must be safe to run more than once; results should be captured in
// variables that each run overwrites.
type updater struct {
	store       repository.Store
	maxAttempts int
	logger      *slog.Logger
}

func newUpdater(store repository.Store, maxAttempts int, logger *slog.Logger) updater {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return updater{store: store, maxAttempts: maxAttempts, logger: logger}
}

const (
	retryBaseDelay = 2 * time.Millisecond
	retryMaxDelay  = 50 * time.Millisecond
)

// retryBackoff is the pause after the given failed attempt: exponential from
// retryBaseDelay, capped at retryMaxDelay, with full jitter on the upper half.
func retryBackoff(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d <= 0 || d > retryMaxDelay {
		d = retryMaxDelay
	}
	half := d / 2
	return half + rand.N(half+1)
}

// update applies fn to the account atomically. Store sentinels are
// translated into domain errors tagged with op.
func (u updater) update(ctx context.Context, op, id string, fn repository.MutateFunc) (domain.Account, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		acct, applied, err := u.store.ConditionalUpdate(ctx, id, fn)
		if err == nil {
			return acct, applied, nil
		}

		if !errors.Is(err, repository.ErrConflict) {
			return domain.Account{}, false, storeError(err, op, id)
		}

		lastErr = err
		metrics.StoreConflict(op)
		u.logger.Debug("conditional update conflict, retrying",
			"op", op,
			"account_id", id,
			"attempt", attempt,
		)

		if attempt == u.maxAttempts {
			break
		}

		timer := time.NewTimer(retryBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Account{}, false, domain.Internal(ctx.Err(), op, "request cancelled")
		case <-timer.C:
		}
	}

	u.logger.Warn("conditional update gave up",
		"op", op,
		"account_id", id,
		"attempts", u.maxAttempts,
	)
	return domain.Account{}, false, domain.StoreConflict(lastErr, op, u.maxAttempts)
}

// get loads an account, translating ErrNotFound.
func (u updater) get(ctx context.Context, op, id string) (domain.Account, error) {
	acct, err := u.store.Get(ctx, id)
	if err != nil {
		return domain.Account{}, storeError(err, op, id)
	}
	return acct, nil
}

// storeError maps a repository error onto the domain error model.
func storeError(err error, op, id string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return domain.AccountNotFound(op, id)
	case errors.Is(err, repository.ErrConflict):
		return domain.StoreConflict(err, op, 1)
	default:
		return domain.Internal(err, op, "account store failure")
	}
}
