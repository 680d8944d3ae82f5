package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation      = "23505"
	referralCodeConstraint = "accounts_referral_code_key"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// PostgresStore implements Store on PostgreSQL through database/sql and the
// pgx stdlib driver. Conditional updates compare the row version in the
// UPDATE itself, so a concurrent writer makes the statement touch no rows.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a Store backed by db.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const accountColumns = `id, premium_active, premium_expiry, window_count, window_start,
	bonus_lookups, pending_referrals, credits, referral_code, referrer_id,
	verified_membership, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		a             domain.Account
		premiumExpiry sql.NullTime
		windowStart   sql.NullTime
		referrerID    sql.NullString
	)
	err := row.Scan(
		&a.ID,
		&a.PremiumActive,
		&premiumExpiry,
		&a.WindowCount,
		&windowStart,
		&a.BonusLookups,
		&a.PendingReferrals,
		&a.Credits,
		&a.ReferralCode,
		&referrerID,
		&a.VerifiedMembership,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return domain.Account{}, err
	}
	a.PremiumExpiry = nullTimePtr(premiumExpiry)
	a.WindowStart = nullTimePtr(windowStart)
	if referrerID.Valid {
		a.ReferrerID = referrerID.String
	}
	return a, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Get returns the account or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetByReferralCode resolves a referral code.
func (s *PostgresStore) GetByReferralCode(ctx context.Context, code string) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account by referral code: %w", err)
	}
	return a, nil
}

// CreateIfAbsent inserts the account; ON CONFLICT (id) makes it idempotent.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, params CreateAccountParams) (domain.Account, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, premium_active, premium_expiry, referral_code, referrer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+accountColumns,
		params.ID,
		params.PremiumExpiry != nil,
		toNullTime(params.PremiumExpiry),
		params.ReferralCode,
		toNullString(params.ReferrerID),
		params.Now,
	)

	a, err := scanAccount(row)
	switch {
	case err == nil:
		return a, true, nil
	case errors.Is(err, sql.ErrNoRows):
		// Already present; return it unchanged.
		existing, err := s.Get(ctx, params.ID)
		if err != nil {
			return domain.Account{}, false, err
		}
		return existing, false, nil
	case isReferralCodeViolation(err):
		return domain.Account{}, false, ErrReferralCodeTaken
	default:
		return domain.Account{}, false, fmt.Errorf("create account: %w", err)
	}
}

func isReferralCodeViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == referralCodeConstraint
}

// ConditionalUpdate reads, applies fn and writes back with a version check.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, id string, fn MutateFunc) (domain.Account, bool, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.Account{}, false, err
	}

	next := current.Clone()
	if !fn(&next) {
		return current, false, nil
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE accounts SET
			premium_active      = $3,
			premium_expiry      = $4,
			window_count        = $5,
			window_start        = $6,
			bonus_lookups       = $7,
			pending_referrals   = $8,
			credits             = $9,
			verified_membership = $10,
			version             = version + 1,
			updated_at          = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+accountColumns,
		id,
		current.Version,
		next.PremiumActive,
		toNullTime(next.PremiumExpiry),
		next.WindowCount,
		toNullTime(next.WindowStart),
		next.BonusLookups,
		next.PendingReferrals,
		next.Credits,
		next.VerifiedMembership,
	)

	updated, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Accounts are never deleted, so a missing row means the version moved.
		return domain.Account{}, false, ErrConflict
	}
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("update account: %w", err)
	}
	return updated, true, nil
}

// InsertReferral appends the record and increments the referrer in a single
// statement. The UPDATE only runs when the INSERT produced a row.
func (s *PostgresStore) InsertReferral(ctx context.Context, rec domain.ReferralRecord) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		WITH inserted AS (
			INSERT INTO referrals (id, referrer_id, referred_id, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (referred_id) DO NOTHING
			RETURNING referrer_id
		)
		UPDATE accounts SET
			pending_referrals = pending_referrals + 1,
			version           = version + 1,
			updated_at        = NOW()
		WHERE id = (SELECT referrer_id FROM inserted)`,
		rec.ID, rec.ReferrerID, rec.ReferredID, rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert referral: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert referral rows affected: %w", err)
	}
	return n == 1, nil
}

// ListReferrals returns a referrer's records, newest first.
func (s *PostgresStore) ListReferrals(ctx context.Context, referrerID string) ([]domain.ReferralRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, referrer_id, referred_id, created_at
		FROM referrals WHERE referrer_id = $1
		ORDER BY created_at DESC`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	defer rows.Close()

	var list []domain.ReferralRecord
	for rows.Next() {
		var rec domain.ReferralRecord
		if err := rows.Scan(&rec.ID, &rec.ReferrerID, &rec.ReferredID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// ListExpiredPremium returns IDs of elapsed premium grants.
func (s *PostgresStore) ListExpiredPremium(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM accounts
		WHERE premium_active AND premium_expiry < $1
		ORDER BY premium_expiry
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired premium: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired premium: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats aggregates counters across all accounts.
func (s *PostgresStore) Stats(ctx context.Context) (domain.LedgerStats, error) {
	var stats domain.LedgerStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE premium_active),
			COUNT(*) FILTER (WHERE verified_membership),
			COALESCE(SUM(credits), 0)::BIGINT,
			(SELECT COUNT(*) FROM referrals)
		FROM accounts`,
	).Scan(
		&stats.TotalAccounts,
		&stats.PremiumAccounts,
		&stats.VerifiedAccounts,
		&stats.TotalCredits,
		&stats.TotalReferrals,
	)
	if err != nil {
		return domain.LedgerStats{}, fmt.Errorf("ledger stats: %w", err)
	}
	return stats, nil
}
