package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"jaquizy/internal/quota"
	"jaquizy/internal/types"
)

// CounterRepo provides data access for the usage_counters table, one row
// per (user_id, period_key, quota). It implements quota.Store.
//
// Atomicity relies on single-statement upserts and conditional updates;
// no row locks are held across round trips.
type CounterRepo struct {
	db DBTX
}

// NewCounterRepo creates a new CounterRepo backed by the given database
// connection (pool or transaction).
func NewCounterRepo(db DBTX) *CounterRepo {
	return &CounterRepo{db: db}
}

// ReadCounter returns the consumed amount for one counter. A counter that
// was never written reads as zero.
func (r *CounterRepo) ReadCounter(ctx context.Context, userID, periodKey string, quotaName types.QuotaName) (int64, error) {
	query := `
		SELECT consumed
		FROM usage_counters
		WHERE user_id = $1 AND period_key = $2 AND quota = $3`

	var consumed int64
	err := r.db.QueryRow(ctx, query, userID, periodKey, string(quotaName)).Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read usage counter", err)
	}
	return consumed, nil
}

// Increment atomically adds amount via upsert and returns the new value.
func (r *CounterRepo) Increment(ctx context.Context, userID, periodKey string, quotaName types.QuotaName, amount int64) (int64, error) {
	query := `
		INSERT INTO usage_counters (user_id, period_key, quota, consumed, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, period_key, quota)
		DO UPDATE SET consumed = usage_counters.consumed + EXCLUDED.consumed,
		              updated_at = now()
		RETURNING consumed`

	var consumed int64
	if err := r.db.QueryRow(ctx, query, userID, periodKey, string(quotaName), amount).Scan(&consumed); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage counter", err)
	}
	return consumed, nil
}

// IncrementIf atomically adds amount only while the counter still equals
// expected, returning quota.ErrStale if it moved.
//
// The expected == 0 case must handle the row not existing yet, so it runs
// as a conditional upsert; a losing race there hits the ON CONFLICT arm
// whose WHERE clause rejects the update, which surfaces as no row returned.
func (r *CounterRepo) IncrementIf(ctx context.Context, userID, periodKey string, quotaName types.QuotaName, amount, expected int64) (int64, error) {
	var (
		query string
		args  []any
	)
	if expected == 0 {
		query = `
			INSERT INTO usage_counters (user_id, period_key, quota, consumed, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (user_id, period_key, quota)
			DO UPDATE SET consumed = usage_counters.consumed + EXCLUDED.consumed,
			              updated_at = now()
			WHERE usage_counters.consumed = 0
			RETURNING consumed`
		args = []any{userID, periodKey, string(quotaName), amount}
	} else {
		query = `
			UPDATE usage_counters
			SET consumed = consumed + $4, updated_at = now()
			WHERE user_id = $1 AND period_key = $2 AND quota = $3 AND consumed = $5
			RETURNING consumed`
		args = []any{userID, periodKey, string(quotaName), amount, expected}
	}

	var consumed int64
	err := r.db.QueryRow(ctx, query, args...).Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, quota.ErrStale
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to conditionally increment usage counter", err)
	}
	return consumed, nil
}

// Decrement atomically subtracts amount, flooring at zero. Refunding a
// counter that does not exist is a no-op returning zero.
func (r *CounterRepo) Decrement(ctx context.Context, userID, periodKey string, quotaName types.QuotaName, amount int64) (int64, error) {
	query := `
		UPDATE usage_counters
		SET consumed = GREATEST(consumed - $4, 0), updated_at = now()
		WHERE user_id = $1 AND period_key = $2 AND quota = $3
		RETURNING consumed`

	var consumed int64
	err := r.db.QueryRow(ctx, query, userID, periodKey, string(quotaName), amount).Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to decrement usage counter", err)
	}
	return consumed, nil
}

// UsageFor returns every counter the user has touched in the period.
func (r *CounterRepo) UsageFor(ctx context.Context, userID, periodKey string) (types.UsagePeriod, error) {
	query := `
		SELECT quota, consumed
		FROM usage_counters
		WHERE user_id = $1 AND period_key = $2`

	period := types.UsagePeriod{
		UserID:    userID,
		PeriodKey: periodKey,
		Consumed:  make(map[types.QuotaName]int64),
	}

	rows, err := r.db.Query(ctx, query, userID, periodKey)
	if err != nil {
		return types.UsagePeriod{}, types.NewAppError(types.ErrCodeInternalDB, "failed to query period usage", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			quotaName string
			consumed  int64
		)
		if err := rows.Scan(&quotaName, &consumed); err != nil {
			return types.UsagePeriod{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage counter row", err)
		}
		period.Consumed[types.QuotaName(quotaName)] = consumed
	}
	if err := rows.Err(); err != nil {
		return types.UsagePeriod{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage counter rows", err)
	}

	return period, nil
}

// ResetPeriod deletes all of the user's counters for the period.
func (r *CounterRepo) ResetPeriod(ctx context.Context, userID, periodKey string) error {
	query := `DELETE FROM usage_counters WHERE user_id = $1 AND period_key = $2`

	if _, err := r.db.Exec(ctx, query, userID, periodKey); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset period usage", err)
	}
	return nil
}

// StreamCounters invokes fn for every counter in the period, ordered by
// user. It backs the admin usage export, which writes rows out as they are
// scanned instead of buffering the whole table.
func (r *CounterRepo) StreamCounters(ctx context.Context, periodKey string, fn func(types.CounterRow) error) error {
	query := `
		SELECT user_id, period_key, quota, consumed, updated_at
		FROM usage_counters
		WHERE period_key = $1
		ORDER BY user_id, quota`

	rows, err := r.db.Query(ctx, query, periodKey)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to query counters for export", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row       types.CounterRow
			quotaName string
		)
		if err := rows.Scan(&row.UserID, &row.PeriodKey, &quotaName, &row.Consumed, &row.UpdatedAt); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to scan counter export row", err)
		}
		row.Quota = types.QuotaName(quotaName)
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "error iterating counter export rows", err)
	}
	return nil
}
