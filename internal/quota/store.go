// Package quota implements usage accounting and limit enforcement: the
// ledger of per-user monthly counters, the pure limit evaluator, and the
// spend guard that ties the two together atomically.
package quota

import (
	"context"
	"errors"

	"jaquizy/internal/types"
)

// ErrStale is returned by IncrementIf when the counter moved between the
// caller's read and the conditional write. Callers re-read and retry.
var ErrStale = errors.New("quota: counter changed since read")

// Store is the usage ledger. Implementations must make every write atomic
// per (user, period, quota) key: concurrent increments may interleave in any
// order but none may be lost.
//
// Counters for keys that were never written read as zero.
type Store interface {
	// ReadCounter returns the consumed amount for one counter.
	ReadCounter(ctx context.Context, userID, periodKey string, quota types.QuotaName) (int64, error)

	// Increment atomically adds amount and returns the new consumed value.
	Increment(ctx context.Context, userID, periodKey string, quota types.QuotaName, amount int64) (int64, error)

	// IncrementIf atomically adds amount only if the counter still equals
	// expected, returning the new value. Returns ErrStale otherwise.
	IncrementIf(ctx context.Context, userID, periodKey string, quota types.QuotaName, amount, expected int64) (int64, error)

	// Decrement atomically subtracts amount, flooring the counter at zero,
	// and returns the new value. This is the refund path; nothing else may
	// lower a counter mid-period.
	Decrement(ctx context.Context, userID, periodKey string, quota types.QuotaName, amount int64) (int64, error)

	// UsageFor returns every counter the user has touched in the period.
	UsageFor(ctx context.Context, userID, periodKey string) (types.UsagePeriod, error)

	// ResetPeriod deletes all of the user's counters for the period. Admin
	// support tooling only; normal rollover needs no reset because a new
	// period key starts from zero.
	ResetPeriod(ctx context.Context, userID, periodKey string) error
}

// unavailable wraps a ledger failure as the standard fail-closed error.
func unavailable(err error) *types.AppError {
	return types.NewAppError(types.ErrCodeStoreUnavailable, "usage ledger unavailable", err)
}
