package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"jaquizy/internal/types"
)

// maxSpendAttempts bounds the optimistic read/evaluate/write loop. Losing
// the conditional write this many times in a row means the key is under
// heavy contention; the caller gets a retryable conflict instead of an
// unbounded spin.
const maxSpendAttempts = 3

// Guard performs the check-and-consume sequence for quota spends. The
// increment is conditional on the counter still holding the value that was
// evaluated, so two racing spends can never both slip under the limit.
type Guard struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewGuard creates a Guard over the given ledger.
func NewGuard(store Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Reservation is a successfully recorded spend. Release refunds it if the
// action that consumed the quota fails downstream; a reservation that is
// committed (or simply dropped) keeps the units consumed.
type Reservation struct {
	store     Store
	released  bool
	UserID    string
	PeriodKey string
	Quota     types.QuotaName
	Amount    int64
}

// Release refunds the reserved units. Calling it more than once is a no-op
// after the first; the refund itself floors the counter at zero.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil || r.released {
		return nil
	}
	r.released = true
	if _, err := r.store.Decrement(ctx, r.UserID, r.PeriodKey, r.Quota, r.Amount); err != nil {
		return unavailable(err)
	}
	return nil
}

// Spend atomically checks and consumes quota for the request under the
// given tier definition. The result reports the decision either way; a
// denial is a normal outcome, not an error.
//
// On allow, the returned Reservation lets the caller refund the spend if
// the underlying action fails. Ledger failures surface as a store
// unavailable error and the spend is denied: quota enforcement fails
// closed.
func (g *Guard) Spend(ctx context.Context, def types.TierDefinition, req types.ActionRequest) (types.EvaluationResult, *Reservation, error) {
	periodKey := types.PeriodKeyFor(g.now())

	for attempt := 1; attempt <= maxSpendAttempts; attempt++ {
		used, err := g.store.ReadCounter(ctx, req.UserID, periodKey, req.Quota)
		if err != nil {
			return types.EvaluationResult{}, nil, unavailable(err)
		}

		result := Evaluate(def, req.Quota, used, req.Amount)
		if !result.Allowed {
			return result, nil, nil
		}

		if result.Limit == types.Unlimited {
			// No cap to race against; a plain atomic add suffices.
			_, err = g.store.Increment(ctx, req.UserID, periodKey, req.Quota, req.Amount)
		} else {
			_, err = g.store.IncrementIf(ctx, req.UserID, periodKey, req.Quota, req.Amount, used)
		}
		if errors.Is(err, ErrStale) {
			g.logger.DebugContext(ctx, "quota spend lost race, retrying",
				"user_id", req.UserID,
				"quota", req.Quota,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return types.EvaluationResult{}, nil, unavailable(err)
		}

		return result, &Reservation{
			store:     g.store,
			UserID:    req.UserID,
			PeriodKey: periodKey,
			Quota:     req.Quota,
			Amount:    req.Amount,
		}, nil
	}

	return types.EvaluationResult{}, nil, types.NewAppError(
		types.ErrCodeConflictConcurrent,
		"quota counter under contention, retry the request",
		nil,
	)
}

// Refund subtracts amount from the user's current-period counter, flooring
// at zero. It backs the admin refund endpoint for spends whose reservation
// is long gone.
func (g *Guard) Refund(ctx context.Context, userID string, quota types.QuotaName, amount int64) (int64, error) {
	periodKey := types.PeriodKeyFor(g.now())
	newValue, err := g.store.Decrement(ctx, userID, periodKey, quota, amount)
	if err != nil {
		return 0, unavailable(err)
	}
	return newValue, nil
}

// Snapshot assembles the user's current-period usage across every quota in
// the tier's schema. Quotas never touched report zero used. This is a read
// path: callers that cannot reach the ledger should degrade to cached or
// empty usage rather than block the user.
func (g *Guard) Snapshot(ctx context.Context, def types.TierDefinition, userID string) (types.UsageSnapshot, error) {
	periodKey := types.PeriodKeyFor(g.now())
	period, err := g.store.UsageFor(ctx, userID, periodKey)
	if err != nil {
		return types.UsageSnapshot{}, unavailable(err)
	}

	snap := types.UsageSnapshot{
		UserID:    userID,
		Tier:      def.ID,
		PeriodKey: periodKey,
		Quotas:    make(map[types.QuotaName]types.QuotaStatus, len(def.Limits)),
	}
	for quota := range def.Limits {
		snap.Quotas[quota] = Status(def, quota, period.Used(quota))
	}
	return snap, nil
}
