package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"jaquizy/internal/types"
)

// BreakerStore wraps a Store in a circuit breaker. When the backing ledger
// is failing hard, the breaker opens and spends are rejected immediately as
// store unavailable instead of piling timeouts onto a struggling database.
//
// ErrStale is an expected outcome of optimistic writes, not a ledger
// failure, and never trips the breaker.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps inner. The breaker opens after five consecutive
// failures and probes again after ten seconds.
func NewBreakerStore(inner Store, logger *slog.Logger) *BreakerStore {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "usage-ledger",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrStale)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ledger breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &BreakerStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// execute runs fn through the breaker, translating open-circuit rejections
// into the standard store unavailable error.
func (b *BreakerStore) execute(fn func() (any, error)) (any, error) {
	v, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return v, types.NewAppError(types.ErrCodeStoreUnavailable, "usage ledger circuit open", err)
	}
	return v, err
}

func (b *BreakerStore) ReadCounter(ctx context.Context, userID, periodKey string, quota types.QuotaName) (int64, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.ReadCounter(ctx, userID, periodKey, quota)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *BreakerStore) Increment(ctx context.Context, userID, periodKey string, quota types.QuotaName, amount int64) (int64, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.Increment(ctx, userID, periodKey, quota, amount)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *BreakerStore) IncrementIf(ctx context.Context, userID, periodKey string, quota types.QuotaName, amount, expected int64) (int64, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.IncrementIf(ctx, userID, periodKey, quota, amount, expected)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *BreakerStore) Decrement(ctx context.Context, userID, periodKey string, quota types.QuotaName, amount int64) (int64, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.Decrement(ctx, userID, periodKey, quota, amount)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *BreakerStore) UsageFor(ctx context.Context, userID, periodKey string) (types.UsagePeriod, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.UsageFor(ctx, userID, periodKey)
	})
	if err != nil {
		return types.UsagePeriod{}, err
	}
	return v.(types.UsagePeriod), nil
}

func (b *BreakerStore) ResetPeriod(ctx context.Context, userID, periodKey string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.ResetPeriod(ctx, userID, periodKey)
	})
	return err
}
