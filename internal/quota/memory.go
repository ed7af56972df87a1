package quota

import (
	"context"
	"sync"

	"jaquizy/internal/types"
)

type counterKey struct {
	userID    string
	periodKey string
	quota     types.QuotaName
}

// MemoryStore is a mutex-guarded in-process Store. It backs tests and the
// desktop build's pre-mirror bootstrap; the server uses the Postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]int64
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[counterKey]int64),
	}
}

func (s *MemoryStore) ReadCounter(_ context.Context, userID, periodKey string, quota types.QuotaName) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{userID, periodKey, quota}], nil
}

func (s *MemoryStore) Increment(_ context.Context, userID, periodKey string, quota types.QuotaName, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey{userID, periodKey, quota}
	s.counters[key] += amount
	return s.counters[key], nil
}

func (s *MemoryStore) IncrementIf(_ context.Context, userID, periodKey string, quota types.QuotaName, amount, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey{userID, periodKey, quota}
	if s.counters[key] != expected {
		return 0, ErrStale
	}
	s.counters[key] += amount
	return s.counters[key], nil
}

func (s *MemoryStore) Decrement(_ context.Context, userID, periodKey string, quota types.QuotaName, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey{userID, periodKey, quota}
	next := s.counters[key] - amount
	if next < 0 {
		next = 0
	}
	s.counters[key] = next
	return next, nil
}

func (s *MemoryStore) UsageFor(_ context.Context, userID, periodKey string) (types.UsagePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	period := types.UsagePeriod{
		UserID:    userID,
		PeriodKey: periodKey,
		Consumed:  make(map[types.QuotaName]int64),
	}
	for key, v := range s.counters {
		if key.userID == userID && key.periodKey == periodKey {
			period.Consumed[key.quota] = v
		}
	}
	return period, nil
}

func (s *MemoryStore) ResetPeriod(_ context.Context, userID, periodKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.counters {
		if key.userID == userID && key.periodKey == periodKey {
			delete(s.counters, key)
		}
	}
	return nil
}
