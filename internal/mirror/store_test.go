package mirror

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jaquizy/internal/quota"
	"jaquizy/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesConnectionPragmas(t *testing.T) {
	s := openTestStore(t)

	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var timeout int64
	if err := s.db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout error = %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestStoreConcurrentIncrements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const workers = 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth, 1); err != nil {
				t.Errorf("Increment() error = %v", err)
			}
		}()
	}
	wg.Wait()

	used, err := s.ReadCounter(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth)
	if err != nil {
		t.Fatalf("ReadCounter() error = %v", err)
	}
	if used != workers {
		t.Errorf("counter after %d increments = %d, want %d", workers, used, workers)
	}
}

func TestStoreCounterLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	used, err := s.ReadCounter(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth)
	if err != nil || used != 0 {
		t.Fatalf("fresh ReadCounter = %d, %v; want 0, nil", used, err)
	}

	if _, err := s.Increment(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth, 3); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	got, err := s.Increment(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth, 2)
	if err != nil || got != 5 {
		t.Fatalf("second Increment = %d, %v; want 5, nil", got, err)
	}

	got, err = s.Decrement(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth, 10)
	if err != nil || got != 0 {
		t.Fatalf("oversized Decrement = %d, %v; want floored 0, nil", got, err)
	}

	if err := s.ResetPeriod(ctx, "u1", "2026-03"); err != nil {
		t.Fatalf("ResetPeriod() error = %v", err)
	}
	used, _ = s.ReadCounter(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth)
	if used != 0 {
		t.Errorf("counter after reset = %d, want 0", used)
	}
}

func TestStoreIncrementIf(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.IncrementIf(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth, 1, 0)
	if err != nil || got != 1 {
		t.Fatalf("IncrementIf from zero = %d, %v; want 1, nil", got, err)
	}

	if _, err := s.IncrementIf(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth, 1, 0); !errors.Is(err, quota.ErrStale) {
		t.Fatalf("stale IncrementIf error = %v, want ErrStale", err)
	}

	got, err = s.IncrementIf(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth, 4, 1)
	if err != nil || got != 5 {
		t.Fatalf("IncrementIf from 1 = %d, %v; want 5, nil", got, err)
	}

	if _, err := s.IncrementIf(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth, 1, 3); !errors.Is(err, quota.ErrStale) {
		t.Fatalf("wrong expected IncrementIf error = %v, want ErrStale", err)
	}
}

func TestStoreUsageForScopesByUserAndPeriod(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustIncrement(t, s, "u1", "2026-03", types.QuotaQuestionsPerMonth, 3)
	mustIncrement(t, s, "u1", "2026-03", types.QuotaTopicsPerMonth, 1)
	mustIncrement(t, s, "u1", "2026-02", types.QuotaQuestionsPerMonth, 99)
	mustIncrement(t, s, "u2", "2026-03", types.QuotaQuestionsPerMonth, 7)

	period, err := s.UsageFor(ctx, "u1", "2026-03")
	if err != nil {
		t.Fatalf("UsageFor() error = %v", err)
	}
	if len(period.Consumed) != 2 {
		t.Errorf("len(Consumed) = %d, want 2", len(period.Consumed))
	}
	if period.Used(types.QuotaQuestionsPerMonth) != 3 {
		t.Errorf("questions = %d, want 3", period.Used(types.QuotaQuestionsPerMonth))
	}
}

func TestSnapshotRoundTripServerWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustIncrement(t, s, "u1", "2026-03", types.QuotaQuestionsPerMonth, 10)

	server := []types.CounterRow{{
		UserID:    "u1",
		PeriodKey: "2026-03",
		Quota:     types.QuotaQuestionsPerMonth,
		Consumed:  25,
		UpdatedAt: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
	}, {
		UserID:    "u1",
		PeriodKey: "2026-03",
		Quota:     types.QuotaTopicsPerMonth,
		Consumed:  4,
		UpdatedAt: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
	}}
	if err := s.Import(ctx, server); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	used, _ := s.ReadCounter(ctx, "u1", "2026-03", types.QuotaQuestionsPerMonth)
	if used != 25 {
		t.Errorf("counter after import = %d, want server value 25", used)
	}

	rows, err := s.Export(ctx, "2026-03")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(Export()) = %d, want 2", len(rows))
	}
	if rows[0].Quota != types.QuotaQuestionsPerMonth || rows[0].Consumed != 25 {
		t.Errorf("first export row = %+v, want questions 25", rows[0])
	}
}

func TestGuardRunsOnMirrorStore(t *testing.T) {
	s := openTestStore(t)
	g := quota.NewGuard(s, nil)

	def := types.TierDefinition{
		ID:     types.TierFree,
		Limits: map[types.QuotaName]int64{types.QuotaQuestionsPerMonth: 1},
	}
	req := types.ActionRequest{UserID: "u1", Quota: types.QuotaQuestionsPerMonth, Amount: 1}

	result, _, err := g.Spend(context.Background(), def, req)
	if err != nil || !result.Allowed {
		t.Fatalf("first Spend = %+v, %v; want allowed", result, err)
	}
	result, _, err = g.Spend(context.Background(), def, req)
	if err != nil {
		t.Fatalf("second Spend error = %v", err)
	}
	if result.Allowed {
		t.Error("second Spend allowed past the limit on the mirror ledger")
	}
}

func mustIncrement(t *testing.T, s *Store, userID, periodKey string, quotaName types.QuotaName, amount int64) {
	t.Helper()
	if _, err := s.Increment(context.Background(), userID, periodKey, quotaName, amount); err != nil {
		t.Fatalf("Increment(%s, %s, %s) error = %v", userID, periodKey, quotaName, err)
	}
}
