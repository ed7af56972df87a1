// Package mirror provides the desktop build's local usage ledger: a SQLite
// file mirroring the server's usage counters so the study app enforces the
// same limits offline. It implements the same store contract as the
// Postgres ledger, including the conditional increment.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"jaquizy/internal/quota"
	"jaquizy/internal/types"
)

// Store is a SQLite-backed quota ledger. SQLite works best with a single
// writer, so the connection pool is pinned to one connection; the file is
// opened in WAL mode to keep reads cheap.
type Store struct {
	db *sql.DB
}

// Open creates or opens the mirror database at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize mirror schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still reachable. Used by the health
// endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_counters (
			user_id    TEXT    NOT NULL,
			period_key TEXT    NOT NULL,
			quota      TEXT    NOT NULL,
			consumed   INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0),
			updated_at TEXT    NOT NULL,
			PRIMARY KEY (user_id, period_key, quota)
		)`)
	return err
}

const stampLayout = time.RFC3339Nano

func nowStamp() string {
	return time.Now().UTC().Format(stampLayout)
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(stampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) ReadCounter(ctx context.Context, userID, periodKey string, quotaName types.QuotaName) (int64, error) {
	var consumed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT consumed FROM usage_counters
		WHERE user_id = ? AND period_key = ? AND quota = ?`,
		userID, periodKey, string(quotaName)).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read mirror counter", err)
	}
	return consumed, nil
}

func (s *Store) Increment(ctx context.Context, userID, periodKey string, quotaName types.QuotaName, amount int64) (int64, error) {
	var consumed int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (user_id, period_key, quota, consumed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, period_key, quota)
		DO UPDATE SET consumed = consumed + excluded.consumed,
		              updated_at = excluded.updated_at
		RETURNING consumed`,
		userID, periodKey, string(quotaName), amount, nowStamp()).Scan(&consumed)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment mirror counter", err)
	}
	return consumed, nil
}

func (s *Store) IncrementIf(ctx context.Context, userID, periodKey string, quotaName types.QuotaName, amount, expected int64) (int64, error) {
	var (
		row *sql.Row
	)
	if expected == 0 {
		row = s.db.QueryRowContext(ctx, `
			INSERT INTO usage_counters (user_id, period_key, quota, consumed, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, period_key, quota)
			DO UPDATE SET consumed = consumed + excluded.consumed,
			              updated_at = excluded.updated_at
			WHERE consumed = 0
			RETURNING consumed`,
			userID, periodKey, string(quotaName), amount, nowStamp())
	} else {
		row = s.db.QueryRowContext(ctx, `
			UPDATE usage_counters
			SET consumed = consumed + ?, updated_at = ?
			WHERE user_id = ? AND period_key = ? AND quota = ? AND consumed = ?
			RETURNING consumed`,
			amount, nowStamp(), userID, periodKey, string(quotaName), expected)
	}

	var consumed int64
	err := row.Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, quota.ErrStale
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to conditionally increment mirror counter", err)
	}
	return consumed, nil
}

func (s *Store) Decrement(ctx context.Context, userID, periodKey string, quotaName types.QuotaName, amount int64) (int64, error) {
	var consumed int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE usage_counters
		SET consumed = MAX(consumed - ?, 0), updated_at = ?
		WHERE user_id = ? AND period_key = ? AND quota = ?
		RETURNING consumed`,
		amount, nowStamp(), userID, periodKey, string(quotaName)).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to decrement mirror counter", err)
	}
	return consumed, nil
}

func (s *Store) UsageFor(ctx context.Context, userID, periodKey string) (types.UsagePeriod, error) {
	period := types.UsagePeriod{
		UserID:    userID,
		PeriodKey: periodKey,
		Consumed:  make(map[types.QuotaName]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT quota, consumed FROM usage_counters
		WHERE user_id = ? AND period_key = ?`,
		userID, periodKey)
	if err != nil {
		return types.UsagePeriod{}, types.NewAppError(types.ErrCodeInternalDB, "failed to query mirror usage", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			quotaName string
			consumed  int64
		)
		if err := rows.Scan(&quotaName, &consumed); err != nil {
			return types.UsagePeriod{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan mirror counter row", err)
		}
		period.Consumed[types.QuotaName(quotaName)] = consumed
	}
	if err := rows.Err(); err != nil {
		return types.UsagePeriod{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating mirror counter rows", err)
	}
	return period, nil
}

func (s *Store) ResetPeriod(ctx context.Context, userID, periodKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_counters WHERE user_id = ? AND period_key = ?`,
		userID, periodKey)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset mirror period", err)
	}
	return nil
}
