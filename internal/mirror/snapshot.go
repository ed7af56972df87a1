package mirror

import (
	"context"

	"jaquizy/internal/types"
)

// Export returns every counter row for the period, for upload when the
// desktop app reconnects.
func (s *Store) Export(ctx context.Context, periodKey string) ([]types.CounterRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, period_key, quota, consumed, updated_at
		FROM usage_counters
		WHERE period_key = ?
		ORDER BY user_id, quota`,
		periodKey)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to export mirror counters", err)
	}
	defer rows.Close()

	var out []types.CounterRow
	for rows.Next() {
		var (
			row       types.CounterRow
			quotaName string
			stamp     string
		)
		if err := rows.Scan(&row.UserID, &row.PeriodKey, &quotaName, &row.Consumed, &stamp); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan mirror export row", err)
		}
		row.Quota = types.QuotaName(quotaName)
		row.UpdatedAt = parseStamp(stamp)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating mirror export rows", err)
	}
	return out, nil
}

// Import replaces the local ledger's state for each row's counter with the
// server's authoritative value. Local counters not mentioned are left
// alone; the server wins on conflict because billing follows its ledger.
func (s *Store) Import(ctx context.Context, counters []types.CounterRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin mirror import", err)
	}
	defer tx.Rollback()

	for _, row := range counters {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_counters (user_id, period_key, quota, consumed, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, period_key, quota)
			DO UPDATE SET consumed = excluded.consumed,
			              updated_at = excluded.updated_at`,
			row.UserID, row.PeriodKey, string(row.Quota), row.Consumed,
			row.UpdatedAt.UTC().Format(stampLayout))
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to import mirror counter", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit mirror import", err)
	}
	return nil
}
