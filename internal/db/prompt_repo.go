package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"jaquizy/internal/types"
)

// PromptRepo provides data access for the prompt_log table, one row per
// user holding upgrade-prompt throttle state. It implements nudge.PromptLog.
type PromptRepo struct {
	db DBTX
}

// NewPromptRepo creates a new PromptRepo backed by the given database
// connection (pool or transaction).
func NewPromptRepo(db DBTX) *PromptRepo {
	return &PromptRepo{db: db}
}

// Last returns the user's prompt record. Users never prompted return a zero
// record.
func (r *PromptRepo) Last(ctx context.Context, userID string) (types.PromptRecord, error) {
	query := `
		SELECT last_shown_at, shown_count
		FROM prompt_log
		WHERE user_id = $1`

	record := types.PromptRecord{UserID: userID}
	err := r.db.QueryRow(ctx, query, userID).Scan(&record.LastShownAt, &record.ShownCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.PromptRecord{UserID: userID}, nil
	}
	if err != nil {
		return types.PromptRecord{}, types.NewAppError(types.ErrCodeInternalDB, "failed to read prompt record", err)
	}
	return record, nil
}

// MarkShown records a prompt showing, bumping the count and resetting the
// throttle clock.
func (r *PromptRepo) MarkShown(ctx context.Context, userID string, at time.Time) error {
	query := `
		INSERT INTO prompt_log (user_id, last_shown_at, shown_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id)
		DO UPDATE SET last_shown_at = EXCLUDED.last_shown_at,
		              shown_count = prompt_log.shown_count + 1`

	if _, err := r.db.Exec(ctx, query, userID, at.UTC()); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record prompt showing", err)
	}
	return nil
}
