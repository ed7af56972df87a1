package db

import (
	"context"
	"encoding/json"
	"time"

	"jaquizy/internal/types"
)

// TierOverrideRepo provides data access for the tier_overrides table, which
// stores operator-edited tier definitions as JSONB documents, one per tier.
// It implements catalog.OverrideSource.
type TierOverrideRepo struct {
	db DBTX
}

// NewTierOverrideRepo creates a new TierOverrideRepo backed by the given
// database connection (pool or transaction).
func NewTierOverrideRepo(db DBTX) *TierOverrideRepo {
	return &TierOverrideRepo{db: db}
}

// LoadTierOverrides returns every stored tier definition. A malformed
// document fails the whole load; the catalog keeps its previous snapshot
// rather than serving a half-applied set.
func (r *TierOverrideRepo) LoadTierOverrides(ctx context.Context) ([]types.TierDefinition, error) {
	query := `
		SELECT tier_id, definition
		FROM tier_overrides
		ORDER BY tier_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query tier overrides", err)
	}
	defer rows.Close()

	var overrides []types.TierDefinition
	for rows.Next() {
		var (
			tierID string
			doc    []byte
		)
		if err := rows.Scan(&tierID, &doc); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan tier override row", err)
		}
		var def types.TierDefinition
		if err := json.Unmarshal(doc, &def); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "malformed tier override document", err)
		}
		// The column is authoritative for identity; the document may omit it.
		def.ID = types.TierID(tierID)
		overrides = append(overrides, def)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating tier override rows", err)
	}

	return overrides, nil
}

// UpsertTierOverride stores or replaces the override for one tier.
func (r *TierOverrideRepo) UpsertTierOverride(ctx context.Context, def types.TierDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode tier override", err)
	}

	query := `
		INSERT INTO tier_overrides (tier_id, definition, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tier_id)
		DO UPDATE SET definition = EXCLUDED.definition,
		              updated_at = EXCLUDED.updated_at`

	if _, err := r.db.Exec(ctx, query, string(def.ID), doc, time.Now().UTC()); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert tier override", err)
	}
	return nil
}

// DeleteTierOverride removes the override for one tier, reverting it to the
// compiled default on the next catalog refresh.
func (r *TierOverrideRepo) DeleteTierOverride(ctx context.Context, tierID types.TierID) error {
	query := `DELETE FROM tier_overrides WHERE tier_id = $1`

	if _, err := r.db.Exec(ctx, query, string(tierID)); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete tier override", err)
	}
	return nil
}
