// Package handlers contains the HTTP handler implementations for the Jaquizy
// usage API.
//
// This file implements the admin endpoints, mounted behind the admin key
// middleware:
//   - Triggering a tier catalog refresh
//   - Resetting a user's counters for a period (support tooling)
//   - Streaming the usage ledger as gzip NDJSON for reporting
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"jaquizy/internal/core"
	"jaquizy/internal/types"
)

// --- Service Interfaces ---

// CatalogRefresher triggers a reload of persisted tier overrides.
// Concurrent refreshes are collapsed by the implementation.
type CatalogRefresher interface {
	Refresh(ctx context.Context) error
}

// UsageAdmin exposes the ledger operations reserved for support tooling.
type UsageAdmin interface {
	// ResetPeriod deletes all of the user's counters for the period.
	ResetPeriod(ctx context.Context, userID, periodKey string) error

	// StreamCounters invokes fn for every counter in the period in a stable
	// order. An fn error aborts the stream.
	StreamCounters(ctx context.Context, periodKey string, fn func(types.CounterRow) error) error
}

// --- Request/Response Models ---

// RefreshResponse is the response for POST /v1/admin/catalog/refresh.
type RefreshResponse struct {
	TierCount int       `json:"tier_count"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// ResetUsageRequest is the request body for POST /v1/admin/usage/reset.
type ResetUsageRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Period string `json:"period" validate:"required"`
}

// ResetUsageResponse is the response for POST /v1/admin/usage/reset.
type ResetUsageResponse struct {
	UserID string `json:"user_id"`
	Period string `json:"period"`
}

// --- Admin Handler ---

// AdminHandler serves the admin-key guarded operational endpoints.
type AdminHandler struct {
	refresher CatalogRefresher
	catalog   CatalogReader
	usage     UsageAdmin
	metrics   *core.Metrics
	validator *core.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewAdminHandler creates an AdminHandler with the provided dependencies.
func NewAdminHandler(
	refresher CatalogRefresher,
	cat CatalogReader,
	usage UsageAdmin,
	m *core.Metrics,
	v *core.Validator,
	l *slog.Logger,
) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AdminHandler{
		refresher: refresher,
		catalog:   cat,
		usage:     usage,
		metrics:   m,
		validator: v,
		logger:    l,
		now:       time.Now,
	}
}

// RegisterRoutes mounts the admin endpoints. The parent router applies the
// admin key middleware.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/catalog/refresh", h.RefreshCatalog)
	r.Post("/usage/reset", h.ResetUsage)
	r.Get("/usage/export", h.ExportUsage)
}

// RefreshCatalog handles POST /v1/admin/catalog/refresh. A failed refresh
// keeps the previous snapshot serving, so the error is reported without the
// catalog ever going dark.
func (h *AdminHandler) RefreshCatalog(w http.ResponseWriter, r *http.Request) {
	err := h.refresher.Refresh(r.Context())
	h.metrics.RecordCatalogRefresh(err)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "catalog refresh failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeStoreUnavailable,
			"catalog refresh failed, previous snapshot still serving",
			err,
		))
		return
	}

	snap := h.catalog.Snapshot()
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: RefreshResponse{
		TierCount: len(snap.Tiers()),
		LoadedAt:  snap.LoadedAt(),
	}})
}

// ResetUsage handles POST /v1/admin/usage/reset. Deleting the counters
// returns the user to a zero-consumption state for the period; historical
// periods can be reset the same way for support corrections.
func (h *AdminHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	var req ResetUsageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if _, err := time.Parse("2006-01", req.Period); err != nil {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPeriod,
			"period must be formatted as YYYY-MM",
			err,
			map[string]any{"period": req.Period},
		))
		return
	}

	if err := h.usage.ResetPeriod(r.Context(), req.UserID, req.Period); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeStoreUnavailable,
			"usage ledger unavailable",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "usage period reset",
		"user_id", req.UserID,
		"period", req.Period,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ResetUsageResponse{
		UserID: req.UserID,
		Period: req.Period,
	}})
}

// ExportUsage handles GET /v1/admin/usage/export?period=.
//
// Counters stream as gzip-compressed NDJSON, one CounterRow per line, in
// (user_id, quota) order. Headers are committed before the first row, so a
// mid-stream ledger failure can only truncate the output; the export ID
// logged on both paths lets the operator match a truncated download to its
// failure.
func (h *AdminHandler) ExportUsage(w http.ResponseWriter, r *http.Request) {
	periodKey, err := resolvePeriod(r.URL.Query().Get("period"), h.now)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	exportID := uuid.NewString()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("X-Export-Id", exportID)
	w.WriteHeader(http.StatusOK)

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)

	rows := 0
	streamErr := h.usage.StreamCounters(r.Context(), periodKey, func(row types.CounterRow) error {
		if err := enc.Encode(row); err != nil {
			return err
		}
		rows++
		return nil
	})
	if err := gz.Close(); err != nil && streamErr == nil {
		streamErr = err
	}

	if streamErr != nil {
		h.logger.ErrorContext(r.Context(), "usage export aborted",
			"export_id", exportID,
			"period", periodKey,
			"rows", rows,
			"error", streamErr,
		)
		return
	}

	h.logger.InfoContext(r.Context(), "usage export completed",
		"export_id", exportID,
		"period", periodKey,
		"rows", rows,
	)
}
