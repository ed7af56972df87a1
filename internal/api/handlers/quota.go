// Package handlers contains the HTTP handler implementations for the Jaquizy
// usage API.
//
// This file implements the quota endpoints:
//   - Consuming quota (evaluate + commit as one guarded unit)
//   - Refunding quota (admin support path)
//   - Usage snapshots for the current or a historical period
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"jaquizy/internal/catalog"
	"jaquizy/internal/core"
	"jaquizy/internal/quota"
	"jaquizy/internal/types"
)

// --- Service Interfaces ---
//
// Contracts are defined locally and injected via the constructor, so handlers
// couple to behavior rather than concrete types and tests can substitute
// mocks.

// SpendGuard performs check-and-consume quota operations against the ledger.
type SpendGuard interface {
	Spend(ctx context.Context, def types.TierDefinition, req types.ActionRequest) (types.EvaluationResult, *quota.Reservation, error)
	Refund(ctx context.Context, userID string, q types.QuotaName, amount int64) (int64, error)
	Snapshot(ctx context.Context, def types.TierDefinition, userID string) (types.UsageSnapshot, error)
}

// UsageReader reads raw period counters; it backs historical usage queries
// that the current-period Snapshot path cannot serve.
type UsageReader interface {
	UsageFor(ctx context.Context, userID, periodKey string) (types.UsagePeriod, error)
}

// CatalogReader provides the current immutable tier catalog snapshot.
type CatalogReader interface {
	Snapshot() *catalog.Snapshot
}

// Prompter decides whether an upgrade prompt should accompany a response.
type Prompter interface {
	Decide(ctx context.Context, tier types.TierDefinition, topTier types.TierID, usage types.UsageSnapshot, featureBlocked bool) types.PromptDecision
}

// --- Request/Response Models ---

// ConsumeRequest is the request body for POST /v1/quota/consume. Tier is
// supplied by the caller (the auth layer in front of this service resolves
// the user's subscription); unknown or empty values fall back to the free
// tier so evaluation never fails. An omitted Amount defaults to 1.
type ConsumeRequest struct {
	UserID string          `json:"user_id" validate:"required"`
	Tier   types.TierID    `json:"tier"`
	Quota  types.QuotaName `json:"quota" validate:"required,quota"`
	Amount int64           `json:"amount" validate:"min=1"`
}

// ConsumeResponse is the response for POST /v1/quota/consume. A denial is a
// 200 with allowed=false; HTTP errors are reserved for infrastructure
// failures and malformed requests.
type ConsumeResponse struct {
	types.EvaluationResult
	UpgradePrompt *types.PromptDecision `json:"upgrade_prompt,omitempty"`
}

// RefundRequest is the request body for POST /v1/quota/refund.
type RefundRequest struct {
	UserID string          `json:"user_id" validate:"required"`
	Quota  types.QuotaName `json:"quota" validate:"required,quota"`
	Amount int64           `json:"amount" validate:"min=1"`
}

// RefundResponse is the response for POST /v1/quota/refund.
type RefundResponse struct {
	UserID   string          `json:"user_id"`
	Quota    types.QuotaName `json:"quota"`
	Consumed int64           `json:"consumed"`
}

// --- Quota Handler ---

// QuotaHandler serves the quota consume, refund, and usage endpoints.
type QuotaHandler struct {
	guard     SpendGuard
	usage     UsageReader
	catalog   CatalogReader
	prompts   Prompter
	metrics   *core.Metrics
	validator *core.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewQuotaHandler creates a QuotaHandler with the provided dependencies.
func NewQuotaHandler(
	guard SpendGuard,
	usage UsageReader,
	cat CatalogReader,
	prompts Prompter,
	m *core.Metrics,
	v *core.Validator,
	l *slog.Logger,
) *QuotaHandler {
	if l == nil {
		l = slog.Default()
	}
	return &QuotaHandler{
		guard:     guard,
		usage:     usage,
		catalog:   cat,
		prompts:   prompts,
		metrics:   m,
		validator: v,
		logger:    l,
		now:       time.Now,
	}
}

// RegisterRoutes mounts the public quota endpoints.
func (h *QuotaHandler) RegisterRoutes(r chi.Router) {
	r.Post("/quota/consume", h.Consume)
	r.Get("/usage", h.GetUsage)
}

// RegisterAdminRoutes mounts the admin-key guarded quota endpoints. The
// parent router applies the admin key middleware.
func (h *QuotaHandler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/quota/refund", h.Refund)
}

// Consume handles POST /v1/quota/consume.
//
// The spend is evaluated and committed as one guarded unit: the guard's
// conditional increment guarantees two racing requests can never both slip
// under the limit. The upgrade-prompt policy is consulted read-only on the
// way out and never affects the allow/deny decision.
func (h *QuotaHandler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Amount == 0 {
		// An omitted amount means a single unit.
		req.Amount = 1
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	snap := h.catalog.Snapshot()
	def := snap.Tier(req.Tier)

	result, _, err := h.guard.Spend(r.Context(), def, types.ActionRequest{
		UserID: req.UserID,
		Quota:  req.Quota,
		Amount: req.Amount,
	})
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictConcurrent {
			h.metrics.RecordSpendConflict()
		}
		h.logger.ErrorContext(r.Context(), "quota spend failed",
			"user_id", req.UserID,
			"quota", req.Quota,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}
	h.metrics.RecordSpend(req.Quota, result.Reason)

	// The HTTP consume endpoint commits the spend immediately; the returned
	// reservation is dropped. Failed downstream actions are refunded through
	// the admin refund endpoint.
	resp := ConsumeResponse{EvaluationResult: result}

	if usage, err := h.guard.Snapshot(r.Context(), def, req.UserID); err == nil {
		decision := h.prompts.Decide(r.Context(), def, snap.TopTier(), usage, false)
		if decision.ShouldShow {
			h.metrics.RecordPrompt(decision.Trigger)
			resp.UpgradePrompt = &decision
		}
	} else {
		// Prompting is advisory; a snapshot failure never fails the spend.
		h.logger.WarnContext(r.Context(), "usage snapshot for prompt failed",
			"user_id", req.UserID,
			"error", err,
		)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// Refund handles POST /v1/quota/refund. It subtracts from the user's
// current-period counter, flooring at zero. Admin-key guarded.
func (h *QuotaHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	consumed, err := h.guard.Refund(r.Context(), req.UserID, req.Quota, req.Amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "quota refunded",
		"user_id", req.UserID,
		"quota", req.Quota,
		"amount", req.Amount,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: RefundResponse{
		UserID:   req.UserID,
		Quota:    req.Quota,
		Consumed: consumed,
	}})
}

// GetUsage handles GET /v1/usage?user_id=&tier=&period=.
//
// The period defaults to the current calendar month. Quotas in the tier
// schema that were never touched report zero used; quotas absent from the
// schema are omitted.
func (h *QuotaHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"user_id query parameter is required",
			nil,
		))
		return
	}

	periodKey, err := resolvePeriod(r.URL.Query().Get("period"), h.now)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	snap := h.catalog.Snapshot()
	def := snap.Tier(types.TierID(r.URL.Query().Get("tier")))

	period, err := h.usage.UsageFor(r.Context(), userID, periodKey)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeStoreUnavailable,
			"usage ledger unavailable",
			err,
		))
		return
	}

	out := types.UsageSnapshot{
		UserID:    userID,
		Tier:      def.ID,
		PeriodKey: periodKey,
		Quotas:    make(map[types.QuotaName]types.QuotaStatus, len(def.Limits)),
	}
	for q := range def.Limits {
		out.Quotas[q] = quota.Status(def, q, period.Used(q))
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out})
}

// resolvePeriod validates an optional "YYYY-MM" period parameter, defaulting
// to the current UTC calendar month.
func resolvePeriod(raw string, now func() time.Time) (string, error) {
	if raw == "" {
		return types.PeriodKeyFor(now()), nil
	}
	if _, err := time.Parse("2006-01", raw); err != nil {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPeriod,
			"period must be formatted as YYYY-MM",
			err,
			map[string]any{"period": raw},
		)
	}
	return raw, nil
}
