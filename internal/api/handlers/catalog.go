// Package handlers contains the HTTP handler implementations for the Jaquizy
// usage API.
//
// This file implements the read-only catalog surface:
//   - Tier listing for display and comparison
//   - The combined client config payload (catalog + flags + caller usage)
//   - Feature gate checks
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"jaquizy/internal/core"
	"jaquizy/internal/types"
)

// --- Response Models ---

// TiersResponse is the response for GET /v1/tiers, ordered by ascending
// price.
type TiersResponse struct {
	Tiers []types.TierDefinition `json:"tiers"`
}

// ClientConfigResponse is the response for GET /v1/config. It bundles
// everything the frontend config client polls for: the catalog, global
// feature flags, and (when a user is identified) the caller's usage
// snapshot for optimistic UI. The server remains the authority on every
// allow/deny decision.
type ClientConfigResponse struct {
	Tiers    []types.TierDefinition `json:"tiers"`
	Features []types.FeatureFlag    `json:"features"`
	Usage    *types.UsageSnapshot   `json:"usage,omitempty"`
	LoadedAt time.Time              `json:"loaded_at"`
}

// FeatureCheckResponse is the response for GET /v1/features/{feature}.
type FeatureCheckResponse struct {
	Feature       types.Feature         `json:"feature"`
	Granted       bool                  `json:"granted"`
	Status        types.RolloutStatus   `json:"status"`
	UpgradePrompt *types.PromptDecision `json:"upgrade_prompt,omitempty"`
}

// --- Catalog Handler ---

// CatalogHandler serves the tier catalog, client config, and feature gate
// endpoints. All three are read paths: entitlement reads fail open on the
// in-memory catalog, and a ledger outage only degrades the optional usage
// portion of the config payload.
type CatalogHandler struct {
	catalog CatalogReader
	guard   SpendGuard
	prompts Prompter
	metrics *core.Metrics
	logger  *slog.Logger
}

// NewCatalogHandler creates a CatalogHandler with the provided dependencies.
func NewCatalogHandler(
	cat CatalogReader,
	guard SpendGuard,
	prompts Prompter,
	m *core.Metrics,
	l *slog.Logger,
) *CatalogHandler {
	if l == nil {
		l = slog.Default()
	}
	return &CatalogHandler{
		catalog: cat,
		guard:   guard,
		prompts: prompts,
		metrics: m,
		logger:  l,
	}
}

// RegisterRoutes mounts the catalog endpoints.
func (h *CatalogHandler) RegisterRoutes(r chi.Router) {
	r.Get("/tiers", h.ListTiers)
	r.Get("/config", h.GetClientConfig)
	r.Get("/features/{feature}", h.CheckFeature)
}

// ListTiers handles GET /v1/tiers.
func (h *CatalogHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	snap := h.catalog.Snapshot()
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: TiersResponse{Tiers: snap.Tiers()}})
}

// GetClientConfig handles GET /v1/config?user_id=&tier=.
//
// When user_id is present the caller's current-period usage is embedded; a
// ledger failure drops the usage portion rather than failing the request,
// because the catalog and flags are what the client actually blocks on.
func (h *CatalogHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	snap := h.catalog.Snapshot()

	resp := ClientConfigResponse{
		Tiers:    snap.Tiers(),
		Features: snap.Flags(),
		LoadedAt: snap.LoadedAt(),
	}

	if userID := r.URL.Query().Get("user_id"); userID != "" {
		def := snap.Tier(types.TierID(r.URL.Query().Get("tier")))
		usage, err := h.guard.Snapshot(r.Context(), def, userID)
		if err != nil {
			h.logger.WarnContext(r.Context(), "config usage snapshot unavailable",
				"user_id", userID,
				"error", err,
			)
		} else {
			resp.Usage = &usage
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// CheckFeature handles GET /v1/features/{feature}?user_id=&tier=.
//
// A capability is granted only when the tier permits it AND the global flag
// is enabled; a disabled flag is a kill switch that no entitlement can
// override. When the denial is the tier's (flag on, entitlement off) and a
// user is identified, the upgrade-prompt policy is consulted with the
// feature-blocked trigger.
func (h *CatalogHandler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	feature := types.Feature(chi.URLParam(r, "feature"))

	snap := h.catalog.Snapshot()
	def := snap.Tier(types.TierID(r.URL.Query().Get("tier")))
	flag := snap.Flag(feature)
	granted := snap.Granted(def.ID, feature)

	resp := FeatureCheckResponse{
		Feature: feature,
		Granted: granted,
		Status:  flag.Status,
	}

	userID := r.URL.Query().Get("user_id")
	blockedByTier := !granted && flag.Enabled && !def.HasFeature(feature)
	if blockedByTier && userID != "" {
		usage, err := h.guard.Snapshot(r.Context(), def, userID)
		if err != nil {
			// Degrade to a promptless denial; the gate answer stands.
			usage = types.UsageSnapshot{UserID: userID, Tier: def.ID}
		}
		decision := h.prompts.Decide(r.Context(), def, snap.TopTier(), usage, true)
		if decision.ShouldShow {
			h.metrics.RecordPrompt(decision.Trigger)
			resp.UpgradePrompt = &decision
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}
