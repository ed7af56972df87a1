// Package catalog provides the tier catalog and feature gate for the Jaquizy
// usage engine. The catalog is the single source of truth for what each
// subscription tier allows.
//
// The catalog is held as an immutable Snapshot behind an atomic pointer.
// Readers never lock: a refresh builds a complete new Snapshot and swaps the
// pointer, so every evaluation sees either the old or the new catalog,
// never a mix.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"jaquizy/internal/types"
)

// OverrideSource supplies persisted tier definitions that supersede the
// compiled-in defaults, keyed by tier ID. Production uses the tier_overrides
// table; the desktop build runs without one.
type OverrideSource interface {
	LoadTierOverrides(ctx context.Context) ([]types.TierDefinition, error)
}

// tierDefaults defines the compiled-in tier catalog. These values mirror the
// launch pricing page:
//
//	| Tier | Price   | Questions/mo | Topics/mo | Uploads/mo | Storage | Ads |
//	|------|---------|--------------|-----------|------------|---------|-----|
//	| Free | $0      | 100          | 25        | 10         | 100 MB  | yes |
//	| Plus | $1.99   | 500          | 100       | 50         | 500 MB  | no  |
//	| Pro  | $4.99   | unlimited    | unlimited | 200        | 2 GB    | no  |
//
// Pro uses -1 (types.Unlimited) for uncapped quotas -- enforcement code must
// special-case the sentinel instead of comparing numerically.
var tierDefaults = map[types.TierID]types.TierDefinition{
	types.TierFree: {
		ID:          types.TierFree,
		DisplayName: "Free",
		PriceCents:  0,
		Currency:    "usd",
		Limits: map[types.QuotaName]int64{
			types.QuotaQuestionsPerMonth: 100,
			types.QuotaTopicsPerMonth:    25,
			types.QuotaUploadsPerMonth:   10,
			types.QuotaStorageBytes:      100 << 20,
		},
		Features: map[types.Feature]bool{
			types.FeatureOfflineMode:        false,
			types.FeatureAdFree:             false,
			types.FeatureAIExplanations:     false,
			types.FeaturePriorityGeneration: false,
			types.FeatureDeckExport:         false,
		},
		AdsEnabled: true,
	},
	types.TierPlus: {
		ID:          types.TierPlus,
		DisplayName: "Plus",
		PriceCents:  199,
		Currency:    "usd",
		Limits: map[types.QuotaName]int64{
			types.QuotaQuestionsPerMonth: 500,
			types.QuotaTopicsPerMonth:    100,
			types.QuotaUploadsPerMonth:   50,
			types.QuotaStorageBytes:      500 << 20,
		},
		Features: map[types.Feature]bool{
			types.FeatureOfflineMode:        false,
			types.FeatureAdFree:             true,
			types.FeatureAIExplanations:     true,
			types.FeaturePriorityGeneration: false,
			types.FeatureDeckExport:         true,
		},
		AdsEnabled: false,
	},
	types.TierPro: {
		ID:          types.TierPro,
		DisplayName: "Pro",
		PriceCents:  499,
		Currency:    "usd",
		Limits: map[types.QuotaName]int64{
			types.QuotaQuestionsPerMonth: types.Unlimited,
			types.QuotaTopicsPerMonth:    types.Unlimited,
			types.QuotaUploadsPerMonth:   200,
			types.QuotaStorageBytes:      2 << 30,
		},
		Features: map[types.Feature]bool{
			types.FeatureOfflineMode:        true,
			types.FeatureAdFree:             true,
			types.FeatureAIExplanations:     true,
			types.FeaturePriorityGeneration: true,
			types.FeatureDeckExport:         true,
		},
		AdsEnabled: false,
	},
}

// FallbackTier returns the authoritative conservative default tier. It is
// the single definition shared by the unknown-tier fallback path and any
// bootstrap path, so the two can never drift apart.
func FallbackTier() types.TierDefinition {
	return tierDefaults[types.TierFree].Clone()
}

// Snapshot is one immutable view of the catalog. All methods are safe for
// concurrent use; nothing in a Snapshot is ever mutated after construction.
type Snapshot struct {
	tiers    map[types.TierID]types.TierDefinition
	ordered  []types.TierDefinition
	flags    map[types.Feature]types.FeatureFlag
	fallback types.TierID
	loadedAt time.Time
}

// Tier returns the definition for the given tier ID. Unknown IDs fall back
// to the configured fallback tier: limit evaluation must always be possible,
// so this lookup never errors.
func (s *Snapshot) Tier(id types.TierID) types.TierDefinition {
	if def, ok := s.tiers[id]; ok {
		return def
	}
	if def, ok := s.tiers[s.fallback]; ok {
		return def
	}
	return FallbackTier()
}

// Tiers returns all tier definitions ordered by ascending price, for
// display and comparison purposes.
func (s *Snapshot) Tiers() []types.TierDefinition {
	out := make([]types.TierDefinition, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// TopTier returns the ID of the most expensive tier. The upgrade-prompt
// policy never nudges users who are already on it.
func (s *Snapshot) TopTier() types.TierID {
	if len(s.ordered) == 0 {
		return s.fallback
	}
	return s.ordered[len(s.ordered)-1].ID
}

// Flag returns the global rollout flag for the feature. Features without an
// explicit flag are treated as enabled and stable.
func (s *Snapshot) Flag(f types.Feature) types.FeatureFlag {
	if flag, ok := s.flags[f]; ok {
		return flag
	}
	return types.FeatureFlag{Feature: f, Enabled: true, Status: types.RolloutStable}
}

// Flags returns every explicit global flag, for the client config payload.
func (s *Snapshot) Flags() []types.FeatureFlag {
	out := make([]types.FeatureFlag, 0, len(s.flags))
	for _, fl := range s.flags {
		out = append(out, fl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out
}

// Granted reports whether the capability is available to the tier. A
// capability is granted only when the tier permits it AND the feature is
// globally enabled: a tier-level true cannot override a global kill switch.
func (s *Snapshot) Granted(id types.TierID, f types.Feature) bool {
	if !s.Flag(f).Enabled {
		return false
	}
	return s.Tier(id).HasFeature(f)
}

// LoadedAt reports when this snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Options configures a Catalog.
type Options struct {
	// Fallback is the tier served for unknown IDs. Defaults to free.
	Fallback types.TierID
	// Flags are the global feature rollout flags, usually derived from
	// configuration at startup.
	Flags []types.FeatureFlag
	// Source supplies persisted tier overrides. May be nil.
	Source OverrideSource
	Logger *slog.Logger
}

// Catalog owns the current Snapshot and knows how to rebuild it from the
// compiled defaults plus persisted overrides.
type Catalog struct {
	current  atomic.Pointer[Snapshot]
	fallback types.TierID
	flags    map[types.Feature]types.FeatureFlag
	source   OverrideSource
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Catalog seeded from the compiled-in defaults. The initial
// snapshot is always available even when opts.Source is nil or broken, so
// the process can start and serve conservative limits no matter what.
func New(opts Options) *Catalog {
	fallback := opts.Fallback
	if fallback == "" {
		fallback = types.TierFree
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	flags := make(map[types.Feature]types.FeatureFlag, len(opts.Flags))
	for _, fl := range opts.Flags {
		flags[fl.Feature] = fl
	}

	c := &Catalog{
		fallback: fallback,
		flags:    flags,
		source:   opts.Source,
		logger:   logger,
		now:      time.Now,
	}
	c.current.Store(c.build(nil))
	return c
}

// Snapshot returns the current immutable catalog view.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Refresh rebuilds the snapshot from defaults plus persisted overrides and
// atomically installs it. On load failure the previous snapshot stays in
// place and the error is returned; evaluation is never left without a
// catalog.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.source == nil {
		c.current.Store(c.build(nil))
		return nil
	}

	overrides, err := c.source.LoadTierOverrides(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "tier override load failed, keeping previous catalog",
			"error", err,
		)
		return err
	}

	c.current.Store(c.build(overrides))
	return nil
}

// build assembles an immutable Snapshot from the compiled defaults with the
// given overrides layered on top. Overrides replace whole definitions; an
// override for an unknown tier ID is added as a new tier.
func (c *Catalog) build(overrides []types.TierDefinition) *Snapshot {
	tiers := make(map[types.TierID]types.TierDefinition, len(tierDefaults))
	for id, def := range tierDefaults {
		tiers[id] = def.Clone()
	}
	for _, def := range overrides {
		if def.ID == "" {
			continue
		}
		tiers[def.ID] = def.Clone()
	}

	ordered := make([]types.TierDefinition, 0, len(tiers))
	for _, def := range tiers {
		ordered = append(ordered, def)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].PriceCents != ordered[j].PriceCents {
			return ordered[i].PriceCents < ordered[j].PriceCents
		}
		return ordered[i].ID < ordered[j].ID
	})

	return &Snapshot{
		tiers:    tiers,
		ordered:  ordered,
		flags:    c.flags,
		fallback: c.fallback,
		loadedAt: c.now().UTC(),
	}
}
