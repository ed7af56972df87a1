package types

import "time"

// Unlimited is the sentinel capacity meaning "no limit". Comparisons must
// special-case it; it is never valid input to numeric quota arithmetic.
const Unlimited int64 = -1

// TierDefinition is an immutable description of one subscription tier.
// Definitions are loaded once at boot (with optional refresh) and never
// mutated; callers receive copies or read-only views.
type TierDefinition struct {
	ID          TierID              `json:"id"`
	DisplayName string              `json:"display_name"`
	PriceCents  int64               `json:"price_cents"`
	Currency    string              `json:"currency"`
	Limits      map[QuotaName]int64 `json:"limits"`
	Features    map[Feature]bool    `json:"features"`
	AdsEnabled  bool                `json:"ads_enabled"`
}

// Limit returns the capacity for the named quota and whether the quota is
// part of this tier's schema at all.
func (t TierDefinition) Limit(q QuotaName) (int64, bool) {
	v, ok := t.Limits[q]
	return v, ok
}

// HasFeature reports the tier-level entitlement for the feature. It does NOT
// consult global rollout flags; the feature gate combines both.
func (t TierDefinition) HasFeature(f Feature) bool {
	return t.Features[f]
}

// Clone returns a deep copy, so a caller-held definition can never alias the
// catalog's maps.
func (t TierDefinition) Clone() TierDefinition {
	out := t
	out.Limits = make(map[QuotaName]int64, len(t.Limits))
	for k, v := range t.Limits {
		out.Limits[k] = v
	}
	out.Features = make(map[Feature]bool, len(t.Features))
	for k, v := range t.Features {
		out.Features[k] = v
	}
	return out
}

// UsagePeriod is the per-user, per-calendar-month consumption record.
// Absent quotas read as zero ("nothing consumed yet"), never as an error.
type UsagePeriod struct {
	UserID    string              `json:"user_id"`
	PeriodKey string              `json:"period_key"`
	Consumed  map[QuotaName]int64 `json:"consumed"`
}

// Used returns the consumed amount for the quota, defaulting to zero.
func (p UsagePeriod) Used(q QuotaName) int64 {
	return p.Consumed[q]
}

// PeriodKeyFor returns the "YYYY-MM" key for the calendar month containing t,
// evaluated in UTC so desktop and server builds agree on period boundaries.
func PeriodKeyFor(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ActionRequest describes one quota-consuming attempt. It is transient and
// never persisted.
type ActionRequest struct {
	UserID string    `json:"user_id"`
	Quota  QuotaName `json:"quota"`
	Amount int64     `json:"amount"`
}

// EvaluationResult is the outcome of a limit evaluation.
//
// Remaining and Limit use the Unlimited sentinel (-1) when the tier places no
// cap on the quota. When Allowed is true, Remaining is the post-consumption
// remainder (for display); when denied, it is the pre-consumption remainder
// clamped to zero.
type EvaluationResult struct {
	Allowed   bool       `json:"allowed"`
	Remaining int64      `json:"remaining"`
	Limit     int64      `json:"limit"`
	Reason    EvalReason `json:"reason"`
}

// QuotaStatus pairs a quota's capacity with its consumption for snapshots
// served to clients.
type QuotaStatus struct {
	Limit     int64 `json:"limit"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// UsageSnapshot is the read-only view of a user's current period served by
// GET /v1/usage and embedded in the client config payload.
type UsageSnapshot struct {
	UserID    string                    `json:"user_id"`
	Tier      TierID                    `json:"tier"`
	PeriodKey string                    `json:"period_key"`
	Quotas    map[QuotaName]QuotaStatus `json:"quotas"`
}

// PromptDecision is the output of the upgrade-prompt policy. It carries no
// side effects; recording that a prompt was shown is the caller's job.
type PromptDecision struct {
	ShouldShow bool          `json:"should_show"`
	Trigger    PromptTrigger `json:"trigger,omitempty"`
}

// PromptRecord is the persisted throttling state for one user's upgrade
// prompts.
type PromptRecord struct {
	UserID      string    `json:"user_id"`
	LastShownAt time.Time `json:"last_shown_at"`
	ShownCount  int64     `json:"shown_count"`
}

// FeatureFlag is the global rollout state for one feature. A disabled flag is
// a kill switch: it overrides any tier entitlement.
type FeatureFlag struct {
	Feature Feature       `json:"feature"`
	Enabled bool          `json:"enabled"`
	Status  RolloutStatus `json:"status"`
}

// CounterRow is one persisted usage counter, exported by the admin usage
// dump and imported/exported by the desktop mirror snapshot.
type CounterRow struct {
	UserID    string    `json:"user_id"`
	PeriodKey string    `json:"period_key"`
	Quota     QuotaName `json:"quota"`
	Consumed  int64     `json:"consumed"`
	UpdatedAt time.Time `json:"updated_at"`
}
