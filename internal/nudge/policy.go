// Package nudge decides when to show a user an upgrade prompt. The policy
// itself is a pure function so the client and server builds agree on every
// decision given the same inputs.
package nudge

import (
	"time"

	"jaquizy/internal/types"
)

// Policy holds the tunable knobs of the upgrade-prompt rules.
type Policy struct {
	// ThrottleWindow is the minimum gap between two prompts for one user.
	ThrottleWindow time.Duration
	// NearLimitPercent triggers a prompt when a bounded quota's remaining
	// headroom is at or below this percentage of its limit.
	NearLimitPercent int64
	// ActionCountThreshold triggers a prompt once total consumption in the
	// period reaches this count, indicating an engaged user.
	ActionCountThreshold int64
}

// Input is everything a prompt decision depends on. It is assembled by the
// caller; Decide itself performs no I/O.
type Input struct {
	Tier    types.TierDefinition
	TopTier types.TierID
	Usage   types.UsageSnapshot
	Record  types.PromptRecord
	Now     time.Time
	// FeatureBlocked marks that the triggering event was a user attempting
	// a capability their tier does not include.
	FeatureBlocked bool
}

// Decide applies the prompt rules in a fixed order and returns the first
// match:
//
//  1. Users already on the top tier are never prompted.
//  2. A prompt shown within the throttle window suppresses everything.
//  3. A blocked feature attempt prompts immediately.
//  4. Any bounded quota within the near-limit band prompts.
//  5. Total consumption at or past the action threshold prompts.
//
// Anything else is a quiet no.
func (p Policy) Decide(in Input) types.PromptDecision {
	if in.Tier.ID == in.TopTier {
		return types.PromptDecision{}
	}

	if !in.Record.LastShownAt.IsZero() && in.Now.Sub(in.Record.LastShownAt) < p.ThrottleWindow {
		return types.PromptDecision{}
	}

	if in.FeatureBlocked {
		return types.PromptDecision{ShouldShow: true, Trigger: types.TriggerFeatureBlocked}
	}

	var total int64
	for quota, status := range in.Usage.Quotas {
		// Storage is a capacity, not an action; it feeds the near-limit
		// rule but never the engagement count.
		if quota != types.QuotaStorageBytes {
			total += status.Used
		}
		if status.Limit == types.Unlimited {
			continue
		}
		if status.Limit > 0 && status.Remaining*100 <= status.Limit*p.NearLimitPercent {
			return types.PromptDecision{ShouldShow: true, Trigger: types.TriggerQuotaNearLimit}
		}
	}

	if p.ActionCountThreshold > 0 && total >= p.ActionCountThreshold {
		return types.PromptDecision{ShouldShow: true, Trigger: types.TriggerActionCountThreshold}
	}

	return types.PromptDecision{}
}
