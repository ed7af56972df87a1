package quota

import "jaquizy/internal/types"

// Evaluate decides whether consuming amount units of the quota is allowed
// under the tier definition, given the amount already used this period.
//
// It is a pure function of its inputs. The rules, in order:
//
//  1. A quota the tier does not define is denied (unknown quotas fail
//     closed; a typo must never grant unlimited usage).
//  2. An unlimited capacity (-1) always allows, reporting Unlimited as the
//     remaining amount.
//  3. Otherwise the spend is allowed iff amount fits in the remaining
//     headroom (limit - used). The comparison is against the headroom, not
//     used + amount, so a huge requested amount cannot overflow into an
//     allow.
//
// On allow, Remaining is the post-consumption remainder; on deny it is the
// pre-consumption remainder clamped to zero, so an over-consumed counter
// (after a limit was lowered mid-period) never reports negative headroom.
func Evaluate(def types.TierDefinition, quota types.QuotaName, used, amount int64) types.EvaluationResult {
	limit, ok := def.Limit(quota)
	if !ok {
		return types.EvaluationResult{
			Allowed:   false,
			Remaining: 0,
			Limit:     0,
			Reason:    types.ReasonUnknownQuota,
		}
	}

	if limit == types.Unlimited {
		return types.EvaluationResult{
			Allowed:   true,
			Remaining: types.Unlimited,
			Limit:     types.Unlimited,
			Reason:    types.ReasonOK,
		}
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	if amount <= remaining {
		return types.EvaluationResult{
			Allowed:   true,
			Remaining: remaining - amount,
			Limit:     limit,
			Reason:    types.ReasonOK,
		}
	}

	return types.EvaluationResult{
		Allowed:   false,
		Remaining: remaining,
		Limit:     limit,
		Reason:    types.ReasonQuotaExceeded,
	}
}

// Status summarizes a single quota's capacity and consumption for display.
// Remaining uses the same clamping rules as Evaluate.
func Status(def types.TierDefinition, quota types.QuotaName, used int64) types.QuotaStatus {
	limit, ok := def.Limit(quota)
	if !ok {
		return types.QuotaStatus{Limit: 0, Used: used, Remaining: 0}
	}
	if limit == types.Unlimited {
		return types.QuotaStatus{Limit: types.Unlimited, Used: used, Remaining: types.Unlimited}
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return types.QuotaStatus{Limit: limit, Used: used, Remaining: remaining}
}
