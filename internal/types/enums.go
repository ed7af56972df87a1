package types

// TierID identifies a subscription tier.
type TierID string

const (
	TierFree TierID = "free"
	TierPlus TierID = "plus"
	TierPro  TierID = "pro"
)

// QuotaName identifies a consumable, periodically-reset limit.
type QuotaName string

const (
	QuotaQuestionsPerMonth QuotaName = "questionsPerMonth"
	QuotaTopicsPerMonth    QuotaName = "topicsPerMonth"
	QuotaUploadsPerMonth   QuotaName = "uploadsPerMonth"
	QuotaStorageBytes      QuotaName = "storageBytes"
)

// AllQuotas lists every quota the tier schema recognizes. Used by the
// evaluator to distinguish a zero-capacity quota from an unknown one and by
// the usage snapshot builder to enumerate counters.
var AllQuotas = []QuotaName{
	QuotaQuestionsPerMonth,
	QuotaTopicsPerMonth,
	QuotaUploadsPerMonth,
	QuotaStorageBytes,
}

// Feature identifies a boolean capability gated by tier entitlement and
// global rollout status.
type Feature string

const (
	FeatureOfflineMode        Feature = "offline_mode"
	FeatureAdFree             Feature = "ad_free"
	FeatureAIExplanations     Feature = "ai_explanations"
	FeaturePriorityGeneration Feature = "priority_generation"
	FeatureDeckExport         Feature = "deck_export"
)

// RolloutStatus describes the global release phase of a feature, independent
// of any tier's entitlement to it.
type RolloutStatus string

const (
	RolloutAlpha  RolloutStatus = "alpha"
	RolloutBeta   RolloutStatus = "beta"
	RolloutStable RolloutStatus = "stable"
)

// EvalReason explains the outcome of a limit evaluation.
type EvalReason string

const (
	ReasonOK            EvalReason = "ok"
	ReasonQuotaExceeded EvalReason = "quota_exceeded"
	ReasonUnknownQuota  EvalReason = "unknown_quota"
)

// PromptTrigger identifies which rule fired an upgrade prompt.
type PromptTrigger string

const (
	TriggerQuotaNearLimit       PromptTrigger = "quota_near_limit"
	TriggerActionCountThreshold PromptTrigger = "action_count_threshold"
	TriggerFeatureBlocked       PromptTrigger = "feature_blocked"
)
