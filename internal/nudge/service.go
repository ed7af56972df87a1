package nudge

import (
	"context"
	"log/slog"
	"time"

	"jaquizy/internal/types"
)

// PromptLog persists per-user prompt throttling state.
type PromptLog interface {
	// Last returns the user's prompt record. Users never prompted return a
	// zero record, not an error.
	Last(ctx context.Context, userID string) (types.PromptRecord, error)
	// MarkShown records that a prompt was shown at the given time.
	MarkShown(ctx context.Context, userID string, at time.Time) error
}

// Service wraps the pure policy with throttle-state persistence.
type Service struct {
	policy Policy
	log    PromptLog
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(policy Policy, log PromptLog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		policy: policy,
		log:    log,
		logger: logger,
		now:    time.Now,
	}
}

// Decide evaluates the prompt policy for the user and, when the answer is
// yes, records the showing so the throttle window starts now.
//
// Prompting is advisory: if the throttle log cannot be read the decision
// degrades to "no prompt" rather than failing the caller's request, and a
// failed write is logged but does not retract the decision.
func (s *Service) Decide(ctx context.Context, tier types.TierDefinition, topTier types.TierID, usage types.UsageSnapshot, featureBlocked bool) types.PromptDecision {
	record, err := s.log.Last(ctx, usage.UserID)
	if err != nil {
		s.logger.WarnContext(ctx, "prompt log read failed, suppressing prompt",
			"user_id", usage.UserID,
			"error", err,
		)
		return types.PromptDecision{}
	}

	decision := s.policy.Decide(Input{
		Tier:           tier,
		TopTier:        topTier,
		Usage:          usage,
		Record:         record,
		Now:            s.now(),
		FeatureBlocked: featureBlocked,
	})
	if !decision.ShouldShow {
		return decision
	}

	if err := s.log.MarkShown(ctx, usage.UserID, s.now()); err != nil {
		s.logger.WarnContext(ctx, "prompt log write failed",
			"user_id", usage.UserID,
			"error", err,
		)
	}
	return decision
}
