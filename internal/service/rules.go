package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/models"
	"referral-rewards-api/internal/reward"
	"referral-rewards-api/internal/usage"
	"referral-rewards-api/internal/validation"
)

// CreateRule validates and stores a new rule. An empty ID is generated.
func (s *Service) CreateRule(ctx context.Context, rule models.RewardRule) (models.RewardRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := validation.ValidateRule(rule); err != nil {
		return models.RewardRule{}, err
	}

	created, err := s.db.CreateRule(ctx, rule)
	if err != nil {
		return models.RewardRule{}, err
	}

	s.logger.InfoContext(ctx, "reward rule created",
		slog.String("rule_id", created.ID),
		slog.String("action_type", string(created.ActionType)),
		slog.String("reward_type", string(created.RewardType)),
	)
	return created, nil
}

// ReplaceRule overwrites the definition of rule id and returns the new version.
func (s *Service) ReplaceRule(ctx context.Context, id string, rule models.RewardRule) (models.RewardRule, error) {
	if rule.ID != "" && rule.ID != id {
		return models.RewardRule{}, &validation.ValidationError{Field: "id", Message: "does not match the path"}
	}
	rule.ID = id
	if err := validation.ValidateRule(rule); err != nil {
		return models.RewardRule{}, err
	}

	updated, err := s.db.ReplaceRule(ctx, rule)
	if err != nil {
		return models.RewardRule{}, err
	}

	s.logger.InfoContext(ctx, "reward rule replaced",
		slog.String("rule_id", updated.ID),
		slog.Int("version", updated.Version),
	)
	return updated, nil
}

func (s *Service) GetRule(ctx context.Context, id string) (models.RewardRule, error) {
	if err := validation.ValidateUUID(id, "id"); err != nil {
		return models.RewardRule{}, err
	}
	return s.db.GetRule(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, filter database.RuleFilter) ([]models.RewardRule, error) {
	if filter.ActionType != "" && !filter.ActionType.Valid() {
		return nil, &validation.ValidationError{Field: "actionType", Message: fmt.Sprintf("unknown action type %q", filter.ActionType)}
	}
	return s.db.ListRules(ctx, filter)
}

// ArchiveRule soft-deletes a rule. Transactions keep referencing it.
func (s *Service) ArchiveRule(ctx context.Context, id, actor string) (models.RewardRule, error) {
	if err := validation.ValidateUUID(id, "id"); err != nil {
		return models.RewardRule{}, err
	}

	rule, err := s.db.ArchiveRule(ctx, id, actor)
	if err != nil {
		return models.RewardRule{}, err
	}

	s.logger.InfoContext(ctx, "reward rule archived",
		slog.String("rule_id", id),
		slog.String("actor", actor),
	)
	return rule, nil
}

func (s *Service) RuleVersions(ctx context.Context, id string) ([]models.RuleVersion, error) {
	if err := validation.ValidateUUID(id, "id"); err != nil {
		return nil, err
	}
	return s.db.RuleVersions(ctx, id)
}

// RuleOverlaps lists the other active rules that could fire on the same
// events as rule id.
func (s *Service) RuleOverlaps(ctx context.Context, id string) ([]models.RewardRule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	active, err := s.db.ListActiveRules(ctx, rule.ActionType)
	if err != nil {
		return nil, err
	}
	return reward.Overlaps(rule, active), nil
}

// RuleQuota reports a rule's usage counters for one user.
func (s *Service) RuleQuota(ctx context.Context, ruleID, userID string) (usage.Quota, error) {
	if err := validation.ValidateUUID(ruleID, "id"); err != nil {
		return usage.Quota{}, err
	}
	if err := validation.ValidateID(userID, "userId"); err != nil {
		return usage.Quota{}, err
	}
	return s.limiter.Quota(ctx, ruleID, userID)
}
