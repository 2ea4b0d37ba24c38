package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/events"
	"referral-rewards-api/internal/features"
	"referral-rewards-api/internal/ledger"
	"referral-rewards-api/internal/models"
	"referral-rewards-api/internal/reward"
	"referral-rewards-api/internal/tracing"
	"referral-rewards-api/internal/usage"
	"referral-rewards-api/internal/validation"
)

// Reasons recorded in ProcessResult and in rewards_denied_total.
const (
	ReasonNoReferral       = "no_referral"
	ReasonReferrerMismatch = "referrer_mismatch"
	ReasonNoMatchingRules  = "no_matching_rules"
	ReasonZeroAmount       = "zero_amount"
	ReasonInvalidRule      = "invalid_rule"
)

type pairKind int

const (
	pairGranted pairKind = iota
	pairResumed
	pairDenied
	pairSkipped
)

// ProcessQualifyingEvent runs the reward pipeline for one upstream event.
//
// Delivery is at-least-once, so the event ID is the idempotency key: a
// completed event returns its stored result flagged as duplicate, and an
// event left in processing by a timeout or crash resumes, skipping every
// (rule, role) pair that was already committed.
func (s *Service) ProcessQualifyingEvent(ctx context.Context, event models.QualifyingEvent) (models.ProcessResult, error) {
	start := time.Now()
	event.OccurredAt = event.OccurredAt.UTC()

	ctx, span := tracing.GetTracer().StartSpan(ctx, "rewards.ProcessQualifyingEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", event.EventID),
		attribute.String("event.action_type", string(event.ActionType)),
	)

	if err := validation.ValidateQualifyingEvent(event); err != nil {
		s.metrics.EventProcessed("invalid", time.Since(start))
		return models.ProcessResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.processEvent(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.EventProcessed("error", time.Since(start))
		s.logger.ErrorContext(ctx, "qualifying event failed",
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()),
		)
		return models.ProcessResult{}, err
	}

	duration := time.Since(start)
	outcome := "processed"
	switch {
	case result.Duplicate:
		outcome = "duplicate"
	case result.Reason != "":
		outcome = result.Reason
	}
	s.metrics.EventProcessed(outcome, duration)
	span.SetAttributes(
		attribute.Bool("event.duplicate", result.Duplicate),
		attribute.Int("event.granted", len(result.Granted)),
		attribute.Int("event.denied", len(result.Denied)),
	)

	if !result.Duplicate {
		s.events.Publish(ctx, events.EventProcessed, events.ProcessedData{Result: result, Duration: duration})
	}

	s.logger.InfoContext(ctx, "qualifying event processed",
		slog.String("event_id", event.EventID),
		slog.Bool("duplicate", result.Duplicate),
		slog.String("reason", result.Reason),
		slog.Int("granted", len(result.Granted)),
		slog.Int("denied", len(result.Denied)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Duration("duration", duration),
	)
	return result, nil
}

func (s *Service) processEvent(ctx context.Context, event models.QualifyingEvent) (models.ProcessResult, error) {
	hash, err := payloadHash(event)
	if err != nil {
		return models.ProcessResult{}, err
	}

	state, stored, err := s.db.ClaimEvent(ctx, event.EventID, hash)
	if err != nil {
		return models.ProcessResult{}, err
	}
	if state == database.EventCompleted && stored != nil {
		stored.Duplicate = true
		return *stored, nil
	}
	if state == database.EventProcessing {
		s.logger.InfoContext(ctx, "resuming partially processed event", slog.String("event_id", event.EventID))
	}

	result := models.ProcessResult{
		EventID: event.EventID,
		Granted: []models.PairOutcome{},
		Denied:  []models.PairOutcome{},
		Skipped: []models.PairOutcome{},
	}

	referral, reason, err := s.resolveReferral(ctx, event)
	if err != nil {
		return models.ProcessResult{}, err
	}
	if reason != "" {
		result.Reason = reason
		return result, s.db.CompleteEvent(ctx, event.EventID, result)
	}
	result.ReferralID = referral.ID

	rules, err := s.db.ListActiveRules(ctx, event.ActionType)
	if err != nil {
		return models.ProcessResult{}, err
	}
	matched := reward.Match(rules, event)
	if len(matched) == 0 {
		result.Reason = ReasonNoMatchingRules
	}

	for _, rule := range matched {
		payouts, err := reward.Calculate(rule, event.Amount)
		if err != nil {
			s.logger.WarnContext(ctx, "rule cannot be evaluated",
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()),
			)
			result.Skipped = append(result.Skipped, models.PairOutcome{RuleID: rule.ID, Reason: ReasonInvalidRule})
			continue
		}

		for _, payout := range payouts {
			if err := ctx.Err(); err != nil {
				return models.ProcessResult{}, fmt.Errorf("event %s interrupted: %w", event.EventID, err)
			}

			pair, kind, txn, err := s.processPair(ctx, event, referral, rule, payout)
			if err != nil {
				return models.ProcessResult{}, err
			}

			switch kind {
			case pairGranted:
				result.Granted = append(result.Granted, pair)
				s.metrics.RewardGranted(string(event.ActionType), string(rule.RewardType), pair.Amount)
				s.events.Publish(ctx, events.EventRewardGranted, events.RewardGrantedData{
					EventID:     event.EventID,
					RuleID:      rule.ID,
					ActionType:  event.ActionType,
					RewardType:  rule.RewardType,
					Transaction: txn,
				})
			case pairResumed:
				result.Granted = append(result.Granted, pair)
			case pairDenied:
				result.Denied = append(result.Denied, pair)
				s.metrics.RewardDenied(pair.Reason)
				s.events.Publish(ctx, events.EventRewardDenied, events.RewardDeniedData{
					EventID: event.EventID,
					RuleID:  rule.ID,
					UserID:  pair.UserID,
					Reason:  pair.Reason,
				})
			case pairSkipped:
				result.Skipped = append(result.Skipped, pair)
			}
		}
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := database.CountGrantsForReferral(ctx, tx, referral.ID)
		if err != nil || n == 0 {
			return err
		}
		_, err = database.MarkReferralRewarded(ctx, tx, referral.ID, s.now())
		return err
	})
	if err != nil {
		return models.ProcessResult{}, err
	}

	if err := s.db.CompleteEvent(ctx, event.EventID, result); err != nil {
		return models.ProcessResult{}, err
	}
	return result, nil
}

// resolveReferral finds the referral the event's user was referred under and
// marks it completed on its first qualifying event. A non-empty reason means
// the event earns nothing.
func (s *Service) resolveReferral(ctx context.Context, event models.QualifyingEvent) (models.ReferralEvent, string, error) {
	var (
		referral models.ReferralEvent
		reason   string
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if event.ReferrerID != "" && s.features.IsEnabled(features.AutoCreateReferral) {
			referral, err = database.EnsureReferral(ctx, tx, event.ReferrerID, event.UserID, s.now())
			if errors.Is(err, models.ErrConflict) {
				reason = ReasonReferrerMismatch
				return nil
			}
		} else {
			referral, err = database.GetReferralByReferee(ctx, tx, event.UserID)
			if errors.Is(err, models.ErrNotFound) {
				reason = ReasonNoReferral
				return nil
			}
			if err == nil && event.ReferrerID != "" && referral.ReferrerID != event.ReferrerID {
				reason = ReasonReferrerMismatch
				return nil
			}
		}
		if err != nil {
			return err
		}

		if referral.Status == models.ReferralExpired {
			reason = ReasonNoReferral
			return nil
		}
		if referral.Status == models.ReferralPending {
			now := s.now()
			if err := database.MarkReferralCompleted(ctx, tx, referral.ID, now); err != nil {
				return err
			}
			referral.Status = models.ReferralCompleted
			referral.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return models.ReferralEvent{}, "", err
	}
	return referral, reason, nil
}

// processPair commits one (rule, role) payout in its own write transaction:
// reserve quota, append the pending income, record the grant marker and the
// audit row. Either all of it commits or none of it does.
func (s *Service) processPair(ctx context.Context, event models.QualifyingEvent, referral models.ReferralEvent,
	rule models.RewardRule, payout reward.Payout) (models.PairOutcome, pairKind, models.Transaction, error) {

	pair := models.PairOutcome{
		RuleID: rule.ID,
		Role:   payout.Role,
		UserID: recipientID(referral, payout.Role),
		Amount: payout.Amount,
	}

	var (
		kind pairKind
		txn  models.Transaction
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := database.FindGrant(ctx, tx, event.EventID, rule.ID, payout.Role)
		if err != nil {
			return err
		}
		if existing != nil {
			kind = pairResumed
			pair.Amount = existing.Amount
			pair.TransactionID = existing.TransactionID
			return nil
		}

		if payout.Amount <= 0 {
			kind = pairSkipped
			pair.Reason = ReasonZeroAmount
			return database.InsertAudit(ctx, tx, models.AuditEntry{
				Kind:    models.AuditPairSkipped,
				UserID:  pair.UserID,
				RuleID:  rule.ID,
				EventID: event.EventID,
				Detail:  fmt.Sprintf("%s payout rounds to zero", payout.Role),
			})
		}

		decision, err := s.limiter.Reserve(ctx, tx, rule.ID, pair.UserID)
		if err != nil {
			return err
		}
		if decision != usage.Granted {
			kind = pairDenied
			pair.Reason = decision.String()
			return database.InsertAudit(ctx, tx, models.AuditEntry{
				Kind:    models.AuditCapExceeded,
				UserID:  pair.UserID,
				RuleID:  rule.ID,
				EventID: event.EventID,
				Detail:  fmt.Sprintf("%s payout of %d denied: %s", payout.Role, payout.Amount, decision),
			})
		}

		txn, err = s.ledger.AppendPending(ctx, tx, ledger.Entry{
			UserID:          pair.UserID,
			Amount:          payout.Amount,
			Type:            models.TransactionIncome,
			Tag:             payout.Tag,
			Description:     fmt.Sprintf("%s reward: %s", payout.Role, rule.Name),
			RuleID:          rule.ID,
			RuleVersion:     rule.Version,
			ReferralEventID: referral.ID,
			EventID:         event.EventID,
		})
		if err != nil {
			return err
		}

		if err := database.InsertGrant(ctx, tx, database.Grant{
			EventID:         event.EventID,
			RuleID:          rule.ID,
			Role:            payout.Role,
			UserID:          pair.UserID,
			ReferralEventID: referral.ID,
			TransactionID:   txn.ID,
			Amount:          payout.Amount,
			RewardType:      rule.RewardType,
			CreatedAt:       s.now(),
		}); err != nil {
			return err
		}

		kind = pairGranted
		pair.TransactionID = txn.ID
		return database.InsertAudit(ctx, tx, models.AuditEntry{
			Kind:          models.AuditRewardGranted,
			UserID:        pair.UserID,
			RuleID:        rule.ID,
			EventID:       event.EventID,
			TransactionID: txn.ID,
			Detail:        fmt.Sprintf("%s %s reward of %d (rule version %d)", payout.Role, rule.RewardType, payout.Amount, rule.Version),
		})
	})
	if err != nil {
		return models.PairOutcome{}, 0, models.Transaction{}, fmt.Errorf("failed to process rule %s for %s: %w", rule.ID, payout.Role, err)
	}

	if kind == pairDenied {
		s.logger.InfoContext(ctx, "reward denied by usage cap",
			slog.String("event_id", event.EventID),
			slog.String("rule_id", rule.ID),
			slog.String("user_id", pair.UserID),
			slog.String("reason", pair.Reason),
		)
	}
	return pair, kind, txn, nil
}

func recipientID(referral models.ReferralEvent, role models.RecipientRole) string {
	if role == models.RecipientReferee {
		return referral.RefereeID
	}
	return referral.ReferrerID
}

// payloadHash fingerprints the event so that a redelivery carrying a
// different payload under the same ID can be told apart from a retry.
func payloadHash(event models.QualifyingEvent) (string, error) {
	encoded, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
