package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"referral-rewards-api/internal/models"
)

// EventState is the processing state of a qualifying event.
type EventState string

const (
	EventNew        EventState = "new"
	EventProcessing EventState = "processing"
	EventCompleted  EventState = "completed"
)

// Grant is the durable marker that one (event, rule, role) payout was committed.
type Grant struct {
	EventID         string
	RuleID          string
	Role            models.RecipientRole
	UserID          string
	ReferralEventID string
	TransactionID   string
	Amount          int64
	RewardType      models.RewardType
	CreatedAt       time.Time
}

// ClaimEvent registers an event for processing, keyed by its ID.
//
// A new event is inserted as processing. A completed event with the same
// payload hash returns its stored result. A payload that differs from the one
// first seen under the same ID is a conflict. A processing event is returned
// as such so that the caller can resume it.
func (db *DB) ClaimEvent(ctx context.Context, eventID, payloadHash string) (EventState, *models.ProcessResult, error) {
	var (
		state  EventState
		result *models.ProcessResult
	)

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var storedHash, status, stored string
		err := tx.QueryRowContext(ctx,
			`SELECT payload_hash, status, result FROM processed_events WHERE event_id = ?`, eventID,
		).Scan(&storedHash, &status, &stored)

		if IsNoRows(err) {
			now := FormatTime(time.Now())
			_, err = tx.ExecContext(ctx,
				`INSERT INTO processed_events (event_id, payload_hash, status, created_at, updated_at)
				VALUES (?, ?, 'processing', ?, ?)`,
				eventID, payloadHash, now, now)
			if err != nil {
				return fmt.Errorf("failed to register event: %w", err)
			}
			state = EventNew
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up event: %w", err)
		}

		if storedHash != payloadHash {
			return fmt.Errorf("%w: event %s was already delivered with a different payload", models.ErrConflict, eventID)
		}

		state = EventState(status)
		if state == EventCompleted && stored != "" {
			result = &models.ProcessResult{}
			if err := json.Unmarshal([]byte(stored), result); err != nil {
				return fmt.Errorf("failed to decode stored result: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	return state, result, nil
}

// CompleteEvent stores the final result of a processed event.
func (db *DB) CompleteEvent(ctx context.Context, eventID string, result models.ProcessResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE processed_events SET status = 'completed', result = ?, updated_at = ? WHERE event_id = ?`,
			string(encoded), FormatTime(time.Now()), eventID)
		if err != nil {
			return fmt.Errorf("failed to complete event: %w", err)
		}
		return nil
	})
}

// FindGrant returns the committed grant for (event, rule, role), if any.
func FindGrant(ctx context.Context, q Querier, eventID, ruleID string, role models.RecipientRole) (*Grant, error) {
	var (
		g                       Grant
		roleStr, rewardType, at string
	)
	err := q.QueryRowContext(ctx,
		`SELECT event_id, rule_id, recipient_role, user_id, referral_event_id, transaction_id, amount, reward_type, created_at
		FROM reward_grants WHERE event_id = ? AND rule_id = ? AND recipient_role = ?`,
		eventID, ruleID, string(role),
	).Scan(&g.EventID, &g.RuleID, &roleStr, &g.UserID, &g.ReferralEventID, &g.TransactionID, &g.Amount, &rewardType, &at)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up grant: %w", err)
	}

	g.Role = models.RecipientRole(roleStr)
	g.RewardType = models.RewardType(rewardType)
	if g.CreatedAt, err = ParseTime(at); err != nil {
		return nil, err
	}
	return &g, nil
}

// InsertGrant records a committed payout.
func InsertGrant(ctx context.Context, q Querier, g Grant) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO reward_grants (event_id, rule_id, recipient_role, user_id, referral_event_id,
			transaction_id, amount, reward_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.EventID, g.RuleID, string(g.Role), g.UserID, g.ReferralEventID,
		g.TransactionID, g.Amount, string(g.RewardType), FormatTime(g.CreatedAt))
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: grant for event %s rule %s role %s", models.ErrDuplicateEvent, g.EventID, g.RuleID, g.Role)
		}
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

// CountGrantsForReferral counts committed payouts attributed to a referral.
func CountGrantsForReferral(ctx context.Context, q Querier, referralID string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reward_grants WHERE referral_event_id = ?`, referralID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count grants: %w", err)
	}
	return n, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
