// Package usage owns the per-rule and per-(rule, user) usage counters. No
// other package reads or writes them.
package usage

import (
	"context"
	"database/sql"
	"fmt"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/models"
)

// Decision is the outcome of a reservation attempt.
type Decision int

const (
	Granted Decision = iota
	DeniedTotalCap
	DeniedPerUserCap
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case DeniedTotalCap:
		return "total_cap_reached"
	case DeniedPerUserCap:
		return "per_user_cap_reached"
	}
	return "unknown"
}

// Quota is a read-only view of a rule's counters for one user.
type Quota struct {
	RuleID    string `json:"ruleId"`
	UserID    string `json:"userId"`
	TotalUsed int64  `json:"totalUsed"`
	TotalCap  *int64 `json:"totalCap,omitempty"`
	UserUsed  int64  `json:"userUsed"`
	UserCap   *int64 `json:"userCap,omitempty"`
}

// Limiter enforces usage caps.
type Limiter struct {
	db *database.DB
}

func NewLimiter(db *database.DB) *Limiter {
	return &Limiter{db: db}
}

// Reserve consumes one use of ruleID for userID inside the caller's write
// transaction. Both counters are advanced with conditional updates, and a
// denial rolls back to a savepoint so neither counter moves. If the caller's
// transaction later rolls back, the reservation goes with it.
func (l *Limiter) Reserve(ctx context.Context, q database.Querier, ruleID, userID string) (Decision, error) {
	var maxPerUser sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT max_uses_per_user FROM reward_rules WHERE id = ?`, ruleID).Scan(&maxPerUser)
	if database.IsNoRows(err) {
		return 0, fmt.Errorf("%w: rule %s", models.ErrNotFound, ruleID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load rule caps: %w", err)
	}

	if _, err := q.ExecContext(ctx, `SAVEPOINT usage_reserve`); err != nil {
		return 0, fmt.Errorf("failed to open savepoint: %w", err)
	}

	decision, err := reserve(ctx, q, ruleID, userID, maxPerUser)
	if err != nil || decision != Granted {
		if _, rbErr := q.ExecContext(ctx, `ROLLBACK TO usage_reserve`); rbErr != nil && err == nil {
			err = fmt.Errorf("failed to roll back savepoint: %w", rbErr)
		}
	}
	if _, relErr := q.ExecContext(ctx, `RELEASE usage_reserve`); relErr != nil && err == nil {
		err = fmt.Errorf("failed to release savepoint: %w", relErr)
	}
	if err != nil {
		return 0, err
	}

	return decision, nil
}

func reserve(ctx context.Context, q database.Querier, ruleID, userID string, maxPerUser sql.NullInt64) (Decision, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE reward_rules SET current_total_uses = current_total_uses + 1
		WHERE id = ? AND (max_total_uses IS NULL OR current_total_uses < max_total_uses)`,
		ruleID)
	if err != nil {
		return 0, fmt.Errorf("failed to advance total usage: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("failed to advance total usage: %w", err)
	} else if n == 0 {
		return DeniedTotalCap, nil
	}

	res, err = q.ExecContext(ctx,
		`INSERT INTO usage_counters (rule_id, user_id, uses) VALUES (?, ?, 1)
		ON CONFLICT (rule_id, user_id) DO UPDATE SET uses = uses + 1
		WHERE ? IS NULL OR usage_counters.uses < ?`,
		ruleID, userID, maxPerUser, maxPerUser)
	if err != nil {
		return 0, fmt.Errorf("failed to advance user usage: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("failed to advance user usage: %w", err)
	} else if n == 0 {
		return DeniedPerUserCap, nil
	}

	return Granted, nil
}

// Quota reports the current counters and caps of a rule for a user.
func (l *Limiter) Quota(ctx context.Context, ruleID, userID string) (Quota, error) {
	quota := Quota{RuleID: ruleID, UserID: userID}

	var totalCap, userCap sql.NullInt64
	err := l.db.Conn().QueryRowContext(ctx,
		`SELECT current_total_uses, max_total_uses, max_uses_per_user FROM reward_rules WHERE id = ?`,
		ruleID).Scan(&quota.TotalUsed, &totalCap, &userCap)
	if database.IsNoRows(err) {
		return Quota{}, fmt.Errorf("%w: rule %s", models.ErrNotFound, ruleID)
	}
	if err != nil {
		return Quota{}, fmt.Errorf("failed to load rule usage: %w", err)
	}
	if totalCap.Valid {
		quota.TotalCap = &totalCap.Int64
	}
	if userCap.Valid {
		quota.UserCap = &userCap.Int64
	}

	err = l.db.Conn().QueryRowContext(ctx,
		`SELECT COALESCE((SELECT uses FROM usage_counters WHERE rule_id = ? AND user_id = ?), 0)`,
		ruleID, userID).Scan(&quota.UserUsed)
	if err != nil {
		return Quota{}, fmt.Errorf("failed to load user usage: %w", err)
	}

	return quota, nil
}
