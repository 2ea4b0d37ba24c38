package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"referral-rewards-api/internal/models"
)

const ruleColumns = `id, name, description, action_type, service_slug, is_active, reward_type,
	reward_amount, max_reward_amount, min_amount, max_uses_per_user, max_total_uses,
	current_total_uses, reward_recipient, referrer_reward_amount, referee_reward_amount,
	valid_from, valid_until, version, created_at, updated_at, archived_at`

// RuleFilter narrows ListRules.
type RuleFilter struct {
	ActionType      models.ActionType
	IncludeArchived bool
}

// CreateRule stores a new rule as version 1.
func (db *DB) CreateRule(ctx context.Context, rule models.RewardRule) (models.RewardRule, error) {
	now := time.Now().UTC()
	rule.Version = 1
	rule.CurrentTotalUses = 0
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.ArchivedAt = nil

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO reward_rules (`+ruleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ruleArgs(rule)...)
		if err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("%w: rule %s already exists", models.ErrConflict, rule.ID)
			}
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		return insertRuleVersion(ctx, tx, rule)
	})
	if err != nil {
		return models.RewardRule{}, err
	}

	return rule, nil
}

// ReplaceRule overwrites every definition field of an existing rule and bumps
// its version. The usage counter and creation time are preserved.
func (db *DB) ReplaceRule(ctx context.Context, rule models.RewardRule) (models.RewardRule, error) {
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := getRule(ctx, tx, rule.ID)
		if err != nil {
			return err
		}
		if current.ArchivedAt != nil {
			return fmt.Errorf("%w: rule %s is archived", models.ErrConflict, rule.ID)
		}
		if rule.MaxTotalUses != nil && *rule.MaxTotalUses < current.CurrentTotalUses {
			return fmt.Errorf("%w: maxTotalUses %d is below currentTotalUses %d",
				models.ErrConflict, *rule.MaxTotalUses, current.CurrentTotalUses)
		}

		rule.Version = current.Version + 1
		rule.CurrentTotalUses = current.CurrentTotalUses
		rule.CreatedAt = current.CreatedAt
		rule.UpdatedAt = time.Now().UTC()
		rule.ArchivedAt = nil

		_, err = tx.ExecContext(ctx, `UPDATE reward_rules SET
			name = ?, description = ?, action_type = ?, service_slug = ?, is_active = ?,
			reward_type = ?, reward_amount = ?, max_reward_amount = ?, min_amount = ?,
			max_uses_per_user = ?, max_total_uses = ?, reward_recipient = ?,
			referrer_reward_amount = ?, referee_reward_amount = ?, valid_from = ?,
			valid_until = ?, version = ?, updated_at = ?
			WHERE id = ?`,
			rule.Name, rule.Description, string(rule.ActionType), rule.ServiceSlug, rule.IsActive,
			string(rule.RewardType), rule.RewardAmount, NullInt64(rule.MaxRewardAmount), NullInt64(rule.MinAmount),
			NullInt64(rule.MaxUsesPerUser), NullInt64(rule.MaxTotalUses), string(rule.RewardRecipient),
			nullDecimal(rule.ReferrerRewardAmount), nullDecimal(rule.RefereeRewardAmount), NullTime(rule.ValidFrom),
			NullTime(rule.ValidUntil), rule.Version, FormatTime(rule.UpdatedAt),
			rule.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}
		return insertRuleVersion(ctx, tx, rule)
	})
	if err != nil {
		return models.RewardRule{}, err
	}

	return rule, nil
}

// ArchiveRule soft-deletes a rule: it is deactivated and hidden from default
// listings, but its row and version history remain for historical references.
func (db *DB) ArchiveRule(ctx context.Context, id, actor string) (models.RewardRule, error) {
	var rule models.RewardRule
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := getRule(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.ArchivedAt != nil {
			rule = current
			return nil
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE reward_rules SET is_active = 0, archived_at = ?, updated_at = ? WHERE id = ?`,
			FormatTime(now), FormatTime(now), id)
		if err != nil {
			return fmt.Errorf("failed to archive rule: %w", err)
		}

		current.IsActive = false
		current.ArchivedAt = &now
		current.UpdatedAt = now
		rule = current

		return InsertAudit(ctx, tx, models.AuditEntry{
			Kind:   models.AuditRuleArchived,
			RuleID: id,
			Actor:  actor,
			Detail: fmt.Sprintf("archived at version %d with %d total uses", current.Version, current.CurrentTotalUses),
		})
	})
	if err != nil {
		return models.RewardRule{}, err
	}
	return rule, nil
}

// GetRule returns a rule by ID.
func (db *DB) GetRule(ctx context.Context, id string) (models.RewardRule, error) {
	return getRule(ctx, db.conn, id)
}

func getRule(ctx context.Context, q Querier, id string) (models.RewardRule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM reward_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if IsNoRows(err) {
		return models.RewardRule{}, fmt.Errorf("%w: rule %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.RewardRule{}, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// ListRules returns rules ordered by creation time.
func (db *DB) ListRules(ctx context.Context, filter RuleFilter) ([]models.RewardRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM reward_rules WHERE 1 = 1`
	var args []any

	if filter.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, string(filter.ActionType))
	}
	if !filter.IncludeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY created_at, id`

	return queryRules(ctx, db.conn, query, args...)
}

// ListActiveRules returns the active, unarchived rules for an action type in
// deterministic order. Window and amount checks belong to the matcher.
func (db *DB) ListActiveRules(ctx context.Context, actionType models.ActionType) ([]models.RewardRule, error) {
	return queryRules(ctx, db.conn,
		`SELECT `+ruleColumns+` FROM reward_rules
		WHERE action_type = ? AND is_active = 1 AND archived_at IS NULL
		ORDER BY created_at, id`,
		string(actionType))
}

// RuleVersions returns the definition history of a rule, oldest first.
func (db *DB) RuleVersions(ctx context.Context, id string) ([]models.RuleVersion, error) {
	if _, err := db.GetRule(ctx, id); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT rule_id, version, definition, created_at FROM reward_rule_versions
		WHERE rule_id = ? ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule versions: %w", err)
	}
	defer rows.Close()

	var versions []models.RuleVersion
	for rows.Next() {
		var v models.RuleVersion
		var definition, createdAt string
		if err := rows.Scan(&v.RuleID, &v.Version, &definition, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule version: %w", err)
		}
		if err := json.Unmarshal([]byte(definition), &v.Rule); err != nil {
			return nil, fmt.Errorf("failed to decode rule version %d: %w", v.Version, err)
		}
		if v.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule versions: %w", err)
	}

	return versions, nil
}

func insertRuleVersion(ctx context.Context, q Querier, rule models.RewardRule) error {
	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule definition: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO reward_rule_versions (rule_id, version, definition, created_at) VALUES (?, ?, ?, ?)`,
		rule.ID, rule.Version, string(definition), FormatTime(rule.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert rule version: %w", err)
	}
	return nil
}

func queryRules(ctx context.Context, q Querier, query string, args ...any) ([]models.RewardRule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := []models.RewardRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (models.RewardRule, error) {
	var (
		rule                                       models.RewardRule
		actionType, rewardType, recipient          string
		maxReward, minAmount, maxPerUser, maxTotal sql.NullInt64
		referrerAmount, refereeAmount              decimal.NullDecimal
		validFrom, validUntil, archivedAt          sql.NullString
		createdAt, updatedAt                       string
	)

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &actionType, &rule.ServiceSlug, &rule.IsActive, &rewardType,
		&rule.RewardAmount, &maxReward, &minAmount, &maxPerUser, &maxTotal,
		&rule.CurrentTotalUses, &recipient, &referrerAmount, &refereeAmount,
		&validFrom, &validUntil, &rule.Version, &createdAt, &updatedAt, &archivedAt,
	)
	if err != nil {
		return models.RewardRule{}, err
	}

	rule.ActionType = models.ActionType(actionType)
	rule.RewardType = models.RewardType(rewardType)
	rule.RewardRecipient = models.RecipientRole(recipient)
	rule.MaxRewardAmount = int64Ptr(maxReward)
	rule.MinAmount = int64Ptr(minAmount)
	rule.MaxUsesPerUser = int64Ptr(maxPerUser)
	rule.MaxTotalUses = int64Ptr(maxTotal)
	if referrerAmount.Valid {
		rule.ReferrerRewardAmount = &referrerAmount.Decimal
	}
	if refereeAmount.Valid {
		rule.RefereeRewardAmount = &refereeAmount.Decimal
	}

	if rule.ValidFrom, err = ParseNullTime(validFrom); err != nil {
		return models.RewardRule{}, err
	}
	if rule.ValidUntil, err = ParseNullTime(validUntil); err != nil {
		return models.RewardRule{}, err
	}
	if rule.ArchivedAt, err = ParseNullTime(archivedAt); err != nil {
		return models.RewardRule{}, err
	}
	if rule.CreatedAt, err = ParseTime(createdAt); err != nil {
		return models.RewardRule{}, err
	}
	if rule.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return models.RewardRule{}, err
	}

	return rule, nil
}

func ruleArgs(rule models.RewardRule) []any {
	return []any{
		rule.ID, rule.Name, rule.Description, string(rule.ActionType), rule.ServiceSlug, rule.IsActive,
		string(rule.RewardType), rule.RewardAmount, NullInt64(rule.MaxRewardAmount), NullInt64(rule.MinAmount),
		NullInt64(rule.MaxUsesPerUser), NullInt64(rule.MaxTotalUses), rule.CurrentTotalUses,
		string(rule.RewardRecipient), nullDecimal(rule.ReferrerRewardAmount), nullDecimal(rule.RefereeRewardAmount),
		NullTime(rule.ValidFrom), NullTime(rule.ValidUntil), rule.Version,
		FormatTime(rule.CreatedAt), FormatTime(rule.UpdatedAt), NullTime(rule.ArchivedAt),
	}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
