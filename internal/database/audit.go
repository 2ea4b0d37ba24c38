package database

import (
	"context"
	"fmt"
	"time"

	"referral-rewards-api/internal/models"
)

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	Kind   string
	UserID string
	RuleID string
	Limit  int
}

// InsertAudit appends an entry to the audit trail. It is called inside the
// transaction of the operation being audited.
func InsertAudit(ctx context.Context, q Querier, entry models.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (kind, user_id, rule_id, event_id, transaction_id, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Kind, entry.UserID, entry.RuleID, entry.EventID, entry.TransactionID,
		entry.Actor, entry.Detail, FormatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit entries first.
func (db *DB) ListAudit(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error) {
	query := `SELECT id, kind, user_id, rule_id, event_id, transaction_id, actor, detail, created_at
		FROM audit_log WHERE 1 = 1`
	var args []any

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.RuleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, filter.RuleID)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &e.UserID, &e.RuleID, &e.EventID, &e.TransactionID,
			&e.Actor, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}

	return entries, nil
}
