package ledger

import (
	"context"
	"fmt"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// History returns one page of a user's transactions, newest first, plus a
// summary over every transaction matching the filter.
func (w *Writer) History(ctx context.Context, userID string, filter models.TransactionFilter) (models.TransactionHistory, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}

	where := ` WHERE user_id = ?`
	args := []any{userID}
	if filter.Type != "" {
		where += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Tag != "" {
		where += ` AND tag = ?`
		args = append(args, filter.Tag)
	}
	if filter.StartDate != nil {
		where += ` AND date >= ?`
		args = append(args, database.FormatTime(*filter.StartDate))
	}
	if filter.EndDate != nil {
		where += ` AND date <= ?`
		args = append(args, database.FormatTime(*filter.EndDate))
	}

	var summary models.HistorySummary
	err := w.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN type = 'income' THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'outcome' THEN amount ELSE 0 END), 0)
		FROM transactions`+where, args...,
	).Scan(&summary.Count, &summary.TotalIncome, &summary.TotalOutcome)
	if err != nil {
		return models.TransactionHistory{}, fmt.Errorf("failed to summarize transactions: %w", err)
	}
	summary.Net = summary.TotalIncome - summary.TotalOutcome

	pageArgs := append(append([]any{}, args...), filter.Limit, (filter.Page-1)*filter.Limit)
	rows, err := w.db.Conn().QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions`+where+` ORDER BY date DESC, id LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return models.TransactionHistory{}, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return models.TransactionHistory{}, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return models.TransactionHistory{}, fmt.Errorf("error iterating transactions: %w", err)
	}

	totalPages := int((summary.Count + int64(filter.Limit) - 1) / int64(filter.Limit))

	return models.TransactionHistory{
		Transactions: transactions,
		Pagination: models.Pagination{
			Page:       filter.Page,
			Limit:      filter.Limit,
			Total:      summary.Count,
			TotalPages: totalPages,
		},
		Summary: summary,
	}, nil
}
