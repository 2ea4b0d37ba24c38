package ledger

import (
	"context"
	"fmt"
	"time"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/models"
)

type delta struct {
	verifiedIncomes  int64
	verifiedOutcomes int64
	pendingIncomes   int64
	pendingOutcomes  int64
}

func transitionDelta(txn models.Transaction, to models.TransactionStatus) delta {
	var d delta
	if txn.Type == models.TransactionIncome {
		d.pendingIncomes = -txn.Amount
		if to == models.StatusVerified {
			d.verifiedIncomes = txn.Amount
		}
	} else {
		d.pendingOutcomes = -txn.Amount
		if to == models.StatusVerified {
			d.verifiedOutcomes = txn.Amount
		}
	}
	return d
}

// applyDelta is the single place the balance projection is written.
func applyDelta(ctx context.Context, q database.Querier, userID string, d delta) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO wallet_balances (user_id, verified_incomes, verified_outcomes, pending_incomes, pending_outcomes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			verified_incomes = verified_incomes + excluded.verified_incomes,
			verified_outcomes = verified_outcomes + excluded.verified_outcomes,
			pending_incomes = pending_incomes + excluded.pending_incomes,
			pending_outcomes = pending_outcomes + excluded.pending_outcomes,
			updated_at = excluded.updated_at`,
		userID, d.verifiedIncomes, d.verifiedOutcomes, d.pendingIncomes, d.pendingOutcomes,
		database.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to update balance projection: %w", err)
	}
	return nil
}

func loadBalance(ctx context.Context, q database.Querier, userID string) (models.Balance, error) {
	bal := models.Balance{UserID: userID}
	err := q.QueryRowContext(ctx,
		`SELECT verified_incomes, verified_outcomes, pending_incomes, pending_outcomes
		FROM wallet_balances WHERE user_id = ?`, userID,
	).Scan(&bal.TotalIncomes, &bal.TotalOutcomes, &bal.PendingIncomes, &bal.PendingOutcomes)
	if err != nil && !database.IsNoRows(err) {
		return models.Balance{}, fmt.Errorf("failed to load balance: %w", err)
	}
	return withDerived(bal), nil
}

func withDerived(bal models.Balance) models.Balance {
	bal.CurrentBalance = bal.TotalIncomes - bal.TotalOutcomes
	bal.AvailableBalance = bal.CurrentBalance - bal.PendingOutcomes
	return bal
}

// Balance returns the user's wallet projection. A user without any ledger
// history has an all-zero balance.
func (w *Writer) Balance(ctx context.Context, userID string) (models.Balance, error) {
	return loadBalance(ctx, w.db.Conn(), userID)
}

// Reconcile recomputes the balance from the full transaction history and
// compares it with the projection.
func (w *Writer) Reconcile(ctx context.Context, userID string) (models.ReconcileResponse, error) {
	projected, err := w.Balance(ctx, userID)
	if err != nil {
		return models.ReconcileResponse{}, err
	}

	rows, err := w.db.Conn().QueryContext(ctx,
		`SELECT type, status, COALESCE(SUM(amount), 0) FROM transactions
		WHERE user_id = ? AND status != 'rejected' GROUP BY type, status`, userID)
	if err != nil {
		return models.ReconcileResponse{}, fmt.Errorf("failed to recompute balance: %w", err)
	}
	defer rows.Close()

	recomputed := models.Balance{UserID: userID}
	for rows.Next() {
		var txType, status string
		var sum int64
		if err := rows.Scan(&txType, &status, &sum); err != nil {
			return models.ReconcileResponse{}, fmt.Errorf("failed to scan balance row: %w", err)
		}
		switch {
		case txType == string(models.TransactionIncome) && status == string(models.StatusVerified):
			recomputed.TotalIncomes = sum
		case txType == string(models.TransactionOutcome) && status == string(models.StatusVerified):
			recomputed.TotalOutcomes = sum
		case txType == string(models.TransactionIncome) && status == string(models.StatusPending):
			recomputed.PendingIncomes = sum
		case txType == string(models.TransactionOutcome) && status == string(models.StatusPending):
			recomputed.PendingOutcomes = sum
		}
	}
	if err := rows.Err(); err != nil {
		return models.ReconcileResponse{}, fmt.Errorf("error iterating balance rows: %w", err)
	}
	recomputed = withDerived(recomputed)

	return models.ReconcileResponse{
		Projected:  projected,
		Recomputed: recomputed,
		Drift:      projected != recomputed,
	}, nil
}
