// Package ledger owns wallet transactions and the per-user balance
// projection. The projection is only ever changed in the same database
// transaction as the ledger row that justifies the change.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/models"
	"referral-rewards-api/internal/tracing"
	"referral-rewards-api/internal/validation"
)

const transactionColumns = `id, user_id, amount, type, status, tag, description, date,
	verified_at, verified_by, rule_id, rule_version, referral_event_id, event_id`

// Entry describes a new pending ledger row.
type Entry struct {
	UserID          string
	Amount          int64
	Type            models.TransactionType
	Tag             string
	Description     string
	RuleID          string
	RuleVersion     int
	ReferralEventID string
	EventID         string
}

// Writer appends and transitions ledger entries.
type Writer struct {
	db     *database.DB
	logger *slog.Logger
}

func NewWriter(db *database.DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{db: db, logger: logger}
}

// AppendPending inserts a pending entry inside the caller's transaction.
// Verified totals are untouched; only the pending side of the projection moves.
func (w *Writer) AppendPending(ctx context.Context, q database.Querier, e Entry) (models.Transaction, error) {
	if err := validation.ValidateLedgerInput(e.UserID, e.Amount, e.Type, e.Tag, e.Description); err != nil {
		return models.Transaction{}, err
	}

	txn := models.Transaction{
		ID:              uuid.NewString(),
		UserID:          e.UserID,
		Amount:          e.Amount,
		Type:            e.Type,
		Status:          models.StatusPending,
		Tag:             e.Tag,
		Description:     e.Description,
		Date:            time.Now().UTC(),
		RuleID:          e.RuleID,
		RuleVersion:     e.RuleVersion,
		ReferralEventID: e.ReferralEventID,
		EventID:         e.EventID,
	}

	var ruleID sql.NullString
	if txn.RuleID != "" {
		ruleID = sql.NullString{String: txn.RuleID, Valid: true}
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, '', ?, ?, ?, ?)`,
		txn.ID, txn.UserID, txn.Amount, string(txn.Type), string(txn.Status), txn.Tag, txn.Description,
		database.FormatTime(txn.Date), ruleID, txn.RuleVersion, txn.ReferralEventID, txn.EventID)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}

	d := delta{}
	if txn.Type == models.TransactionIncome {
		d.pendingIncomes = txn.Amount
	} else {
		d.pendingOutcomes = txn.Amount
	}
	if err := applyDelta(ctx, q, txn.UserID, d); err != nil {
		return models.Transaction{}, err
	}

	return txn, nil
}

// Append inserts a pending entry in its own transaction.
func (w *Writer) Append(ctx context.Context, e Entry) (models.Transaction, error) {
	var txn models.Transaction
	err := w.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		txn, err = w.AppendPending(ctx, tx, e)
		return err
	})
	if err != nil {
		return models.Transaction{}, err
	}

	w.logger.InfoContext(ctx, "pending transaction recorded",
		slog.String("transaction_id", txn.ID),
		slog.String("user_id", txn.UserID),
		slog.String("type", string(txn.Type)),
		slog.Int64("amount", txn.Amount),
		slog.String("tag", txn.Tag),
	)
	return txn, nil
}

// Verify moves a pending entry to verified and folds it into the balance.
func (w *Writer) Verify(ctx context.Context, id, verifiedBy string) (models.Transaction, error) {
	return w.transition(ctx, id, verifiedBy, models.StatusVerified)
}

// Reject moves a pending entry to rejected. It never affects the balance.
func (w *Writer) Reject(ctx context.Context, id, verifiedBy string) (models.Transaction, error) {
	return w.transition(ctx, id, verifiedBy, models.StatusRejected)
}

func (w *Writer) transition(ctx context.Context, id, actor string, to models.TransactionStatus) (models.Transaction, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "ledger.transition")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id), attribute.String("transaction.decision", string(to)))

	var (
		txn     models.Transaction
		outcome error
	)
	err := w.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		txn, err = getTransaction(ctx, tx, id)
		if err != nil {
			return err
		}

		if txn.Status != models.StatusPending {
			outcome = fmt.Errorf("%w: transaction %s is %s", models.ErrAlreadyTerminal, id, txn.Status)
			return database.InsertAudit(ctx, tx, models.AuditEntry{
				Kind:          models.AuditAlreadyTerminal,
				UserID:        txn.UserID,
				TransactionID: id,
				Actor:         actor,
				Detail:        fmt.Sprintf("attempted %s on %s transaction", to, txn.Status),
			})
		}

		if to == models.StatusVerified && txn.Type == models.TransactionOutcome {
			bal, err := loadBalance(ctx, tx, txn.UserID)
			if err != nil {
				return err
			}
			if bal.CurrentBalance < txn.Amount {
				outcome = &models.InsufficientBalanceError{Requested: txn.Amount, Available: bal.CurrentBalance}
				return database.InsertAudit(ctx, tx, models.AuditEntry{
					Kind:          models.AuditInsufficientBalance,
					UserID:        txn.UserID,
					TransactionID: id,
					Actor:         actor,
					Detail:        outcome.Error(),
				})
			}
		}

		now := time.Now().UTC()
		var verifiedAt sql.NullString
		if to == models.StatusVerified {
			verifiedAt = sql.NullString{String: database.FormatTime(now), Valid: true}
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE transactions SET status = ?, verified_at = ?, verified_by = ?
			WHERE id = ? AND status = 'pending'`,
			string(to), verifiedAt, actor, id)
		if err != nil {
			return fmt.Errorf("failed to update transaction: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to update transaction: %w", err)
		} else if n != 1 {
			return fmt.Errorf("%w: transaction %s changed concurrently", models.ErrAlreadyTerminal, id)
		}

		if err := applyDelta(ctx, tx, txn.UserID, transitionDelta(txn, to)); err != nil {
			return err
		}

		txn.Status = to
		txn.VerifiedBy = actor
		if to == models.StatusVerified {
			txn.VerifiedAt = &now
		}

		kind := models.AuditTransactionVerified
		if to == models.StatusRejected {
			kind = models.AuditTransactionRejected
		}
		return database.InsertAudit(ctx, tx, models.AuditEntry{
			Kind:          kind,
			UserID:        txn.UserID,
			TransactionID: id,
			Actor:         actor,
			Detail:        fmt.Sprintf("%s %d (%s)", txn.Type, txn.Amount, txn.Tag),
		})
	})
	if err != nil {
		span.RecordError(err)
		return models.Transaction{}, err
	}
	if outcome != nil {
		w.logger.InfoContext(ctx, "transaction transition refused",
			slog.String("transaction_id", id),
			slog.String("decision", string(to)),
			slog.String("reason", outcome.Error()),
		)
		return txn, outcome
	}

	w.logger.InfoContext(ctx, "transaction transitioned",
		slog.String("transaction_id", id),
		slog.String("user_id", txn.UserID),
		slog.String("status", string(to)),
		slog.String("verified_by", actor),
	)
	return txn, nil
}

// Withdraw records a pending outcome if the user can cover it. The headroom
// check and the insert share one write transaction, and pending withdrawals
// already reserve headroom, so concurrent requests cannot overdraw.
func (w *Writer) Withdraw(ctx context.Context, userID string, amount int64, description string) (models.Transaction, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "ledger.withdraw")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Int64("amount", amount))

	if err := validation.ValidateID(userID, "userId"); err != nil {
		return models.Transaction{}, err
	}
	if err := validation.ValidateAmount(amount); err != nil {
		return models.Transaction{}, err
	}

	var (
		txn     models.Transaction
		outcome error
	)
	err := w.db.WithTx(ctx, func(tx *sql.Tx) error {
		bal, err := loadBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if amount > bal.AvailableBalance {
			outcome = &models.InsufficientBalanceError{Requested: amount, Available: bal.AvailableBalance}
			return database.InsertAudit(ctx, tx, models.AuditEntry{
				Kind:   models.AuditInsufficientBalance,
				UserID: userID,
				Actor:  userID,
				Detail: outcome.Error(),
			})
		}

		txn, err = w.AppendPending(ctx, tx, Entry{
			UserID:      userID,
			Amount:      amount,
			Type:        models.TransactionOutcome,
			Tag:         models.TagWithdrawal,
			Description: description,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return models.Transaction{}, err
	}
	if outcome != nil {
		w.logger.InfoContext(ctx, "withdrawal refused",
			slog.String("user_id", userID),
			slog.Int64("amount", amount),
			slog.String("reason", outcome.Error()),
		)
		return models.Transaction{}, outcome
	}

	w.logger.InfoContext(ctx, "withdrawal requested",
		slog.String("transaction_id", txn.ID),
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
	)
	return txn, nil
}

// Get returns a transaction by ID.
func (w *Writer) Get(ctx context.Context, id string) (models.Transaction, error) {
	return getTransaction(ctx, w.db.Conn(), id)
}

func getTransaction(ctx context.Context, q database.Querier, id string) (models.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	txn, err := scanTransaction(row)
	if database.IsNoRows(err) {
		return models.Transaction{}, fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Transaction{}, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var (
		txn                  models.Transaction
		txType, status, date string
		verifiedAt, ruleID   sql.NullString
	)
	err := row.Scan(&txn.ID, &txn.UserID, &txn.Amount, &txType, &status, &txn.Tag, &txn.Description, &date,
		&verifiedAt, &txn.VerifiedBy, &ruleID, &txn.RuleVersion, &txn.ReferralEventID, &txn.EventID)
	if err != nil {
		return models.Transaction{}, err
	}

	txn.Type = models.TransactionType(txType)
	txn.Status = models.TransactionStatus(status)
	txn.RuleID = ruleID.String
	if txn.Date, err = database.ParseTime(date); err != nil {
		return models.Transaction{}, err
	}
	if txn.VerifiedAt, err = database.ParseNullTime(verifiedAt); err != nil {
		return models.Transaction{}, err
	}
	return txn, nil
}
