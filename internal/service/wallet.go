package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/events"
	"referral-rewards-api/internal/features"
	"referral-rewards-api/internal/ledger"
	"referral-rewards-api/internal/models"
	"referral-rewards-api/internal/validation"
)

// Wallet actions accepted by WalletAction.
const (
	ActionAddIncome = "add_income"
	ActionWithdraw  = "withdraw"
)

// engineTags are written only by the reward pipeline and the withdraw guard.
var engineTags = map[string]bool{
	models.TagReferralReward:       true,
	models.TagReferralWalletCredit: true,
	models.TagWithdrawal:           true,
}

// WalletAction dispatches a user wallet request.
func (s *Service) WalletAction(ctx context.Context, userID string, req models.WalletActionRequest) (models.Transaction, error) {
	switch req.Action {
	case ActionAddIncome:
		return s.AddIncome(ctx, userID, req.Amount, req.Description, req.Tag)
	case ActionWithdraw:
		return s.Withdraw(ctx, userID, req.Amount, req.Description)
	}
	return models.Transaction{}, &validation.ValidationError{
		Field:   "action",
		Message: fmt.Sprintf("must be %s or %s", ActionAddIncome, ActionWithdraw),
	}
}

// AddIncome records a pending deposit. It only counts toward the balance
// once an administrator verifies it.
func (s *Service) AddIncome(ctx context.Context, userID string, amount int64, description, tag string) (models.Transaction, error) {
	if tag == "" {
		tag = models.TagManualDeposit
	}
	if engineTags[tag] {
		return models.Transaction{}, &validation.ValidationError{Field: "tag", Message: fmt.Sprintf("%q is reserved", tag)}
	}

	return s.ledger.Append(ctx, ledger.Entry{
		UserID:      userID,
		Amount:      amount,
		Type:        models.TransactionIncome,
		Tag:         tag,
		Description: validation.SanitizeString(description),
	})
}

func (s *Service) Withdraw(ctx context.Context, userID string, amount int64, description string) (models.Transaction, error) {
	if !s.features.IsEnabled(features.Withdrawals) {
		return models.Transaction{}, fmt.Errorf("%w: withdrawals", models.ErrFeatureDisabled)
	}

	txn, err := s.ledger.Withdraw(ctx, userID, amount, validation.SanitizeString(description))
	if err != nil {
		if errors.Is(err, models.ErrInsufficientBalance) {
			s.metrics.Withdrawal("refused")
		}
		return models.Transaction{}, err
	}

	s.metrics.Withdrawal("accepted")
	s.events.Publish(ctx, events.EventWithdrawalRequested, events.TransactionData{Transaction: txn, Actor: userID})
	return txn, nil
}

func (s *Service) Balance(ctx context.Context, userID string) (models.Balance, error) {
	if err := validation.ValidateID(userID, "userId"); err != nil {
		return models.Balance{}, err
	}
	return s.ledger.Balance(ctx, userID)
}

func (s *Service) History(ctx context.Context, userID string, filter models.TransactionFilter) (models.TransactionHistory, error) {
	if err := validation.ValidateID(userID, "userId"); err != nil {
		return models.TransactionHistory{}, err
	}
	return s.ledger.History(ctx, userID, filter)
}

// Decide applies an administrator's verification decision to a pending
// transaction.
func (s *Service) Decide(ctx context.Context, transactionID, adminID string, decision models.TransactionStatus) (models.Transaction, error) {
	if err := validation.ValidateUUID(transactionID, "id"); err != nil {
		return models.Transaction{}, err
	}

	var (
		txn       models.Transaction
		err       error
		eventType events.EventType
	)
	switch decision {
	case models.StatusVerified:
		txn, err = s.ledger.Verify(ctx, transactionID, adminID)
		eventType = events.EventTransactionVerified
	case models.StatusRejected:
		txn, err = s.ledger.Reject(ctx, transactionID, adminID)
		eventType = events.EventTransactionRejected
	default:
		return models.Transaction{}, &validation.ValidationError{Field: "decision", Message: "must be verified or rejected"}
	}
	if err != nil {
		return models.Transaction{}, err
	}

	s.metrics.LedgerTransition(string(decision))
	s.events.Publish(ctx, eventType, events.TransactionData{Transaction: txn, Actor: adminID})
	return txn, nil
}

func (s *Service) Reconcile(ctx context.Context, userID string) (models.ReconcileResponse, error) {
	if err := validation.ValidateID(userID, "userId"); err != nil {
		return models.ReconcileResponse{}, err
	}

	report, err := s.ledger.Reconcile(ctx, userID)
	if err != nil {
		return models.ReconcileResponse{}, err
	}
	if report.Drift {
		s.logger.ErrorContext(ctx, "balance projection drift detected",
			slog.String("user_id", userID),
			slog.Int64("projected_current", report.Projected.CurrentBalance),
			slog.Int64("recomputed_current", report.Recomputed.CurrentBalance),
		)
	}
	return report, nil
}

func (s *Service) Audit(ctx context.Context, filter database.AuditFilter) ([]models.AuditEntry, error) {
	if filter.Limit < 0 || filter.Limit > 500 {
		return nil, &validation.ValidationError{Field: "limit", Message: "must be between 1 and 500"}
	}
	return s.db.ListAudit(ctx, filter)
}

// CreateReferral registers that refereeID signed up with referrerID's code.
func (s *Service) CreateReferral(ctx context.Context, referrerID, refereeID string) (models.ReferralEvent, error) {
	if err := validation.ValidateReferral(referrerID, refereeID); err != nil {
		return models.ReferralEvent{}, err
	}

	referral, err := s.db.CreateReferral(ctx, referrerID, refereeID)
	if err != nil {
		return models.ReferralEvent{}, err
	}
	s.logger.InfoContext(ctx, "referral registered",
		slog.String("referral_id", referral.ID),
		slog.String("referrer_id", referrerID),
		slog.String("referee_id", refereeID),
	)
	return referral, nil
}

// ExpireReferrals expires pending referrals older than the given number of days.
func (s *Service) ExpireReferrals(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, &validation.ValidationError{Field: "olderThanDays", Message: "must be at least 1"}
	}
	cutoff := s.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := s.db.ExpireReferrals(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "referrals expired", slog.Int64("count", n), slog.Int("older_than_days", olderThanDays))
	}
	return n, nil
}

// Analytics returns the analytics report for the range.
func (s *Service) Analytics(ctx context.Context, r models.DateRange) (models.AnalyticsReport, error) {
	if r.Start != nil && r.End != nil && r.End.Before(*r.Start) {
		return models.AnalyticsReport{}, &validation.ValidationError{Field: "endDate", Message: "must not be before startDate"}
	}
	return s.analytics.Compute(ctx, r)
}

// InvalidateAnalytics drops cached analytics reports.
func (s *Service) InvalidateAnalytics(ctx context.Context) error {
	return s.analytics.Invalidate(ctx)
}

// Features lists the feature flags and their state.
func (s *Service) Features() []features.FeatureFlag {
	if s.features == nil {
		return nil
	}
	return s.features.GetAll()
}

// Health checks the database connection.
func (s *Service) Health(ctx context.Context) error {
	return s.db.Ping(ctx)
}
