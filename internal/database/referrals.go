package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"referral-rewards-api/internal/models"
)

const referralColumns = `id, referrer_id, referee_id, status, created_at, completed_at, rewarded_at`

// CreateReferral records that refereeID signed up with referrerID's code.
// A referee can only ever be referred once.
func (db *DB) CreateReferral(ctx context.Context, referrerID, refereeID string) (models.ReferralEvent, error) {
	var referral models.ReferralEvent
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		referral, err = insertReferral(ctx, tx, referrerID, refereeID, time.Now().UTC())
		return err
	})
	return referral, err
}

// EnsureReferral returns the referral for the pair, creating it as pending
// when the referee has never been referred. A referee already referred by
// someone else is a conflict.
func EnsureReferral(ctx context.Context, q Querier, referrerID, refereeID string, now time.Time) (models.ReferralEvent, error) {
	existing, err := GetReferralByReferee(ctx, q, refereeID)
	if err == nil {
		if existing.ReferrerID != referrerID {
			return models.ReferralEvent{}, fmt.Errorf("%w: user %s was referred by a different referrer", models.ErrConflict, refereeID)
		}
		return existing, nil
	}
	if !isNotFound(err) {
		return models.ReferralEvent{}, err
	}
	return insertReferral(ctx, q, referrerID, refereeID, now)
}

func insertReferral(ctx context.Context, q Querier, referrerID, refereeID string, now time.Time) (models.ReferralEvent, error) {
	referral := models.ReferralEvent{
		ID:         uuid.NewString(),
		ReferrerID: referrerID,
		RefereeID:  refereeID,
		Status:     models.ReferralPending,
		CreatedAt:  now,
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO referral_events (id, referrer_id, referee_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		referral.ID, referral.ReferrerID, referral.RefereeID, string(referral.Status), FormatTime(referral.CreatedAt))
	if err != nil {
		if isConstraintError(err) {
			return models.ReferralEvent{}, fmt.Errorf("%w: user %s has already been referred", models.ErrConflict, refereeID)
		}
		return models.ReferralEvent{}, fmt.Errorf("failed to insert referral: %w", err)
	}

	return referral, nil
}

// GetReferral returns a referral by ID.
func (db *DB) GetReferral(ctx context.Context, id string) (models.ReferralEvent, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referral_events WHERE id = ?`, id)
	referral, err := scanReferral(row)
	if IsNoRows(err) {
		return models.ReferralEvent{}, fmt.Errorf("%w: referral %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.ReferralEvent{}, fmt.Errorf("failed to get referral: %w", err)
	}
	return referral, nil
}

// GetReferralByReferee returns the referral in which the user is the referee.
func GetReferralByReferee(ctx context.Context, q Querier, refereeID string) (models.ReferralEvent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referral_events WHERE referee_id = ?`, refereeID)
	referral, err := scanReferral(row)
	if IsNoRows(err) {
		return models.ReferralEvent{}, fmt.Errorf("%w: no referral for user %s", models.ErrNotFound, refereeID)
	}
	if err != nil {
		return models.ReferralEvent{}, fmt.Errorf("failed to get referral: %w", err)
	}
	return referral, nil
}

// MarkReferralCompleted moves a pending referral to completed. completed_at
// is only ever written once.
func MarkReferralCompleted(ctx context.Context, q Querier, id string, at time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE referral_events SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'pending' AND completed_at IS NULL`,
		FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to complete referral: %w", err)
	}
	return nil
}

// MarkReferralRewarded moves a completed referral to rewarded. rewarded_at
// is only ever written once.
func MarkReferralRewarded(ctx context.Context, q Querier, id string, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE referral_events SET status = 'rewarded', rewarded_at = ?
		WHERE id = ? AND status = 'completed' AND rewarded_at IS NULL`,
		FormatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark referral rewarded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark referral rewarded: %w", err)
	}
	return n == 1, nil
}

// ExpireReferrals expires pending referrals created before the cutoff.
func (db *DB) ExpireReferrals(ctx context.Context, cutoff time.Time) (int64, error) {
	var expired int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE referral_events SET status = 'expired' WHERE status = 'pending' AND created_at < ?`,
			FormatTime(cutoff))
		if err != nil {
			return fmt.Errorf("failed to expire referrals: %w", err)
		}
		expired, err = res.RowsAffected()
		return err
	})
	return expired, err
}

func scanReferral(row rowScanner) (models.ReferralEvent, error) {
	var (
		referral                models.ReferralEvent
		status, createdAt       string
		completedAt, rewardedAt sql.NullString
	)
	if err := row.Scan(&referral.ID, &referral.ReferrerID, &referral.RefereeID, &status,
		&createdAt, &completedAt, &rewardedAt); err != nil {
		return models.ReferralEvent{}, err
	}

	var err error
	referral.Status = models.ReferralStatus(status)
	if referral.CreatedAt, err = ParseTime(createdAt); err != nil {
		return models.ReferralEvent{}, err
	}
	if referral.CompletedAt, err = ParseNullTime(completedAt); err != nil {
		return models.ReferralEvent{}, err
	}
	if referral.RewardedAt, err = ParseNullTime(rewardedAt); err != nil {
		return models.ReferralEvent{}, err
	}
	return referral, nil
}
