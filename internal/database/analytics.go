package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"referral-rewards-api/internal/models"
)

func rangeClause(column string, r models.DateRange) (string, []any) {
	clause := ""
	var args []any
	if r.Start != nil {
		clause += ` AND ` + column + ` >= ?`
		args = append(args, FormatTime(*r.Start))
	}
	if r.End != nil {
		clause += ` AND ` + column + ` <= ?`
		args = append(args, FormatTime(*r.End))
	}
	return clause, args
}

// ReferralOverview counts referrals created within the range by status.
func (db *DB) ReferralOverview(ctx context.Context, r models.DateRange) (models.ReferralOverview, error) {
	clause, args := rangeClause("created_at", r)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM referral_events WHERE 1 = 1`+clause+` GROUP BY status`, args...)
	if err != nil {
		return models.ReferralOverview{}, fmt.Errorf("failed to count referrals: %w", err)
	}
	defer rows.Close()

	var overview models.ReferralOverview
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return models.ReferralOverview{}, fmt.Errorf("failed to scan referral count: %w", err)
		}
		switch models.ReferralStatus(status) {
		case models.ReferralPending:
			overview.Pending = n
		case models.ReferralCompleted:
			overview.Completed = n
		case models.ReferralRewarded:
			overview.Rewarded = n
		case models.ReferralExpired:
			overview.Expired = n
		}
		overview.Total += n
	}
	if err := rows.Err(); err != nil {
		return models.ReferralOverview{}, fmt.Errorf("error iterating referral counts: %w", err)
	}

	if overview.Total > 0 {
		overview.ConversionRate = float64(overview.Completed+overview.Rewarded) / float64(overview.Total)
	}

	var avgDays sql.NullFloat64
	err = db.conn.QueryRowContext(ctx,
		`SELECT AVG(julianday(completed_at) - julianday(created_at)) FROM referral_events
		WHERE completed_at IS NOT NULL`+clause, args...).Scan(&avgDays)
	if err != nil {
		return models.ReferralOverview{}, fmt.Errorf("failed to average completion time: %w", err)
	}
	if avgDays.Valid {
		overview.AverageDaysToComplete = avgDays.Float64
	}

	return overview, nil
}

// RewardTotals sums committed, non-rejected reward payouts by reward type.
func (db *DB) RewardTotals(ctx context.Context, r models.DateRange) (models.RewardsBreakdown, error) {
	clause, args := rangeClause("g.created_at", r)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT g.reward_type, COALESCE(SUM(g.amount), 0), COUNT(*)
		FROM reward_grants g JOIN transactions t ON t.id = g.transaction_id
		WHERE t.status != 'rejected'`+clause+`
		GROUP BY g.reward_type ORDER BY g.reward_type`, args...)
	if err != nil {
		return models.RewardsBreakdown{}, fmt.Errorf("failed to sum rewards: %w", err)
	}
	defer rows.Close()

	breakdown := models.RewardsBreakdown{ByType: []models.RewardTypeTotal{}}
	for rows.Next() {
		var t models.RewardTypeTotal
		var rewardType string
		if err := rows.Scan(&rewardType, &t.TotalAmount, &t.Count); err != nil {
			return models.RewardsBreakdown{}, fmt.Errorf("failed to scan reward total: %w", err)
		}
		t.RewardType = models.RewardType(rewardType)
		breakdown.ByType = append(breakdown.ByType, t)
		breakdown.TotalAmount += t.TotalAmount
		breakdown.TotalCount += t.Count
	}
	if err := rows.Err(); err != nil {
		return models.RewardsBreakdown{}, fmt.Errorf("error iterating reward totals: %w", err)
	}

	return breakdown, nil
}

// TopReferrers ranks referrers by completed referrals created within the range.
func (db *DB) TopReferrers(ctx context.Context, r models.DateRange, limit int) ([]models.TopReferrer, error) {
	clause, args := rangeClause("r.created_at", r)
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT r.referrer_id,
			SUM(CASE WHEN r.completed_at IS NOT NULL THEN 1 ELSE 0 END) AS completed,
			COUNT(*) AS total,
			COALESCE((SELECT SUM(g.amount) FROM reward_grants g
				JOIN transactions t ON t.id = g.transaction_id
				WHERE g.user_id = r.referrer_id AND g.recipient_role = 'referrer' AND t.status != 'rejected'), 0)
		FROM referral_events r
		WHERE 1 = 1`+clause+`
		GROUP BY r.referrer_id
		HAVING completed > 0
		ORDER BY completed DESC, total DESC, r.referrer_id
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to rank referrers: %w", err)
	}
	defer rows.Close()

	top := []models.TopReferrer{}
	for rows.Next() {
		var t models.TopReferrer
		if err := rows.Scan(&t.ReferrerID, &t.CompletedReferrals, &t.TotalReferrals, &t.RewardAmount); err != nil {
			return nil, fmt.Errorf("failed to scan referrer: %w", err)
		}
		top = append(top, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating referrers: %w", err)
	}

	return top, nil
}

// ReferralTrends buckets referral creation, completion and reward amounts per day.
func (db *DB) ReferralTrends(ctx context.Context, r models.DateRange) ([]models.TrendPoint, error) {
	points := make(map[string]*models.TrendPoint)
	point := func(day string) *models.TrendPoint {
		p, ok := points[day]
		if !ok {
			p = &models.TrendPoint{Date: day}
			points[day] = p
		}
		return p
	}

	type bucketQuery struct {
		column string
		query  string
		apply  func(p *models.TrendPoint, v int64)
	}
	queries := []bucketQuery{
		{
			column: "created_at",
			query:  `SELECT substr(created_at, 1, 10), COUNT(*) FROM referral_events WHERE 1 = 1`,
			apply:  func(p *models.TrendPoint, v int64) { p.ReferralsCreated = v },
		},
		{
			column: "completed_at",
			query:  `SELECT substr(completed_at, 1, 10), COUNT(*) FROM referral_events WHERE completed_at IS NOT NULL`,
			apply:  func(p *models.TrendPoint, v int64) { p.ReferralsCompleted = v },
		},
		{
			column: "g.created_at",
			query: `SELECT substr(g.created_at, 1, 10), COALESCE(SUM(g.amount), 0)
				FROM reward_grants g JOIN transactions t ON t.id = g.transaction_id
				WHERE t.status != 'rejected'`,
			apply: func(p *models.TrendPoint, v int64) { p.RewardAmount = v },
		},
	}

	for _, bq := range queries {
		clause, args := rangeClause(bq.column, r)
		rows, err := db.conn.QueryContext(ctx, bq.query+clause+` GROUP BY 1`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query trends: %w", err)
		}
		for rows.Next() {
			var day string
			var v int64
			if err := rows.Scan(&day, &v); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan trend: %w", err)
			}
			bq.apply(point(day), v)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating trends: %w", err)
		}
	}

	trends := make([]models.TrendPoint, 0, len(points))
	for _, p := range points {
		trends = append(trends, *p)
	}
	sort.Slice(trends, func(i, j int) bool { return trends[i].Date < trends[j].Date })

	return trends, nil
}

// RecentReferrals returns the latest referrals created within the range.
func (db *DB) RecentReferrals(ctx context.Context, r models.DateRange, limit int) ([]models.ReferralEvent, error) {
	clause, args := rangeClause("created_at", r)
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+referralColumns+` FROM referral_events WHERE 1 = 1`+clause+`
		ORDER BY created_at DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent referrals: %w", err)
	}
	defer rows.Close()

	recent := []models.ReferralEvent{}
	for rows.Next() {
		referral, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		recent = append(recent, referral)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recent referrals: %w", err)
	}

	return recent, nil
}
