package models

import "time"

// DateRange bounds an analytics query. Nil bounds are open.
type DateRange struct {
	Start *time.Time `json:"startDate,omitempty"`
	End   *time.Time `json:"endDate,omitempty"`
}

type ReferralOverview struct {
	Total                 int64   `json:"total"`
	Pending               int64   `json:"pending"`
	Completed             int64   `json:"completed"`
	Rewarded              int64   `json:"rewarded"`
	Expired               int64   `json:"expired"`
	ConversionRate        float64 `json:"conversionRate"`
	AverageDaysToComplete float64 `json:"averageDaysToComplete"`
}

type RewardTypeTotal struct {
	RewardType  RewardType `json:"rewardType"`
	TotalAmount int64      `json:"totalAmount"`
	Count       int64      `json:"count"`
}

type RewardsBreakdown struct {
	ByType      []RewardTypeTotal `json:"byType"`
	TotalAmount int64             `json:"totalAmount"`
	TotalCount  int64             `json:"totalCount"`
}

type TopReferrer struct {
	ReferrerID         string `json:"referrerId"`
	CompletedReferrals int64  `json:"completedReferrals"`
	TotalReferrals     int64  `json:"totalReferrals"`
	RewardAmount       int64  `json:"rewardAmount"`
}

type TrendPoint struct {
	Date               string `json:"date"`
	ReferralsCreated   int64  `json:"referralsCreated"`
	ReferralsCompleted int64  `json:"referralsCompleted"`
	RewardAmount       int64  `json:"rewardAmount"`
}

// AnalyticsReport is a derived, eventually consistent read model.
type AnalyticsReport struct {
	Range          DateRange        `json:"range"`
	Overview       ReferralOverview `json:"overview"`
	Rewards        RewardsBreakdown `json:"rewards"`
	TopReferrers   []TopReferrer    `json:"topReferrers"`
	Trends         []TrendPoint     `json:"trends"`
	RecentActivity []ReferralEvent  `json:"recentActivity"`
	GeneratedAt    time.Time        `json:"generatedAt"`
}
