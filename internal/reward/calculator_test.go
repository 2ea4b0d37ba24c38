package reward

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-rewards-api/internal/models"
)

func i64(v int64) *int64 { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestCalculate_PercentageCap(t *testing.T) {
	rule := models.RewardRule{
		ID:              "r1",
		RewardType:      models.RewardPercentage,
		RewardAmount:    dec("10"),
		MaxRewardAmount: i64(50000),
		RewardRecipient: models.RecipientReferrer,
	}

	payouts, err := Calculate(rule, 1_000_000)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, int64(50000), payouts[0].Amount)
	assert.Equal(t, models.RecipientReferrer, payouts[0].Role)
	assert.Equal(t, models.TagReferralReward, payouts[0].Tag)
}

func TestCalculate_FixedBothRecipients(t *testing.T) {
	rule := models.RewardRule{
		ID:                   "r1",
		RewardType:           models.RewardFixed,
		RewardAmount:         dec("0"),
		RewardRecipient:      models.RecipientBoth,
		ReferrerRewardAmount: decPtr("20000"),
		RefereeRewardAmount:  decPtr("10000"),
	}

	payouts, err := Calculate(rule, 0)
	require.NoError(t, err)
	require.Equal(t, []Payout{
		{Role: models.RecipientReferrer, Amount: 20000, Tag: models.TagReferralReward},
		{Role: models.RecipientReferee, Amount: 10000, Tag: models.TagReferralReward},
	}, payouts)
}

func TestCalculate_BothFallsBackToSharedAmount(t *testing.T) {
	rule := models.RewardRule{
		ID:                  "r1",
		RewardType:          models.RewardFixed,
		RewardAmount:        dec("7000"),
		RewardRecipient:     models.RecipientBoth,
		RefereeRewardAmount: decPtr("3000"),
	}

	payouts, err := Calculate(rule, 0)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, int64(7000), payouts[0].Amount)
	assert.Equal(t, int64(3000), payouts[1].Amount)
}

func TestCalculate_Table(t *testing.T) {
	tests := []struct {
		name   string
		rule   models.RewardRule
		amount int64
		want   int64
	}{
		{
			name:   "fixed ignores action amount",
			rule:   models.RewardRule{RewardType: models.RewardFixed, RewardAmount: dec("15000"), RewardRecipient: models.RecipientReferrer},
			amount: 123,
			want:   15000,
		},
		{
			name:   "percentage below cap",
			rule:   models.RewardRule{RewardType: models.RewardPercentage, RewardAmount: dec("10"), MaxRewardAmount: i64(50000), RewardRecipient: models.RecipientReferrer},
			amount: 200_000,
			want:   20000,
		},
		{
			name:   "percentage rounds half up",
			rule:   models.RewardRule{RewardType: models.RewardPercentage, RewardAmount: dec("2.5"), RewardRecipient: models.RecipientReferee},
			amount: 100,
			want:   3,
		},
		{
			name:   "percentage exact half rounds up",
			rule:   models.RewardRule{RewardType: models.RewardPercentage, RewardAmount: dec("12.5"), RewardRecipient: models.RecipientReferee},
			amount: 4,
			want:   1,
		},
		{
			name:   "percentage below half rounds down",
			rule:   models.RewardRule{RewardType: models.RewardPercentage, RewardAmount: dec("1"), RewardRecipient: models.RecipientReferee},
			amount: 49,
			want:   0,
		},
		{
			name:   "percentage without cap",
			rule:   models.RewardRule{RewardType: models.RewardPercentage, RewardAmount: dec("100"), RewardRecipient: models.RecipientReferrer},
			amount: 999,
			want:   999,
		},
		{
			name:   "wallet credits verbatim",
			rule:   models.RewardRule{RewardType: models.RewardWallet, RewardAmount: dec("5000"), RewardRecipient: models.RecipientReferee},
			amount: 1_000_000,
			want:   5000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payouts, err := Calculate(tt.rule, tt.amount)
			if err != nil {
				t.Fatalf("Calculate returned error: %v", err)
			}
			if len(payouts) != 1 {
				t.Fatalf("Expected 1 payout, got %d", len(payouts))
			}
			if payouts[0].Amount != tt.want {
				t.Errorf("Expected amount %d, got %d", tt.want, payouts[0].Amount)
			}
		})
	}
}

func TestCalculate_WalletTag(t *testing.T) {
	rule := models.RewardRule{RewardType: models.RewardWallet, RewardAmount: dec("1"), RewardRecipient: models.RecipientReferrer}

	payouts, err := Calculate(rule, 0)
	require.NoError(t, err)
	assert.Equal(t, models.TagReferralWalletCredit, payouts[0].Tag)
}

func TestCalculate_UnknownVariants(t *testing.T) {
	_, err := Calculate(models.RewardRule{RewardType: "bonus", RewardRecipient: models.RecipientReferrer}, 10)
	assert.Error(t, err)

	_, err = Calculate(models.RewardRule{RewardType: models.RewardFixed, RewardRecipient: "nobody"}, 10)
	assert.Error(t, err)
}

func TestCalculate_IsDeterministic(t *testing.T) {
	rule := models.RewardRule{
		RewardType:           models.RewardPercentage,
		RewardAmount:         dec("3.3"),
		RewardRecipient:      models.RecipientBoth,
		ReferrerRewardAmount: decPtr("7.5"),
	}

	first, err := Calculate(rule, 12345)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Calculate(rule, 12345)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	// 7.5% of 12345 = 925.875 -> 926; 3.3% of 12345 = 407.385 -> 407
	assert.Equal(t, int64(926), first[0].Amount)
	assert.Equal(t, int64(407), first[1].Amount)
}
