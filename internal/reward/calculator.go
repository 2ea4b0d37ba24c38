package reward

import (
	"fmt"

	"github.com/shopspring/decimal"

	"referral-rewards-api/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Payout is the amount owed to one recipient role under one rule.
type Payout struct {
	Role   models.RecipientRole
	Amount int64
	Tag    string
}

// Calculate expands a matched rule into one payout per recipient role.
//
// Percentage payouts are rounded half up to a whole ledger unit before the
// maxRewardAmount cap is applied. Zero amounts are returned as is; the caller
// decides what to do with them.
func Calculate(rule models.RewardRule, actionAmount int64) ([]Payout, error) {
	formula, err := rule.Formula()
	if err != nil {
		return nil, err
	}
	recipients, err := rule.Recipients()
	if err != nil {
		return nil, err
	}

	shares := recipients.Shares()
	payouts := make([]Payout, 0, len(shares))
	for _, share := range shares {
		amount, err := apply(formula, share.Amount, actionAmount)
		if err != nil {
			return nil, fmt.Errorf("rule %s, %s share: %w", rule.ID, share.Role, err)
		}
		payouts = append(payouts, Payout{
			Role:   share.Role,
			Amount: amount,
			Tag:    tagFor(formula),
		})
	}

	return payouts, nil
}

func apply(formula models.Formula, configured decimal.Decimal, actionAmount int64) (int64, error) {
	switch f := formula.(type) {
	case models.FixedFormula, models.WalletFormula:
		if !configured.IsInteger() {
			return 0, fmt.Errorf("amount %s is not a whole number", configured)
		}
		return configured.IntPart(), nil

	case models.PercentageFormula:
		amount := decimal.NewFromInt(actionAmount).Mul(configured).Div(hundred).Round(0).IntPart()
		if f.MaxReward != nil && amount > *f.MaxReward {
			amount = *f.MaxReward
		}
		return amount, nil
	}

	return 0, fmt.Errorf("unsupported formula %T", formula)
}

func tagFor(formula models.Formula) string {
	if _, ok := formula.(models.WalletFormula); ok {
		return models.TagReferralWalletCredit
	}
	return models.TagReferralReward
}
