package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Formula is the tagged payout formula of a rule: one of FixedFormula,
// PercentageFormula or WalletFormula.
type Formula interface {
	RewardType() RewardType
}

// FixedFormula pays the recipient amount as is.
type FixedFormula struct{}

// PercentageFormula pays a percentage of the action amount, optionally capped.
type PercentageFormula struct {
	MaxReward *int64
}

// WalletFormula credits the recipient amount directly to the wallet.
type WalletFormula struct{}

func (FixedFormula) RewardType() RewardType      { return RewardFixed }
func (PercentageFormula) RewardType() RewardType { return RewardPercentage }
func (WalletFormula) RewardType() RewardType     { return RewardWallet }

// Share is the configured amount for one recipient role. For percentage rules
// the amount is a percent, otherwise it is in ledger units.
type Share struct {
	Role   RecipientRole
	Amount decimal.Decimal
}

// Recipients is the tagged recipient set of a rule: one of ReferrerOnly,
// RefereeOnly or BothRecipients.
type Recipients interface {
	Shares() []Share
}

type ReferrerOnly struct {
	Amount decimal.Decimal
}

type RefereeOnly struct {
	Amount decimal.Decimal
}

type BothRecipients struct {
	ReferrerAmount decimal.Decimal
	RefereeAmount  decimal.Decimal
}

func (r ReferrerOnly) Shares() []Share {
	return []Share{{Role: RecipientReferrer, Amount: r.Amount}}
}

func (r RefereeOnly) Shares() []Share {
	return []Share{{Role: RecipientReferee, Amount: r.Amount}}
}

func (b BothRecipients) Shares() []Share {
	return []Share{
		{Role: RecipientReferrer, Amount: b.ReferrerAmount},
		{Role: RecipientReferee, Amount: b.RefereeAmount},
	}
}

// Formula returns the payout formula variant for the rule's reward type.
func (r RewardRule) Formula() (Formula, error) {
	switch r.RewardType {
	case RewardFixed:
		return FixedFormula{}, nil
	case RewardPercentage:
		return PercentageFormula{MaxReward: r.MaxRewardAmount}, nil
	case RewardWallet:
		return WalletFormula{}, nil
	}
	return nil, fmt.Errorf("unknown reward type %q", r.RewardType)
}

// Recipients returns the recipient variant. Overrides apply only to "both"
// and fall back to the shared reward amount.
func (r RewardRule) Recipients() (Recipients, error) {
	switch r.RewardRecipient {
	case RecipientReferrer:
		return ReferrerOnly{Amount: r.RewardAmount}, nil
	case RecipientReferee:
		return RefereeOnly{Amount: r.RewardAmount}, nil
	case RecipientBoth:
		both := BothRecipients{ReferrerAmount: r.RewardAmount, RefereeAmount: r.RewardAmount}
		if r.ReferrerRewardAmount != nil {
			both.ReferrerAmount = *r.ReferrerRewardAmount
		}
		if r.RefereeRewardAmount != nil {
			both.RefereeAmount = *r.RefereeRewardAmount
		}
		return both, nil
	}
	return nil, fmt.Errorf("unknown reward recipient %q", r.RewardRecipient)
}
