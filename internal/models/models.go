package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionType identifies the kind of qualifying action that may trigger a reward.
type ActionType string

const (
	ActionLottery         ActionType = "lottery"
	ActionDynamicServices ActionType = "dynamicServices"
	ActionHozori          ActionType = "hozori"
	ActionPayment         ActionType = "payment"
	ActionSignup          ActionType = "signup"
)

// Valid reports whether the action type is one the engine knows about.
func (a ActionType) Valid() bool {
	switch a {
	case ActionLottery, ActionDynamicServices, ActionHozori, ActionPayment, ActionSignup:
		return true
	}
	return false
}

// RewardType selects the payout formula of a rule.
type RewardType string

const (
	RewardFixed      RewardType = "fixed"
	RewardPercentage RewardType = "percentage"
	RewardWallet     RewardType = "wallet"
)

// RecipientRole is who receives a payout.
type RecipientRole string

const (
	RecipientReferrer RecipientRole = "referrer"
	RecipientReferee  RecipientRole = "referee"
	RecipientBoth     RecipientRole = "both"
)

// RewardRule is an administrator-defined policy mapping a qualifying action
// to a payout formula and usage limits.
type RewardRule struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Description          string           `json:"description,omitempty"`
	ActionType           ActionType       `json:"actionType"`
	ServiceSlug          string           `json:"serviceSlug,omitempty"`
	IsActive             bool             `json:"isActive"`
	RewardType           RewardType       `json:"rewardType"`
	RewardAmount         decimal.Decimal  `json:"rewardAmount"`
	MaxRewardAmount      *int64           `json:"maxRewardAmount,omitempty"`
	MinAmount            *int64           `json:"minAmount,omitempty"`
	MaxUsesPerUser       *int64           `json:"maxUsesPerUser,omitempty"`
	MaxTotalUses         *int64           `json:"maxTotalUses,omitempty"`
	CurrentTotalUses     int64            `json:"currentTotalUses"`
	RewardRecipient      RecipientRole    `json:"rewardRecipient"`
	ReferrerRewardAmount *decimal.Decimal `json:"referrerRewardAmount,omitempty"`
	RefereeRewardAmount  *decimal.Decimal `json:"refereeRewardAmount,omitempty"`
	ValidFrom            *time.Time       `json:"validFrom,omitempty"`
	ValidUntil           *time.Time       `json:"validUntil,omitempty"`
	Version              int              `json:"version"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
	ArchivedAt           *time.Time       `json:"archivedAt,omitempty"`
}

// RuleVersion is a historical snapshot of a rule definition.
type RuleVersion struct {
	RuleID    string     `json:"ruleId"`
	Version   int        `json:"version"`
	Rule      RewardRule `json:"rule"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ReferralStatus is the lifecycle state of a referral.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
	ReferralRewarded  ReferralStatus = "rewarded"
	ReferralExpired   ReferralStatus = "expired"
)

// ReferralEvent records that a referee was referred by a referrer.
type ReferralEvent struct {
	ID          string         `json:"id"`
	ReferrerID  string         `json:"referrerId"`
	RefereeID   string         `json:"refereeId"`
	Status      ReferralStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	RewardedAt  *time.Time     `json:"rewardedAt,omitempty"`
}

// QualifyingEvent is a business action delivered at-least-once by an upstream system.
type QualifyingEvent struct {
	EventID     string     `json:"eventId"`
	ActionType  ActionType `json:"actionType"`
	ServiceSlug string     `json:"serviceSlug,omitempty"`
	UserID      string     `json:"userId"`
	ReferrerID  string     `json:"referrerId,omitempty"`
	Amount      int64      `json:"amount"`
	OccurredAt  time.Time  `json:"occurredAt"`
}

// TransactionType is the direction of a ledger entry.
type TransactionType string

const (
	TransactionIncome  TransactionType = "income"
	TransactionOutcome TransactionType = "outcome"
)

// TransactionStatus is the lifecycle state of a ledger entry.
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "pending"
	StatusVerified TransactionStatus = "verified"
	StatusRejected TransactionStatus = "rejected"
)

// Ledger tags used by the engine itself.
const (
	TagReferralReward       = "referral_reward"
	TagReferralWalletCredit = "referral_wallet_credit"
	TagManualDeposit        = "manual_deposit"
	TagWithdrawal           = "withdrawal"
)

// Transaction is a ledger entry. Only Status, VerifiedAt and VerifiedBy ever
// change after creation, and only once.
type Transaction struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	Amount          int64             `json:"amount"`
	Type            TransactionType   `json:"type"`
	Status          TransactionStatus `json:"status"`
	Tag             string            `json:"tag"`
	Description     string            `json:"description,omitempty"`
	Date            time.Time         `json:"date"`
	VerifiedAt      *time.Time        `json:"verifiedAt,omitempty"`
	VerifiedBy      string            `json:"verifiedBy,omitempty"`
	RuleID          string            `json:"ruleId,omitempty"`
	RuleVersion     int               `json:"ruleVersion,omitempty"`
	ReferralEventID string            `json:"referralEventId,omitempty"`
	EventID         string            `json:"eventId,omitempty"`
}

// Balance is the wallet projection for one user.
type Balance struct {
	UserID           string `json:"userId"`
	CurrentBalance   int64  `json:"currentBalance"`
	AvailableBalance int64  `json:"availableBalance"`
	TotalIncomes     int64  `json:"totalIncomes"`
	TotalOutcomes    int64  `json:"totalOutcomes"`
	PendingIncomes   int64  `json:"pendingIncomes"`
	PendingOutcomes  int64  `json:"pendingOutcomes"`
}

// TransactionFilter narrows a history query.
type TransactionFilter struct {
	Type      TransactionType
	Status    TransactionStatus
	Tag       string
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	Limit     int
}

// Pagination describes a page of results.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

// HistorySummary aggregates the whole filtered set, not just the page.
type HistorySummary struct {
	TotalIncome  int64 `json:"totalIncome"`
	TotalOutcome int64 `json:"totalOutcome"`
	Net          int64 `json:"net"`
	Count        int64 `json:"count"`
}

// TransactionHistory is the response for a transaction history query.
type TransactionHistory struct {
	Transactions []Transaction  `json:"transactions"`
	Pagination   Pagination     `json:"pagination"`
	Summary      HistorySummary `json:"summary"`
}

// PairOutcome describes what happened to one (rule, recipient) payout.
type PairOutcome struct {
	RuleID        string        `json:"ruleId"`
	Role          RecipientRole `json:"role"`
	UserID        string        `json:"userId,omitempty"`
	Amount        int64         `json:"amount"`
	TransactionID string        `json:"transactionId,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// ProcessResult is the outcome of processing a qualifying event.
type ProcessResult struct {
	EventID    string        `json:"eventId"`
	Duplicate  bool          `json:"duplicate"`
	ReferralID string        `json:"referralId,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Granted    []PairOutcome `json:"granted"`
	Denied     []PairOutcome `json:"denied"`
	Skipped    []PairOutcome `json:"skipped"`
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	UserID        string    `json:"userId,omitempty"`
	RuleID        string    `json:"ruleId,omitempty"`
	EventID       string    `json:"eventId,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Audit kinds.
const (
	AuditRewardGranted       = "reward_granted"
	AuditCapExceeded         = "cap_exceeded"
	AuditPairSkipped         = "pair_skipped"
	AuditInsufficientBalance = "insufficient_balance"
	AuditAlreadyTerminal     = "already_terminal"
	AuditTransactionVerified = "transaction_verified"
	AuditTransactionRejected = "transaction_rejected"
	AuditRuleArchived        = "rule_archived"
)

// WalletActionRequest is the body of a user wallet action.
type WalletActionRequest struct {
	Action      string `json:"action"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	Tag         string `json:"tag,omitempty"`
}

// VerificationRequest is the body of an admin verification action.
type VerificationRequest struct {
	Decision TransactionStatus `json:"decision"`
}

// CreateReferralRequest registers that refereeId signed up with referrerId's code.
type CreateReferralRequest struct {
	ReferrerID string `json:"referrerId"`
	RefereeID  string `json:"refereeId"`
}

// ExpireReferralsRequest expires pending referrals older than a threshold.
type ExpireReferralsRequest struct {
	OlderThanDays int `json:"olderThanDays"`
}

// ExpireReferralsResponse reports how many referrals were expired.
type ExpireReferralsResponse struct {
	Expired int64 `json:"expired"`
}

// ReconcileResponse compares the balance projection with a full recomputation.
type ReconcileResponse struct {
	Projected  Balance `json:"projected"`
	Recomputed Balance `json:"recomputed"`
	Drift      bool    `json:"drift"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Balance *int64 `json:"availableBalance,omitempty"`
}
