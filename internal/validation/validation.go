package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"referral-rewards-api/internal/models"
)

var (
	uuidRegex   = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	idRegex     = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)
	slugRegex   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	tagRegex    = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
	hundred     = decimal.NewFromInt(100)
	maxAmount   = int64(1_000_000_000_000)
	maxNameLen  = 200
	maxDescLen  = 1000
	maxEventAge = 10 * 365 * 24 * time.Hour
)

// ValidationError reports a caller-fixable problem with one input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateRule checks a full rule definition before it is stored.
func ValidateRule(rule models.RewardRule) error {
	if err := ValidateUUID(rule.ID, "id"); err != nil {
		return err
	}

	if strings.TrimSpace(rule.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if len(rule.Name) > maxNameLen {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("cannot exceed %d characters", maxNameLen)}
	}
	if len(rule.Description) > maxDescLen {
		return &ValidationError{Field: "description", Message: fmt.Sprintf("cannot exceed %d characters", maxDescLen)}
	}

	if !rule.ActionType.Valid() {
		return &ValidationError{Field: "actionType", Message: fmt.Sprintf("unknown action type %q", rule.ActionType)}
	}
	if rule.ServiceSlug != "" {
		if rule.ActionType != models.ActionDynamicServices {
			return &ValidationError{Field: "serviceSlug", Message: "only allowed for dynamicServices rules"}
		}
		if !slugRegex.MatchString(rule.ServiceSlug) {
			return &ValidationError{Field: "serviceSlug", Message: "must be a lowercase slug"}
		}
	}

	if err := validateRewardAmount("rewardAmount", rule.RewardType, rule.RewardAmount); err != nil {
		return err
	}

	if rule.MaxRewardAmount != nil {
		if rule.RewardType != models.RewardPercentage {
			return &ValidationError{Field: "maxRewardAmount", Message: "only allowed for percentage rules"}
		}
		if *rule.MaxRewardAmount < 0 {
			return &ValidationError{Field: "maxRewardAmount", Message: "must be non-negative"}
		}
	}

	if rule.MinAmount != nil && *rule.MinAmount < 0 {
		return &ValidationError{Field: "minAmount", Message: "must be non-negative"}
	}
	if rule.MaxUsesPerUser != nil && *rule.MaxUsesPerUser < 1 {
		return &ValidationError{Field: "maxUsesPerUser", Message: "must be at least 1"}
	}
	if rule.MaxTotalUses != nil && *rule.MaxTotalUses < 1 {
		return &ValidationError{Field: "maxTotalUses", Message: "must be at least 1"}
	}

	switch rule.RewardRecipient {
	case models.RecipientReferrer, models.RecipientReferee:
		if rule.ReferrerRewardAmount != nil || rule.RefereeRewardAmount != nil {
			return &ValidationError{Field: "rewardRecipient", Message: "per-recipient amounts require rewardRecipient 'both'"}
		}
	case models.RecipientBoth:
		if rule.ReferrerRewardAmount != nil {
			if err := validateRewardAmount("referrerRewardAmount", rule.RewardType, *rule.ReferrerRewardAmount); err != nil {
				return err
			}
		}
		if rule.RefereeRewardAmount != nil {
			if err := validateRewardAmount("refereeRewardAmount", rule.RewardType, *rule.RefereeRewardAmount); err != nil {
				return err
			}
		}
	default:
		return &ValidationError{Field: "rewardRecipient", Message: "must be one of referrer, referee, both"}
	}

	if rule.ValidFrom != nil && rule.ValidUntil != nil && rule.ValidUntil.Before(*rule.ValidFrom) {
		return &ValidationError{Field: "validUntil", Message: "must not be before validFrom"}
	}

	return nil
}

func validateRewardAmount(field string, rewardType models.RewardType, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &ValidationError{Field: field, Message: "must be non-negative"}
	}

	switch rewardType {
	case models.RewardPercentage:
		if amount.GreaterThan(hundred) {
			return &ValidationError{Field: field, Message: "percentage cannot exceed 100"}
		}
	case models.RewardFixed, models.RewardWallet:
		if !amount.IsInteger() {
			return &ValidationError{Field: field, Message: "must be a whole number of ledger units"}
		}
		if amount.GreaterThan(decimal.NewFromInt(maxAmount)) {
			return &ValidationError{Field: field, Message: "exceeds maximum allowed amount"}
		}
	default:
		return &ValidationError{Field: "rewardType", Message: "must be one of fixed, percentage, wallet"}
	}

	return nil
}

// ValidateQualifyingEvent rejects malformed events before any side effect.
// An unknown action type is not an error: such events simply match nothing.
func ValidateQualifyingEvent(event models.QualifyingEvent) error {
	if err := ValidateID(event.EventID, "eventId"); err != nil {
		return err
	}
	if event.ActionType == "" {
		return &ValidationError{Field: "actionType", Message: "is required"}
	}
	if err := ValidateID(event.UserID, "userId"); err != nil {
		return err
	}
	if event.ReferrerID != "" {
		if err := ValidateID(event.ReferrerID, "referrerId"); err != nil {
			return err
		}
		if event.ReferrerID == event.UserID {
			return &ValidationError{Field: "referrerId", Message: "a user cannot refer themselves"}
		}
	}
	if event.Amount < 0 {
		return &ValidationError{Field: "amount", Message: "must be non-negative"}
	}
	if event.Amount > maxAmount {
		return &ValidationError{Field: "amount", Message: "exceeds maximum allowed amount"}
	}
	if event.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurredAt", Message: "is required"}
	}
	if event.OccurredAt.After(time.Now().Add(time.Hour)) {
		return &ValidationError{Field: "occurredAt", Message: "cannot be more than 1 hour in the future"}
	}
	if event.OccurredAt.Before(time.Now().Add(-maxEventAge)) {
		return &ValidationError{Field: "occurredAt", Message: "cannot be more than 10 years in the past"}
	}
	return nil
}

// ValidateReferral checks a referral registration.
func ValidateReferral(referrerID, refereeID string) error {
	if err := ValidateID(referrerID, "referrerId"); err != nil {
		return err
	}
	if err := ValidateID(refereeID, "refereeId"); err != nil {
		return err
	}
	if referrerID == refereeID {
		return &ValidationError{Field: "refereeId", Message: "a user cannot refer themselves"}
	}
	return nil
}

// ValidateLedgerInput checks the fields of a new ledger entry.
func ValidateLedgerInput(userID string, amount int64, txType models.TransactionType, tag, description string) error {
	if err := ValidateID(userID, "userId"); err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	if txType != models.TransactionIncome && txType != models.TransactionOutcome {
		return &ValidationError{Field: "type", Message: "must be income or outcome"}
	}
	if !tagRegex.MatchString(tag) {
		return &ValidationError{Field: "tag", Message: "must be 1-64 lowercase letters, digits or underscores"}
	}
	if len(description) > maxDescLen {
		return &ValidationError{Field: "description", Message: fmt.Sprintf("cannot exceed %d characters", maxDescLen)}
	}
	return nil
}

// ValidateAmount checks a positive ledger amount.
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if amount > maxAmount {
		return &ValidationError{Field: "amount", Message: "exceeds maximum allowed amount"}
	}
	return nil
}

// ValidateTag checks an optional free-form ledger tag.
func ValidateTag(tag string) error {
	if tag == "" {
		return nil
	}
	if !tagRegex.MatchString(tag) {
		return &ValidationError{Field: "tag", Message: "must be 1-64 lowercase letters, digits or underscores"}
	}
	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}

// ValidateID checks an opaque identifier issued by an external system.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{Field: fieldName, Message: "is required"}
	}
	if !idRegex.MatchString(id) {
		return &ValidationError{Field: fieldName, Message: "must be 1-128 characters of letters, digits or ._:@-"}
	}
	return nil
}

// ValidateTimeString parses an RFC3339 timestamp or a YYYY-MM-DD date.
func ValidateTimeString(timeStr, fieldName string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if t, err := time.Parse(time.RFC3339, timeStr); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, timeStr); err == nil {
		return t, nil
	}

	return time.Time{}, &ValidationError{
		Field:   fieldName,
		Message: "must be a valid RFC3339 timestamp or YYYY-MM-DD date",
	}
}
