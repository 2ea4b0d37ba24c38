// Package reward holds the pure parts of the reward engine: selecting the
// rules that apply to a qualifying event and turning a rule into payouts.
package reward

import (
	"sort"

	"referral-rewards-api/internal/models"
)

// Matches reports whether a single rule applies to the event.
func Matches(rule models.RewardRule, event models.QualifyingEvent) bool {
	if !rule.IsActive || rule.ArchivedAt != nil {
		return false
	}
	if rule.ActionType != event.ActionType {
		return false
	}
	if rule.ActionType == models.ActionDynamicServices && rule.ServiceSlug != "" && rule.ServiceSlug != event.ServiceSlug {
		return false
	}
	if rule.ValidFrom != nil && event.OccurredAt.Before(*rule.ValidFrom) {
		return false
	}
	if rule.ValidUntil != nil && event.OccurredAt.After(*rule.ValidUntil) {
		return false
	}
	if rule.MinAmount != nil && event.Amount < *rule.MinAmount {
		return false
	}
	return true
}

// Match returns every rule that applies to the event, ordered by creation
// time and then ID. All returned rules pay out independently.
func Match(rules []models.RewardRule, event models.QualifyingEvent) []models.RewardRule {
	if !event.ActionType.Valid() {
		return nil
	}

	var matched []models.RewardRule
	for _, rule := range rules {
		if Matches(rule, event) {
			matched = append(matched, rule)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	return matched
}

// Overlaps returns the other active rules that can fire on the same kind of
// event as rule and whose validity windows intersect. Each of them pays out
// alongside rule, which is easy to configure by accident.
func Overlaps(rule models.RewardRule, rules []models.RewardRule) []models.RewardRule {
	overlaps := []models.RewardRule{}
	for _, other := range rules {
		if other.ID == rule.ID || !other.IsActive || other.ArchivedAt != nil {
			continue
		}
		if other.ActionType != rule.ActionType {
			continue
		}
		if rule.ServiceSlug != "" && other.ServiceSlug != "" && rule.ServiceSlug != other.ServiceSlug {
			continue
		}
		if !windowsIntersect(rule, other) {
			continue
		}
		overlaps = append(overlaps, other)
	}
	return overlaps
}

func windowsIntersect(a, b models.RewardRule) bool {
	if a.ValidUntil != nil && b.ValidFrom != nil && a.ValidUntil.Before(*b.ValidFrom) {
		return false
	}
	if b.ValidUntil != nil && a.ValidFrom != nil && b.ValidUntil.Before(*a.ValidFrom) {
		return false
	}
	return true
}
