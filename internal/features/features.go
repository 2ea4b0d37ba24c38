package features

import (
	"sort"
	"sync"
)

// Flag names.
const (
	// AnalyticsCache serves analytics reports from the cache.
	AnalyticsCache = "analytics_cache"
	// EventHooks enables in-process domain event subscribers.
	EventHooks = "event_hooks"
	// AutoCreateReferral lets a qualifying event carrying a referrerId
	// register the referral on the fly.
	AutoCreateReferral = "auto_create_referral"
	// Withdrawals allows users to request withdrawals.
	Withdrawals = "withdrawals"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{flags: make(map[string]*FeatureFlag)}
}

// NewDefaultManager registers the known flags with their defaults and then
// applies overrides, typically from configuration. Unknown override names
// are registered too so they show up in GetAll.
func NewDefaultManager(overrides map[string]bool) *Manager {
	m := NewManager()
	m.Register(AnalyticsCache, true, "Serve analytics reports from the cache")
	m.Register(EventHooks, true, "Dispatch domain events to subscribers")
	m.Register(AutoCreateReferral, true, "Create referrals from qualifying events carrying a referrerId")
	m.Register(Withdrawals, true, "Allow users to request withdrawals")

	for name, enabled := range overrides {
		if m.exists(name) {
			m.Set(name, enabled)
			continue
		}
		m.Register(name, enabled, "")
	}
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled reports whether a flag is on. Unknown flags are off, and a nil
// manager reports every flag as on.
func (m *Manager) IsEnabled(name string) bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}
	return flag.Enabled
}

// Set changes an existing flag.
func (m *Manager) Set(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = enabled
	}
}

func (m *Manager) Enable(name string)  { m.Set(name, true) }
func (m *Manager) Disable(name string) { m.Set(name, false) }

func (m *Manager) exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.flags[name]
	return ok
}

// GetAll returns a copy of every flag, sorted by name.
func (m *Manager) GetAll() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]FeatureFlag, 0, len(m.flags))
	for _, v := range m.flags {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
