// Package ruleset sits between the HTTP layer and the store: it validates
// administrative writes, serves the active rule set as a value snapshot, and
// keeps the cache coherent across edits.
package ruleset

import (
	"fmt"

	"github.com/taxpadi/engine/engine"
	"github.com/taxpadi/engine/internal/metrics"
	"github.com/taxpadi/engine/store"
)

// Manager serves the active rule set and applies administrative edits.
//
// Active returns a value snapshot obtained once per call: an evaluation that
// already holds a rule set is unaffected by a concurrent edit, and an edit
// becomes visible only to evaluations that start after its cache
// invalidation.
type Manager struct {
	store store.RuleSetStore
	cache store.RuleSetCache
}

// NewManager creates a manager over the given store and cache.
func NewManager(st store.RuleSetStore, cache store.RuleSetCache) *Manager {
	return &Manager{store: st, cache: cache}
}

// Active returns the active rule set, from cache when possible. Returns
// store.ErrNoActiveRuleSet when nothing has been activated.
func (m *Manager) Active() (*engine.RuleSet, error) {
	if rs := m.cache.Get(); rs != nil {
		return rs, nil
	}
	metrics.CacheMisses.Inc()

	rs, err := m.store.GetActive()
	if err != nil {
		return nil, err
	}
	m.cache.Set(rs)
	return rs, nil
}

// Get returns a specific rule set version without touching the cache.
func (m *Manager) Get(version string) (*engine.RuleSet, error) {
	return m.store.GetByVersion(version)
}

// List returns administrative metadata for all rule set versions.
func (m *Manager) List() ([]store.RuleSetMeta, error) {
	return m.store.List()
}

// Create registers a new empty rule set version.
func (m *Manager) Create(version string) (*store.RuleSetMeta, error) {
	if version == "" {
		return nil, fmt.Errorf("rule set version cannot be empty")
	}
	return m.store.Create(version)
}

// Activate makes the given version the active rule set.
func (m *Manager) Activate(version string) error {
	if err := m.store.Activate(version); err != nil {
		return err
	}
	m.cache.Invalidate()
	return nil
}

// AddRule validates and persists a new rule.
func (m *Manager) AddRule(version string, r engine.Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if err := m.store.AddRule(version, r); err != nil {
		return err
	}
	m.cache.Invalidate()
	return nil
}

// UpdateRule validates and persists changes to an existing rule.
func (m *Manager) UpdateRule(version string, r engine.Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if err := m.store.UpdateRule(version, r); err != nil {
		return err
	}
	m.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule.
func (m *Manager) DeleteRule(version, key string) error {
	if err := m.store.DeleteRule(version, key); err != nil {
		return err
	}
	m.cache.Invalidate()
	return nil
}

// AddTemplate validates and persists a new deadline template.
func (m *Manager) AddTemplate(version string, t engine.DeadlineTemplate) error {
	if err := ValidateTemplate(t); err != nil {
		return err
	}
	if err := m.store.AddTemplate(version, t); err != nil {
		return err
	}
	m.cache.Invalidate()
	return nil
}

// UpdateTemplate validates and persists changes to an existing template.
func (m *Manager) UpdateTemplate(version string, t engine.DeadlineTemplate) error {
	if err := ValidateTemplate(t); err != nil {
		return err
	}
	if err := m.store.UpdateTemplate(version, t); err != nil {
		return err
	}
	m.cache.Invalidate()
	return nil
}

// DeleteTemplate removes a deadline template.
func (m *Manager) DeleteTemplate(version, key string) error {
	if err := m.store.DeleteTemplate(version, key); err != nil {
		return err
	}
	m.cache.Invalidate()
	return nil
}
