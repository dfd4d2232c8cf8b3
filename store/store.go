// Package store persists rule sets, deadline templates, and evaluation
// snapshots. The engine itself performs no I/O; everything here is the
// collaborator surface around it.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taxpadi/engine/engine"
)

var (
	// ErrNotFound is returned when a rule set, rule, or template does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating something whose key or
	// version is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoActiveRuleSet is returned when evaluation is requested but no
	// rule set has been activated. The engine synthesizes no fallback, so
	// callers surface this as a distinct "not configured" condition.
	ErrNoActiveRuleSet = errors.New("no active rule set")
)

// RuleSetMeta is the administrative view of a rule set: its version, whether
// it is the active one, and timestamps. Rule and template contents are loaded
// separately via GetByVersion.
type RuleSetMeta struct {
	Version   string    `json:"version"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RuleSetStore manages versioned rule sets. At most one version is active at
// a time; Activate atomically moves the flag.
type RuleSetStore interface {
	Create(version string) (*RuleSetMeta, error)
	List() ([]RuleSetMeta, error)
	GetActive() (*engine.RuleSet, error)
	GetByVersion(version string) (*engine.RuleSet, error)
	Activate(version string) error

	AddRule(version string, r engine.Rule) error
	UpdateRule(version string, r engine.Rule) error
	DeleteRule(version, key string) error

	AddTemplate(version string, t engine.DeadlineTemplate) error
	UpdateTemplate(version string, t engine.DeadlineTemplate) error
	DeleteTemplate(version, key string) error
}

// InMemoryRuleSetStore implements RuleSetStore with an in-memory map.
// Thread-safe with an RWMutex. Used in tests and for ephemeral deployments.
type InMemoryRuleSetStore struct {
	sets          map[string]*memRuleSet
	activeVersion string
	mu            sync.RWMutex
}

type memRuleSet struct {
	meta      RuleSetMeta
	rules     []engine.Rule
	templates []engine.DeadlineTemplate
}

// NewInMemoryRuleSetStore creates an empty in-memory rule set store.
func NewInMemoryRuleSetStore() *InMemoryRuleSetStore {
	return &InMemoryRuleSetStore{sets: make(map[string]*memRuleSet)}
}

func (s *InMemoryRuleSetStore) Create(version string) (*RuleSetMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sets[version]; exists {
		return nil, fmt.Errorf("rule set %q: %w", version, ErrAlreadyExists)
	}

	now := time.Now().UTC()
	set := &memRuleSet{meta: RuleSetMeta{Version: version, CreatedAt: now, UpdatedAt: now}}
	s.sets[version] = set
	meta := set.meta
	return &meta, nil
}

func (s *InMemoryRuleSetStore) List() ([]RuleSetMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]RuleSetMeta, 0, len(s.sets))
	for _, set := range s.sets {
		metas = append(metas, set.meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Version < metas[j].Version })
	return metas, nil
}

func (s *InMemoryRuleSetStore) GetActive() (*engine.RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.activeVersion == "" {
		return nil, ErrNoActiveRuleSet
	}
	return s.snapshotLocked(s.activeVersion)
}

func (s *InMemoryRuleSetStore) GetByVersion(version string) (*engine.RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(version)
}

// snapshotLocked returns a copy with fresh slices so callers never hold a
// live reference into the store.
func (s *InMemoryRuleSetStore) snapshotLocked(version string) (*engine.RuleSet, error) {
	set, exists := s.sets[version]
	if !exists {
		return nil, fmt.Errorf("rule set %q: %w", version, ErrNotFound)
	}

	rs := &engine.RuleSet{
		Version:           version,
		Rules:             make([]engine.Rule, len(set.rules)),
		DeadlineTemplates: make([]engine.DeadlineTemplate, len(set.templates)),
	}
	copy(rs.Rules, set.rules)
	copy(rs.DeadlineTemplates, set.templates)
	return rs, nil
}

func (s *InMemoryRuleSetStore) Activate(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, exists := s.sets[version]
	if !exists {
		return fmt.Errorf("rule set %q: %w", version, ErrNotFound)
	}

	if prev, ok := s.sets[s.activeVersion]; ok {
		prev.meta.Active = false
	}
	set.meta.Active = true
	set.meta.UpdatedAt = time.Now().UTC()
	s.activeVersion = version
	return nil
}

func (s *InMemoryRuleSetStore) AddRule(version string, r engine.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, exists := s.sets[version]
	if !exists {
		return fmt.Errorf("rule set %q: %w", version, ErrNotFound)
	}
	for _, existing := range set.rules {
		if existing.Key == r.Key {
			return fmt.Errorf("rule %q: %w", r.Key, ErrAlreadyExists)
		}
	}
	set.rules = append(set.rules, r)
	set.meta.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryRuleSetStore) UpdateRule(version string, r engine.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, exists := s.sets[version]
	if !exists {
		return fmt.Errorf("rule set %q: %w", version, ErrNotFound)
	}
	for i, existing := range set.rules {
		if existing.Key == r.Key {
			set.rules[i] = r
			set.meta.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("rule %q: %w", r.Key, ErrNotFound)
}

func (s *InMemoryRuleSetStore) DeleteRule(version, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, exists := s.sets[version]
	if !exists {
		return fmt.Errorf("rule set %q: %w", version, ErrNotFound)
	}
	for i, existing := range set.rules {
		if existing.Key == key {
			set.rules = append(set.rules[:i], set.rules[i+1:]...)
			set.meta.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("rule %q: %w", key, ErrNotFound)
}

func (s *InMemoryRuleSetStore) AddTemplate(version string, t engine.DeadlineTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, exists := s.sets[version]
	if !exists {
		return fmt.Errorf("rule set %q: %w", version, ErrNotFound)
	}
	for _, existing := range set.templates {
		if existing.Key == t.Key {
			return fmt.Errorf("template %q: %w", t.Key, ErrAlreadyExists)
		}
	}
	set.templates = append(set.templates, t)
	set.meta.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryRuleSetStore) UpdateTemplate(version string, t engine.DeadlineTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, exists := s.sets[version]
	if !exists {
		return fmt.Errorf("rule set %q: %w", version, ErrNotFound)
	}
	for i, existing := range set.templates {
		if existing.Key == t.Key {
			set.templates[i] = t
			set.meta.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("template %q: %w", t.Key, ErrNotFound)
}

func (s *InMemoryRuleSetStore) DeleteTemplate(version, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, exists := s.sets[version]
	if !exists {
		return fmt.Errorf("rule set %q: %w", version, ErrNotFound)
	}
	for i, existing := range set.templates {
		if existing.Key == key {
			set.templates = append(set.templates[:i], set.templates[i+1:]...)
			set.meta.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("template %q: %w", key, ErrNotFound)
}
