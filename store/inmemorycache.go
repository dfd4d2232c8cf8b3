package store

import (
	"sync"
	"time"

	"github.com/taxpadi/engine/engine"
)

// InMemoryRuleSetCache is a simple in-memory implementation of RuleSetCache.
// Thread-safe for concurrent access.
type InMemoryRuleSetCache struct {
	ruleset  *engine.RuleSet
	cachedAt time.Time
	config   CacheConfig
	isValid  bool
	mu       sync.RWMutex
}

// NewInMemoryRuleSetCache creates a new in-memory rule set cache.
func NewInMemoryRuleSetCache(config CacheConfig) *InMemoryRuleSetCache {
	return &InMemoryRuleSetCache{config: config}
}

// Get retrieves the cached rule set, nil if the cache is invalid or expired.
// The returned value has fresh top-level slices so the caller cannot mutate
// the cached copy.
func (c *InMemoryRuleSetCache) Get() *engine.RuleSet {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.validLocked() {
		return nil
	}
	return copyRuleSet(c.ruleset)
}

// Set stores the rule set in the cache.
func (c *InMemoryRuleSetCache) Set(rs *engine.RuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ruleset = copyRuleSet(rs)
	c.cachedAt = time.Now()
	c.isValid = rs != nil
}

// Invalidate clears the cache.
func (c *InMemoryRuleSetCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.ruleset = nil
}

// IsValid reports whether the cache holds unexpired data.
func (c *InMemoryRuleSetCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validLocked()
}

func (c *InMemoryRuleSetCache) validLocked() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 {
		return time.Since(c.cachedAt) <= c.config.TTL
	}
	return true
}

func copyRuleSet(rs *engine.RuleSet) *engine.RuleSet {
	if rs == nil {
		return nil
	}
	out := &engine.RuleSet{
		Version:           rs.Version,
		Rules:             make([]engine.Rule, len(rs.Rules)),
		DeadlineTemplates: make([]engine.DeadlineTemplate, len(rs.DeadlineTemplates)),
	}
	copy(out.Rules, rs.Rules)
	copy(out.DeadlineTemplates, rs.DeadlineTemplates)
	return out
}
