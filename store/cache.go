package store

import (
	"time"

	"github.com/taxpadi/engine/engine"
)

// RuleSetCache caches the active rule set so evaluation requests do not hit
// the database. Implementations must hand out value snapshots, never live
// references: an in-flight evaluation must be unaffected by a concurrent
// administrative edit.
type RuleSetCache interface {
	// Get retrieves the cached rule set, nil on miss or expiry.
	Get() *engine.RuleSet

	// Set stores the rule set.
	Set(rs *engine.RuleSet)

	// Invalidate clears the cache, forcing a refresh on next Get.
	Invalidate()

	// IsValid reports whether the cache holds unexpired data.
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL is the time-to-live for the cached rule set. Zero means no
	// expiration (manual invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule set caching: no TTL,
// invalidation happens explicitly on administrative writes.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
