package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCacheTTL bounds how long a cached module's rule set is served
// without a reload.
const DefaultCacheTTL = time.Hour

type cacheKey struct {
	module     string
	activeOnly bool
}

type cacheEntry struct {
	rules     []*RuleDefinition
	expiresAt time.Time
}

// inflight deduplicates concurrent loads of the same key so population is
// single-writer per key. Waiters block on done and read rules/err after.
type inflight struct {
	done  chan struct{}
	rules []*RuleDefinition
	err   error
}

// CacheStats is the operational counter snapshot exposed by Stats.
type CacheStats struct {
	Hits              uint64     `json:"hits"`
	Misses            uint64     `json:"misses"`
	HitRate           float64    `json:"hit_rate"`
	Keys              int        `json:"keys"`
	LastInvalidatedAt *time.Time `json:"last_invalidated_at,omitempty"`
}

// Cache is a TTL-bound, per-module view over the rule store. Entries are
// keyed by (module, activeOnly), created on first read miss and destroyed by
// TTL expiry or explicit invalidation. Reads of unrelated keys never block
// on a key being repopulated.
type Cache struct {
	repo   RuleRepository
	ttl    time.Duration
	logger zerolog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64

	mu              sync.RWMutex
	entries         map[cacheKey]*cacheEntry
	loading         map[cacheKey]*inflight
	gen             uint64
	lastInvalidated time.Time
}

func NewCache(repo RuleRepository, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		repo:    repo,
		ttl:     ttl,
		logger:  logger,
		entries: make(map[cacheKey]*cacheEntry),
		loading: make(map[cacheKey]*inflight),
	}
}

// GetRules returns the rule set for (moduleCode, activeOnly), loading it from
// the store on a miss and serving the cached slice on a hit. Callers must
// treat the returned slice as read-only.
func (c *Cache) GetRules(ctx context.Context, moduleCode string, activeOnly bool) ([]*RuleDefinition, error) {
	key := cacheKey{module: moduleCode, activeOnly: activeOnly}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		c.hits.Add(1)
		return entry.rules, nil
	}

	c.misses.Add(1)
	return c.populate(ctx, key)
}

// populate loads a key from the store, deduplicating concurrent loaders: the
// first caller performs the load, later callers wait for its result. The
// store read itself happens outside the lock so other keys stay readable.
func (c *Cache) populate(ctx context.Context, key cacheKey) ([]*RuleDefinition, error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.rules, nil
	}
	if fl, ok := c.loading[key]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.rules, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	c.loading[key] = fl
	startGen := c.gen
	c.mu.Unlock()

	rules, err := c.repo.GetByModule(ctx, key.module, key.activeOnly)

	c.mu.Lock()
	delete(c.loading, key)
	// An invalidation during the load means the result may predate it.
	// Waiters still get it, but it must not be installed or the stale set
	// would be served for a full TTL.
	if err == nil && c.gen == startGen {
		c.entries[key] = &cacheEntry{rules: rules, expiresAt: time.Now().Add(c.ttl)}
	}
	c.mu.Unlock()

	fl.rules, fl.err = rules, err
	close(fl.done)
	return rules, err
}

// Invalidate drops both activeOnly variants of the given module, or every
// entry when moduleCode is empty. Called after each successful ingestion
// batch commit and after any direct rule edit.
func (c *Cache) Invalidate(moduleCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if moduleCode == "" {
		c.entries = make(map[cacheKey]*cacheEntry)
	} else {
		delete(c.entries, cacheKey{module: moduleCode, activeOnly: true})
		delete(c.entries, cacheKey{module: moduleCode, activeOnly: false})
	}
	c.gen++
	c.lastInvalidated = time.Now()
}

// Warm proactively populates both variants of each listed module. A failure
// on one module is logged and does not abort warming of the others.
func (c *Cache) Warm(ctx context.Context, moduleCodes []string) {
	for _, module := range moduleCodes {
		for _, activeOnly := range []bool{true, false} {
			key := cacheKey{module: module, activeOnly: activeOnly}
			if _, err := c.populate(ctx, key); err != nil {
				c.logger.Warn().Err(err).
					Str("module_code", module).
					Bool("active_only", activeOnly).
					Msg("cache warm failed for module")
			}
		}
	}
}

// Stats returns the hit/miss counters and key count. Operational visibility
// only; numbers race benignly with in-flight reads.
func (c *Cache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := CacheStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	c.mu.RLock()
	stats.Keys = len(c.entries)
	if !c.lastInvalidated.IsZero() {
		t := c.lastInvalidated
		stats.LastInvalidatedAt = &t
	}
	c.mu.RUnlock()
	return stats
}
