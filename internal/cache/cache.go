// Package cache implements the two-tier query cache that sits in front of
// expensive graph lineage/search queries (spec.md §4.4): a Redis tier for
// shared, cross-process caching with an in-memory fallback tier for
// when Redis is unavailable or disabled. Values are always JSON — the
// cache never stores anything that requires deserializing arbitrary
// code, unlike a pickle-based cache would.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forge-project/forge-core/internal/ttlcache"
)

var keyComponentRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// SanitizeKeyComponent validates a cache key component (e.g. a capsule
// ID) and falls back to a hash of the raw value when it doesn't match
// the allowed character set, preventing cache-key injection.
func SanitizeKeyComponent(component string) string {
	if keyComponentRe.MatchString(component) {
		return component
	}
	sum := sha256.Sum256([]byte(component))
	return "sanitized_" + hex.EncodeToString(sum[:])[:32]
}

// Stats tracks cache performance for observability.
type Stats struct {
	mu            sync.Mutex
	Hits          int64
	Misses        int64
	Invalidations int64
	Errors        int64
}

// Snapshot returns a copy of the current counters and the derived hit rate.
func (s *Stats) Snapshot() (hits, misses, invalidations, errors int64, hitRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.Hits + s.Misses
	rate := 0.0
	if total > 0 {
		rate = float64(s.Hits) / float64(total)
	}
	return s.Hits, s.Misses, s.Invalidations, s.Errors, rate
}

func (s *Stats) hit()          { s.mu.Lock(); s.Hits++; s.mu.Unlock() }
func (s *Stats) miss()         { s.mu.Lock(); s.Misses++; s.mu.Unlock() }
func (s *Stats) errored()      { s.mu.Lock(); s.Errors++; s.mu.Unlock() }
func (s *Stats) invalidated(n int64) { s.mu.Lock(); s.Invalidations += n; s.mu.Unlock() }

// Cache is the two-tier query cache. Tier 1 is Redis (when configured and
// reachable); tier 2 is an in-memory ttlcache.Cache used as a fallback and
// for tests. A reverse index from capsule ID to cache keys drives targeted
// invalidation without a full key scan.
type Cache struct {
	redis  *redis.Client
	memory *ttlcache.Cache[json.RawMessage]
	mu     sync.Mutex

	subs map[string]map[string]struct{} // capsuleID -> set of cache keys

	enabled        bool
	keyPrefix      string
	defaultTTL     time.Duration
	searchTTL      time.Duration
	lineageTTL     time.Duration
	maxResultBytes int

	logger *slog.Logger
	stats  Stats
}

// Options configures a new Cache. A nil RedisClient makes the cache
// memory-only.
type Options struct {
	RedisClient      *redis.Client
	Enabled          bool
	KeyPrefix        string
	DefaultTTL       time.Duration
	SearchTTL        time.Duration
	LineageTTL       time.Duration
	MaxResultBytes   int
	MemoryMaxEntries int
	Logger           *slog.Logger
}

// New constructs a Cache from Options.
func New(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxEntries := opts.MemoryMaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	memTTL := opts.DefaultTTL
	if memTTL <= 0 {
		memTTL = 5 * time.Minute
	}
	return &Cache{
		redis:          opts.RedisClient,
		memory:         ttlcache.New[json.RawMessage](memTTL, maxEntries),
		subs:           make(map[string]map[string]struct{}),
		enabled:        opts.Enabled,
		keyPrefix:      opts.KeyPrefix,
		defaultTTL:     opts.DefaultTTL,
		searchTTL:      opts.SearchTTL,
		lineageTTL:     opts.LineageTTL,
		maxResultBytes: opts.MaxResultBytes,
		logger:         logger,
	}
}

func (c *Cache) usesRedis() bool { return c.redis != nil }

// Get fetches a value by key, unmarshalling into dst. It reports whether
// the key was found (and not expired).
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	key = c.keyPrefix + key

	if c.usesRedis() {
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			c.stats.miss()
			return false, nil
		}
		if err != nil {
			c.stats.errored()
			c.logger.Warn("cache get failed", "key", key, "error", err)
			return false, nil
		}
		if err := json.Unmarshal(data, dst); err != nil {
			c.stats.errored()
			return false, err
		}
		c.stats.hit()
		return true, nil
	}

	raw, ok := c.memory.Get(key)
	if !ok {
		c.stats.miss()
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.stats.errored()
		return false, err
	}
	c.stats.hit()
	return true, nil
}

// SetOptions configures a single Set call.
type SetOptions struct {
	TTL              time.Duration
	RelatedCapsuleIDs []string
}

// Set stores value at key, JSON-encoded, enforcing the configured size
// ceiling and registering invalidation triggers for related capsules.
func (c *Cache) Set(ctx context.Context, key string, value any, opts SetOptions) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	serialized, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	if c.maxResultBytes > 0 && len(serialized) > c.maxResultBytes {
		c.logger.Warn("cache value too large", "key", key, "size", len(serialized), "max", c.maxResultBytes)
		return false, nil
	}

	fullKey := c.keyPrefix + key

	if c.usesRedis() {
		if err := c.redis.Set(ctx, fullKey, serialized, ttl).Err(); err != nil {
			c.stats.errored()
			return false, err
		}
	} else {
		c.memory.SetTTL(fullKey, serialized, ttl)
	}

	if len(opts.RelatedCapsuleIDs) > 0 {
		c.registerTriggers(key, opts.RelatedCapsuleIDs)
	}
	return true, nil
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	fullKey := c.keyPrefix + key

	if c.usesRedis() {
		n, err := c.redis.Del(ctx, fullKey).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}

	return c.memory.Delete(fullKey), nil
}

func (c *Cache) registerTriggers(cacheKey string, capsuleIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range capsuleIDs {
		if c.subs[id] == nil {
			c.subs[id] = make(map[string]struct{})
		}
		c.subs[id][cacheKey] = struct{}{}
	}
}

// InvalidateForCapsule deletes every cache entry registered against
// capsuleID and returns how many were removed.
func (c *Cache) InvalidateForCapsule(ctx context.Context, capsuleID string) (int, error) {
	c.mu.Lock()
	triggers := c.subs[capsuleID]
	delete(c.subs, capsuleID)
	keys := make([]string, 0, len(triggers))
	for k := range triggers {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	count := 0
	for _, key := range keys {
		ok, err := c.Delete(ctx, key)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	if count > 0 {
		c.stats.invalidated(int64(count))
	}
	return count, nil
}

// CleanupExpired sweeps the in-memory tier for entries past their TTL and
// drops them (spec.md §4.6 "query-cache cleanup (memory-only op)"). The
// Redis tier needs no equivalent: SETEX already expires entries server-side.
func (c *Cache) CleanupExpired() int {
	return c.memory.CleanupExpired()
}

// ClearAll drops every cache entry this instance manages.
func (c *Cache) ClearAll(ctx context.Context) (int, error) {
	if c.usesRedis() {
		var count int
		iter := c.redis.Scan(ctx, 0, c.keyPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			if err := c.redis.Del(ctx, iter.Val()).Err(); err == nil {
				count++
			}
		}
		c.mu.Lock()
		c.subs = make(map[string]map[string]struct{})
		c.mu.Unlock()
		return count, iter.Err()
	}

	count := c.memory.DeleteAll()
	c.mu.Lock()
	c.subs = make(map[string]map[string]struct{})
	c.mu.Unlock()
	return count, nil
}

// GetStats returns a pointer to this cache's running statistics.
func (c *Cache) GetStats() *Stats { return &c.stats }

// GetOrCompute is the cache-aside convenience operation named directly in
// spec.md §4.4: on a hit, dst is populated from the cached value; on a miss,
// compute runs, its result is stored under key (subject to the same size
// ceiling and reverse-index registration as Set), and returned.
func (c *Cache) GetOrCompute(ctx context.Context, key string, dst any, compute func(ctx context.Context) (any, error), opts SetOptions) error {
	if hit, err := c.Get(ctx, key, dst); err != nil {
		return err
	} else if hit {
		return nil
	}

	value, err := compute(ctx)
	if err != nil {
		return err
	}

	if _, err := c.Set(ctx, key, value, opts); err != nil {
		return err
	}

	serialized, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(serialized, dst)
}

// LineageTTL computes the cache lifetime for a lineage query result
// based on the freshest updated_at timestamp in the set, matching the
// "stale chains cache longer" heuristic: very recent capsules cache
// only briefly, stable ones cache for up to an hour.
func (c *Cache) LineageTTL(mostRecentUpdate time.Time) time.Duration {
	if mostRecentUpdate.IsZero() {
		return c.lineageTTL
	}
	age := time.Since(mostRecentUpdate)
	switch {
	case age < time.Hour:
		return time.Minute
	case age < 24*time.Hour:
		return 5 * time.Minute
	case age < 7*24*time.Hour:
		return 30 * time.Minute
	default:
		return time.Hour
	}
}

// SearchTTL is the fixed TTL applied to search result entries.
func (c *Cache) SearchTTL() time.Duration { return c.searchTTL }

// HashSearchQuery derives a stable, short cache-key fragment for a
// search query and its filter set.
func HashSearchQuery(query string, filters map[string]any) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	// Deterministic ordering for a stable hash (map iteration is random).
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	payload := fmt.Sprintf("%s|", query)
	for _, k := range keys {
		payload += fmt.Sprintf("%s=%v|", k, filters[k])
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}
