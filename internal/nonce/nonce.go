// Package nonce enforces per-sender monotonic nonce ordering for signed
// federation payloads, closing the replay window that a bare
// timestamp-freshness check leaves open (spec.md §4.3). A Store can be
// backed by Redis for multi-process deployments or an in-memory map for
// single-process/test use; both share the Store interface.
package nonce

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forge-project/forge-core/internal/ttlcache"
)

// Store records the highest nonce seen per sender and rejects anything
// not strictly greater than what came before.
type Store interface {
	// Check validates nonce against the sender's last-seen value and, if
	// it is accepted, records it as the new high-water mark. Returns
	// false when nonce has already been used or is not monotonically
	// increasing.
	Check(ctx context.Context, sender string, nonce int64) (bool, error)
	Close() error
}

func normalizeSender(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}

// MemoryStore is an in-process Store backed by a ttlcache.Cache, bounded
// by maxSenders with oldest-first eviction. Every accepted check touches
// the sender's entry, so active senders outlive the TTL reaping that
// culls idle ones.
type MemoryStore struct {
	cache *ttlcache.Cache[int64]
}

// NewMemoryStore constructs an in-memory nonce store. ttl bounds how long
// a sender's entry survives without activity; maxSenders bounds total
// tracked senders regardless of TTL.
func NewMemoryStore(ttl time.Duration, maxSenders int) *MemoryStore {
	if maxSenders <= 0 {
		maxSenders = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryStore{cache: ttlcache.New[int64](ttl, maxSenders)}
}

func (s *MemoryStore) Check(_ context.Context, sender string, nonceVal int64) (bool, error) {
	sender = normalizeSender(sender)

	if prev, ok := s.cache.Get(sender); ok && nonceVal <= prev {
		return false, nil
	}

	s.cache.Set(sender, nonceVal)
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

// RedisStore is a Store backed by Redis, using a Lua script to make the
// read-compare-write sequence atomic across concurrent instances.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	checkAndSet *redis.Script
}

const checkAndSetLua = `
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
return 1
`

// NewRedisStore constructs a Redis-backed nonce store. keyPrefix
// namespaces keys (e.g. "forge:nonce:"); ttl is applied to every key on
// write so abandoned senders eventually fall out of Redis on their own.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client:      client,
		keyPrefix:   keyPrefix,
		ttl:         ttl,
		checkAndSet: redis.NewScript(checkAndSetLua),
	}
}

func (s *RedisStore) Check(ctx context.Context, sender string, nonceVal int64) (bool, error) {
	key := s.keyPrefix + normalizeSender(sender)
	res, err := s.checkAndSet.Run(ctx, s.client, []string{key}, nonceVal, int64(s.ttl.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// TimestampNonce derives a coarse monotonic nonce from a Unix
// microsecond timestamp, used by callers that don't maintain their own
// sequence counter (the handshake/sync payload nonce fields are opaque
// integers from the sender's perspective).
func TimestampNonce(t time.Time) int64 {
	return t.UnixMicro()
}

// ParseNonce converts the wire-format nonce string into an int64 for
// Check, returning an error if it is not a valid integer.
func ParseNonce(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
