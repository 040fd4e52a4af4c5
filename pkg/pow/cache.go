package pow

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache records solved (voter, question) pairs for a bounded horizon.
// Seen is a pure check; Mark burns the slot. Keeping them separate lets the
// caller mark only after the vote is durably committed, so a failed commit
// does not consume the pair. The durable vote store backstops the race
// between two concurrent submissions of the same pair.
type ReplayCache interface {
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

const memoryCacheShards = 16

// MemoryCache is a sharded in-process replay cache. Distinct keys hit
// distinct shards, so concurrent voters rarely contend on a lock.
type MemoryCache struct {
	shards [memoryCacheShards]memoryCacheShard
	clock  func() time.Time
}

type memoryCacheShard struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

// NewMemoryCache creates an empty replay cache.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{clock: time.Now}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]time.Time)
	}
	return c
}

// WithClock overrides the clock for testing.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func (c *MemoryCache) Seen(_ context.Context, key string, _ time.Duration) (bool, error) {
	shard := c.shard(key)
	now := c.clock()
	shard.mu.Lock()
	defer shard.mu.Unlock()
	exp, ok := shard.entries[key]
	return ok && now.Before(exp), nil
}

func (c *MemoryCache) Mark(_ context.Context, key string, ttl time.Duration) error {
	shard := c.shard(key)
	now := c.clock()
	shard.mu.Lock()
	defer shard.mu.Unlock()

	// Evict expired entries opportunistically to bound memory.
	for k, exp := range shard.entries {
		if now.After(exp) {
			delete(shard.entries, k)
		}
	}

	shard.entries[key] = now.Add(ttl)
	return nil
}

func (c *MemoryCache) shard(key string) *memoryCacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.shards[h.Sum32()%memoryCacheShards]
}

// RedisCache is a replay cache shared across processes. The Redis server
// provides the per-key atomicity of Mark via SET NX.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache against the given Redis address.
func NewRedisCache(addr, password string, db int) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "pow:vote:",
	}
}

func (c *RedisCache) Seen(ctx context.Context, key string, _ time.Duration) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.SetNX(ctx, c.prefix+key, 1, ttl).Err()
}
