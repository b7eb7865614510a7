// Package rediscache implements the cross-process coordination primitives
// the pipeline keeps in the cache: per-directory completion counters and
// the evidence-bundle seal gate. Both are server-side Lua scripts so no
// process-level locking is needed.
package rediscache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Cache wraps the shared Redis client.
type Cache struct {
	rdb        *redis.Client
	decrScript *redis.Script
	sealScript *redis.Script
	ttl        time.Duration
}

// Keys carry the run id so concurrent runs never share state.
func counterKey(runID, dirPath string) string {
	return "codegraph:agg:" + runID + ":" + dirPath
}

func sealKey(relHash string) string {
	return "codegraph:seal:" + relHash
}

// luaDecrement decrements the counter and deletes the key once it reaches
// zero, returning the remaining count. A missing key returns -1 so a
// duplicate completion signal after release is distinguishable from the
// releasing decrement.
const luaDecrement = `
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return -1
end
local remaining = redis.call("DECR", key)
if remaining <= 0 then
  redis.call("DEL", key)
  return 0
end
return remaining
`

// luaTrySeal is a compare-and-swap on the sealed flag: exactly one caller
// per rel-hash observes 1.
const luaTrySeal = `
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
if redis.call("SETNX", key, "sealed") == 1 then
  if ttl > 0 then
    redis.call("EXPIRE", key, ttl)
  end
  return 1
end
return 0
`

// New constructs a Cache around an existing client. Seal keys expire after
// ttl (zero keeps them forever).
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{
		rdb:        rdb,
		decrScript: redis.NewScript(luaDecrement),
		sealScript: redis.NewScript(luaTrySeal),
		ttl:        ttl,
	}
}

// Init sets a directory's completion counter to the number of its
// file-analyse jobs. Idempotent per (run, dir).
func (c *Cache) Init(ctx domain.Context, runID, dirPath string, count int) error {
	if count <= 0 {
		return fmt.Errorf("op=cache.init_counter: count %d: %w", count, domain.ErrInvalidArgument)
	}
	if err := c.rdb.SetNX(ctx, counterKey(runID, dirPath), count, 0).Err(); err != nil {
		return fmt.Errorf("op=cache.init_counter: %w", err)
	}
	return nil
}

// Decrement atomically decrements the directory counter. Zero means the
// caller's signal completed the directory; -1 means the directory was
// already released.
func (c *Cache) Decrement(ctx domain.Context, runID, dirPath string) (int64, error) {
	res, err := c.decrScript.Run(ctx, c.rdb, []string{counterKey(runID, dirPath)}).Result()
	if err != nil {
		return 0, fmt.Errorf("op=cache.decrement: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("op=cache.decrement: unexpected result %T: %w", res, domain.ErrInternal)
	}
	return n, nil
}

// TrySeal returns true for exactly one caller per rel-hash. The flag
// survives worker crashes, so a retried validation job cannot enqueue
// reconciliation twice.
func (c *Cache) TrySeal(ctx domain.Context, relHash string) (bool, error) {
	ttl := int64(c.ttl / time.Second)
	res, err := c.sealScript.Run(ctx, c.rdb, []string{sealKey(relHash)}, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=cache.try_seal: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("op=cache.try_seal: unexpected result %T: %w", res, domain.ErrInternal)
	}
	return n == 1, nil
}
