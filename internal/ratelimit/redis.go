package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrAndExpireScript is the atomic "INCR key; if result==1 then EXPIRE key
// windowSec" script described in spec §4.5. Running it as a single Lua
// script under redis.Eval makes the increment and the conditional TTL
// assignment atomic from the client's point of view: a naive INCR-then-EXPIRE
// over two round trips would leave the key TTL-less forever if the KV
// process restarted in between, permanently blocking the principal
// (property P6). EXPIRE is only set on the increment that creates the key
// (result == 1), which is what gives strict fixed-window semantics — later
// increments within the same window never push the reset time out.
const incrAndExpireScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`

// RedisBackend is the preferred Backend, reaching a Redis-compatible KV
// store for the fixed-window counter.
type RedisBackend struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisBackend creates a RedisBackend over an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client: client,
		script: redis.NewScript(incrAndExpireScript),
	}
}

// Allow implements Backend via the atomic script above.
func (r *RedisBackend) Allow(ctx context.Context, key string, w Window) (bool, error) {
	windowSec := int64(w.Window.Seconds())
	if windowSec < 1 {
		windowSec = 1
	}

	res, err := r.script.Run(ctx, r.client, []string{key}, windowSec).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script failed: %w", err)
	}

	count, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected script result type %T", res)
	}

	return count <= int64(w.Max), nil
}

// SetIfAbsent implements the typing-debounce primitive (spec §4.5): "1
// typing event per second per user-room" via a set-if-absent-with-TTL
// operation. Returns true if this call created the key (i.e. the debounce
// allows emitting a new typing event), false if the key already existed.
func (r *RedisBackend) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis SETNX failed: %w", err)
	}
	return ok, nil
}
