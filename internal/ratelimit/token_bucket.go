// Package ratelimit throttles job submissions per client with a Redis-backed
// token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "bridge:rl:"

// Options sizes the bucket.
type Options struct {
	Capacity        int
	RefillPerSecond float64
	// TTL expires idle buckets. Zero keeps them forever.
	TTL    time.Duration
	Prefix string
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter estimates when the next token is available. Zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket implements a token bucket rate limiter in Redis so the state
// survives bridge restarts and can be shared with other front ends.
type TokenBucket struct {
	client *redis.Client
	opts   Options
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, opts Options) *TokenBucket {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.RefillPerSecond < 0 {
		opts.RefillPerSecond = 0
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	return &TokenBucket{client: client, opts: opts}
}

// Ping checks connectivity so a misconfigured limiter fails at startup.
func (b *TokenBucket) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Allow consumes a single token for client if one is available.
func (b *TokenBucket) Allow(ctx context.Context, client string) (Decision, error) {
	now := time.Now().UnixMilli()
	key := b.opts.Prefix + client
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.opts.Capacity, b.opts.RefillPerSecond, now, b.opts.TTL.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		_, _ = fmt.Sscanf(v, "%g", &tokens)
	}

	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed {
		d.RetryAfter = b.retryAfter(tokens)
	}
	return d, nil
}

func (b *TokenBucket) retryAfter(tokens float64) time.Duration {
	if b.opts.RefillPerSecond <= 0 {
		return 0
	}
	missing := math.Max(0, 1-tokens)
	return time.Duration(math.Ceil(missing / b.opts.RefillPerSecond * float64(time.Second)))
}

// Lua numbers come back truncated to integers, so the token count is
// returned as a string to keep the fraction.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
