// Package ratelimit caps how fast one requester can enqueue generation jobs.
// State lives in Redis so the limit holds across API replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a per-requester token bucket. Each job submission costs one
// token; tokens refill continuously up to the bucket capacity.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Decision reports the result of one token request.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Allow consumes one token for the requester if available. The check and
// refill run in a single Lua script so concurrent submissions cannot
// double-spend a token.
func (l *Limiter) Allow(ctx context.Context, requester string) (Decision, error) {
	key := "books:ratelimit:" + requester
	nowMS := l.now().UnixMilli()

	res, err := takeScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, nowMS, l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}

	d := Decision{Allowed: toInt64(arr[0]) == 1, Remaining: toFloat(arr[1])}
	if !d.Allowed && l.refill > 0 {
		deficit := 1 - d.Remaining
		if deficit < 0 {
			deficit = 0
		}
		d.RetryAfter = time.Duration(deficit / l.refill * float64(time.Second))
	}
	return d, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		var f float64
		fmt.Sscanf(n, "%g", &f)
		return f
	default:
		return 0
	}
}

var takeScript = redis.NewScript(`
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
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
