package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Refill is computed from the Redis server clock so replicas with skewed
// clocks share one bucket. The token count comes back as a string since
// go-redis truncates Lua numbers to integers.
var tokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - last) / 1000 * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {allowed, tostring(tokens)}
`)

// Limit is a sustained rate in tokens per second plus a burst capacity.
type Limit struct {
	Rate  float64
	Burst int
}

func (l Limit) validate() error {
	if l.Rate <= 0 || l.Burst <= 0 {
		return errors.New("rate limit rate and burst must be positive")
	}
	return nil
}

// idleTTL keeps a bucket around twice as long as a full refill takes.
func (l Limit) idleTTL() time.Duration {
	return time.Duration(math.Max(1, math.Ceil(2*float64(l.Burst)/l.Rate))) * time.Second
}

type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

type TokenBucket struct {
	client *redis.Client
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client}
}

// Take removes one token from the bucket at key.
func (t *TokenBucket) Take(ctx context.Context, key string, limit Limit) (Decision, error) {
	if t == nil || t.client == nil {
		return Decision{}, errors.New("rate limiter not configured")
	}
	if key == "" {
		return Decision{}, errors.New("rate limiter key is empty")
	}
	if err := limit.validate(); err != nil {
		return Decision{}, err
	}

	res, err := tokenBucketScript.Run(ctx, t.client, []string{key},
		limit.Rate, limit.Burst, limit.idleTTL().Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("token bucket: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket: parse tokens %q: %w", raw, err)
	}

	d := Decision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed {
		d.RetryAfter = time.Duration((1 - remaining) / limit.Rate * float64(time.Second))
	}
	return d, nil
}
