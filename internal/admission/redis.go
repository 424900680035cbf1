package admission

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"wasteops.org/internal/obs"
)

// tokenBucketScript refills and takes one token atomically.
// KEYS[1] = bucket hash
// ARGV[1] = tokens per second, ARGV[2] = burst, ARGV[3] = now (ms), ARGV[4] = ttl (ms)
// Returns {admitted, retry_after_ms}.
var tokenBucketScript = goredis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
  ts = now
end
local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + elapsed * rate / 1000)
local admitted = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  admitted = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return {admitted, wait}
`)

// Redis shares bucket state across API instances.
type Redis struct {
	client   goredis.Scripter
	rates    map[string]Rate
	prefix   string
	fallback Limiter
	now      func() time.Time
}

// RedisOption configures a Redis limiter.
type RedisOption func(*Redis)

// WithFallback makes the limiter fail open to l when Redis is unreachable.
// Without it a Redis failure is returned to the caller.
func WithFallback(l Limiter) RedisOption {
	return func(r *Redis) { r.fallback = l }
}

// WithPrefix sets the key prefix (default "wasteops:admission:").
func WithPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

func NewRedis(client goredis.Scripter, rates map[string]Rate, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		rates:  rates,
		prefix: "wasteops:admission:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) TryAcquire(ctx context.Context, tenantID, route string) (Decision, error) {
	cfg, ok := r.rates[route]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownRoute, route)
	}
	key := r.prefix + tenantID + ":" + route
	// Idle buckets expire once they would have refilled completely.
	ttl := time.Duration(float64(cfg.Burst)/cfg.PerSecond*float64(time.Second)) + time.Minute

	res, err := tokenBucketScript.Run(ctx, r.client, []string{key},
		cfg.PerSecond, cfg.Burst, r.now().UnixMilli(), ttl.Milliseconds()).Int64Slice()
	if err == nil && len(res) != 2 {
		err = fmt.Errorf("unexpected script reply of %d values", len(res))
	}
	if err != nil {
		if r.fallback != nil {
			obs.Warn("admission_redis_fallback", map[string]any{"route": route, "error": err})
			return r.fallback.TryAcquire(ctx, tenantID, route)
		}
		return Decision{}, fmt.Errorf("admission/redis: %w", err)
	}
	if res[0] == 1 {
		return Admit, nil
	}
	return Throttled(time.Duration(res[1]) * time.Millisecond), nil
}
