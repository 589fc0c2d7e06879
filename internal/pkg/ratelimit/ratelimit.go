// Package ratelimit throttles public ingestion per script key.
//
// Counting happens in Redis with a Lua script that checks the per-second
// and per-minute windows and only increments when both pass, so no
// GET/check/INCR race exists across server instances. When Redis cannot be
// reached the limiter degrades to an in-process token bucket per key. The
// buckets live in a bounded ristretto cache: script keys are not validated
// yet at this point, so the key space is attacker controlled.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ignite/intent-engine/internal/pkg/logger"
)

// Config holds the per-key ceilings. Zero disables a window.
type Config struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

const windowLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local secondLimit = tonumber(ARGV[1])
local minuteLimit = tonumber(ARGV[2])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")

if secondLimit > 0 and secCurrent + 1 > secondLimit then
    return {0, 1}
end
if minuteLimit > 0 and minCurrent + 1 > minuteLimit then
    return {0, 2}
end

if redis.call("INCR", secondKey) == 1 then
    redis.call("EXPIRE", secondKey, 2)
end
if redis.call("INCR", minuteKey) == 1 then
    redis.call("EXPIRE", minuteKey, 120)
end
return {1, 0}
`

// Limiter is safe for concurrent use.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	cfg    Config
	now    func() time.Time

	mu    sync.Mutex
	local *ristretto.Cache
}

const (
	localMaxKeys = 10_000
	// Buckets expire this long after creation; an expired bucket only
	// restarts with a full burst.
	localIdleTTL = 10 * time.Minute
)

// New creates a limiter. A nil client uses only the local fallback.
func New(client *redis.Client, cfg Config) *Limiter {
	return &Limiter{
		redis:  client,
		script: redis.NewScript(windowLuaScript),
		cfg:    cfg,
		now:    time.Now,
		local:  newLocalBuckets(localMaxKeys),
	}
}

func newLocalBuckets(maxKeys int64) *ristretto.Cache {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxKeys * 10,
		MaxCost:            maxKeys,
		BufferItems:        64,
		IgnoreInternalCost: true,
		Metrics:            true,
	})
	if err != nil {
		// Only reachable with a zero-sized config.
		panic(fmt.Sprintf("ratelimit: local buckets: %v", err))
	}
	return c
}

// Close releases the local buckets.
func (l *Limiter) Close() {
	if l != nil {
		l.local.Close()
	}
}

// Enabled reports whether any window is configured. A nil limiter is
// disabled.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.cfg.PerSecond > 0 || l.cfg.PerMinute > 0)
}

// Allow records one request for key and reports whether it may proceed.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if !l.Enabled() {
		return Decision{Allowed: true}
	}
	if l.redis == nil {
		return l.allowLocal(key)
	}

	d, err := l.allowRedis(ctx, key)
	if err != nil {
		logger.Warn("rate limiter falling back to local buckets", "error", err)
		return l.allowLocal(key)
	}
	return d
}

func (l *Limiter) allowRedis(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	secondKey := fmt.Sprintf("ratelimit:ingest:%s:sec:%d", key, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:ingest:%s:min:%d", key, now.Unix()/60)

	result, err := l.script.Run(ctx, l.redis, []string{secondKey, minuteKey},
		l.cfg.PerSecond, l.cfg.PerMinute).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(result) != 2 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply %v", result)
	}
	allowed, _ := result[0].(int64)
	reason, _ := result[1].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}

	d := Decision{RetryAfter: time.Second}
	if reason == 2 {
		d.RetryAfter = time.Duration(60-now.Second()) * time.Second
	}
	return d, nil
}

func (l *Limiter) allowLocal(key string) Decision {
	l.mu.Lock()
	var lim *rate.Limiter
	if v, ok := l.local.Get(key); ok {
		lim = v.(*rate.Limiter)
	} else {
		// A key the cache declines to admit gets a fresh bucket per call;
		// busy keys win admission on frequency.
		lim = rate.NewLimiter(l.localRate(), l.localBurst())
		l.local.SetWithTTL(key, lim, 1, localIdleTTL)
		l.local.Wait()
	}
	l.mu.Unlock()

	r := lim.ReserveN(l.now(), 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Second}
	}
	if delay := r.DelayFrom(l.now()); delay > 0 {
		r.CancelAt(l.now())
		return Decision{RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) localRate() rate.Limit {
	if l.cfg.PerSecond > 0 {
		return rate.Limit(l.cfg.PerSecond)
	}
	return rate.Limit(float64(l.cfg.PerMinute) / 60)
}

func (l *Limiter) localBurst() int {
	if l.cfg.PerSecond > 0 {
		return l.cfg.PerSecond
	}
	return l.cfg.PerMinute
}
