// Package redis provides a sockrouter.RateLimiter backed by Redis, using an
// atomic Lua fixed-window counter (INCRBY+EXPIRE) so multiple sockrouter
// processes share one limit per key. The script is loaded once and
// invoked by SHA, with a NOSCRIPT response triggering a one-time reload
// and retry. A sony/gobreaker circuit breaker guards the Redis round trip
// and fails open to an in-memory limiter when the breaker is open or the
// call errors, so a degraded Redis never blocks dispatch.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/bjaus/sockrouter"
)

// luaConsumeScript atomically increments a fixed-window counter by cost
// (the window's expiry is set by the first increment) and reports whether
// the result stays within capacity.
// KEYS[1] = rate limit key
// ARGV[1] = capacity
// ARGV[2] = window in seconds
// ARGV[3] = cost
// Returns {allowed (0|1), remaining}
const luaConsumeScript = `
local current = redis.call('INCRBY', KEYS[1], ARGV[3])
if current == tonumber(ARGV[3]) then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
end
local capacity = tonumber(ARGV[1])
if current > capacity then
    return {0, 0}
end
return {1, capacity - current}
`

// Config configures the Limiter.
type Config struct {
	KeyPrefix  string
	Capacity   int           // tokens available per Window, per key (default 100)
	Window     time.Duration // default 1 minute
	Timeout    time.Duration // per-call Redis timeout (default 100ms)
	Breaker    gobreaker.Settings
	NoBreaker  bool // skip gobreaker wiring entirely (tests)
	Fallback   sockrouter.RateLimiter
}

// Limiter is a sockrouter.RateLimiter backed by Redis, falling back to an
// in-memory limiter when the circuit breaker is open or Redis errors.
type Limiter struct {
	client   *redis.Client
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	fallback sockrouter.RateLimiter

	scriptMu  sync.Mutex
	scriptSHA string
}

// New builds a Redis-backed Limiter. client is an already-connected
// *redis.Client; this package does not own its lifecycle.
func New(client *redis.Client, cfg Config) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "sockrouter:rl:"
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = sockrouter.NewMemoryRateLimiter(cfg.Capacity, cfg.Capacity, cfg.Window)
	}

	l := &Limiter{client: client, cfg: cfg, fallback: fallback}

	if !cfg.NoBreaker {
		settings := cfg.Breaker
		if settings.Name == "" {
			settings.Name = "sockrouter-redis-ratelimit"
		}
		if settings.ReadyToTrip == nil {
			settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			}
		}
		if settings.Timeout == 0 {
			settings.Timeout = 30 * time.Second
		}
		l.breaker = gobreaker.NewCircuitBreaker(settings)
	}

	return l
}

var _ sockrouter.RateLimiter = (*Limiter)(nil)

type consumeResult struct {
	allowed   bool
	remaining int
}

// Consume implements sockrouter.RateLimiter. When the breaker is open or
// Redis is unreachable it delegates to the in-memory fallback; callers see
// this only as a (possibly looser) allow/deny decision, never an error.
func (l *Limiter) Consume(ctx context.Context, key string, cost int) (sockrouter.RateResult, error) {
	if cost > l.cfg.Capacity {
		return sockrouter.RateResult{Allowed: false, Remaining: 0, RetryAfterMs: sockrouter.RetryAfterUnsatisfiable}, nil
	}

	run := func() (consumeResult, error) {
		return l.consumeOnce(ctx, key, cost)
	}
	if l.breaker != nil {
		out, err := l.breaker.Execute(func() (any, error) {
			cr, err := run()
			return cr, err
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return l.consumeFallback(ctx, key, cost)
		}
		if err != nil {
			return l.consumeFallback(ctx, key, cost)
		}
		cr := out.(consumeResult)
		return l.toResult(ctx, key, cr), nil
	}

	cr, err := run()
	if err != nil {
		return l.consumeFallback(ctx, key, cost)
	}
	return l.toResult(ctx, key, cr), nil
}

func (l *Limiter) consumeFallback(ctx context.Context, key string, cost int) (sockrouter.RateResult, error) {
	if l.fallback == nil {
		return sockrouter.RateResult{Allowed: true, Remaining: l.cfg.Capacity}, nil
	}
	return l.fallback.Consume(ctx, key, cost)
}

func (l *Limiter) toResult(ctx context.Context, key string, cr consumeResult) sockrouter.RateResult {
	if cr.allowed {
		return sockrouter.RateResult{Allowed: true, Remaining: cr.remaining}
	}
	return sockrouter.RateResult{Allowed: false, Remaining: 0, RetryAfterMs: l.retryAfterMs(ctx, key)}
}

func (l *Limiter) consumeOnce(ctx context.Context, key string, cost int) (consumeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	fullKey := l.cfg.KeyPrefix + key
	windowSeconds := int(l.cfg.Window.Seconds())
	if windowSeconds <= 0 {
		windowSeconds = 1
	}

	sha, err := l.ensureScript(ctx)
	if err != nil {
		return consumeResult{}, err
	}

	vals, err := l.client.EvalSha(ctx, sha, []string{fullKey}, l.cfg.Capacity, windowSeconds, cost).Result()
	if err != nil && isNoScriptError(err) {
		l.scriptMu.Lock()
		l.scriptSHA = ""
		l.scriptMu.Unlock()
		vals, err = l.client.Eval(ctx, luaConsumeScript, []string{fullKey}, l.cfg.Capacity, windowSeconds, cost).Result()
	}
	if err != nil {
		return consumeResult{}, fmt.Errorf("sockrouter/redis: consume: %w", err)
	}

	return parseConsumeResult(vals)
}

func parseConsumeResult(vals any) (consumeResult, error) {
	arr, ok := vals.([]any)
	if !ok || len(arr) != 2 {
		return consumeResult{}, fmt.Errorf("sockrouter/redis: unexpected script result %v", vals)
	}
	allowed, ok1 := arr[0].(int64)
	remaining, ok2 := arr[1].(int64)
	if !ok1 || !ok2 {
		return consumeResult{}, fmt.Errorf("sockrouter/redis: unexpected script result types %v", arr)
	}
	return consumeResult{allowed: allowed == 1, remaining: int(remaining)}, nil
}

func (l *Limiter) ensureScript(ctx context.Context) (string, error) {
	l.scriptMu.Lock()
	defer l.scriptMu.Unlock()
	if l.scriptSHA != "" {
		return l.scriptSHA, nil
	}
	sha, err := l.client.ScriptLoad(ctx, luaConsumeScript).Result()
	if err != nil {
		return "", err
	}
	l.scriptSHA = sha
	return sha, nil
}

// retryAfterMs reads the key's remaining TTL to report when the window
// resets. Best-effort: any Redis failure here just yields 0.
func (l *Limiter) retryAfterMs(ctx context.Context, key string) int {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	ttl, err := l.client.PTTL(ctx, l.cfg.KeyPrefix+key).Result()
	if err != nil || ttl <= 0 {
		return 0
	}
	return int(ttl.Milliseconds())
}

func isNoScriptError(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(err.Error(), "NOSCRIPT")
}
