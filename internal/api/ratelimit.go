package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatchd/internal/pkg/httputil"
	"github.com/ignite/dispatchd/internal/pkg/logger"
)

// Per-application dispatch limit. Generous; the limiter exists to
// stop a runaway caller from draining the SES quota, not to meter
// normal traffic.
const dispatchPerMinute = 600

// Atomic check-then-increment. Checking with GET before INCR in Go
// would race between concurrent requests.
const rateLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local new = redis.call("INCR", key)
if new == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, new}
`

// RateLimiter applies a per-application request budget to dispatch
// calls, backed by a Redis Lua script. Without Redis the limiter is a
// pass-through.
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	limit  int
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitLuaScript),
		limit:  dispatchPerMinute,
	}
}

// Allow reports whether the application may dispatch another message
// this minute. Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, appID string) bool {
	if rl.redis == nil {
		return true
	}

	key := fmt.Sprintf("ratelimit:dispatch:%s", appID)
	result, err := rl.script.Run(ctx, rl.redis, []string{key}, rl.limit, 60).Result()
	if err != nil {
		logger.Warn("rate limit check failed, allowing", "error", err)
		return true
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 1 {
		return true
	}
	allowed, _ := values[0].(int64)
	return allowed == 1
}

// Handler wraps next with the dispatch rate limit. Must sit behind the
// auth middleware.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app := appFromContext(r.Context())
		if app != nil && !rl.Allow(r.Context(), app.ID.String()) {
			httputil.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
