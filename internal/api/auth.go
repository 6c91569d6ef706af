package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatchd/internal/pkg/httputil"
	"github.com/ignite/dispatchd/internal/pkg/logger"
	"github.com/ignite/dispatchd/internal/store"
)

type contextKey string

const appContextKey contextKey = "application"

const apiKeyCacheTTL = 60 * time.Second

// AppResolver resolves API keys to applications.
type AppResolver interface {
	GetApplicationByAPIKey(ctx context.Context, apiKey string) (*store.Application, error)
}

// AuthMiddleware authenticates requests by the X-API-Key header.
// Resolved applications are cached in Redis keyed by a hash of the key
// so the hot path skips Postgres; the raw key never reaches Redis.
type AuthMiddleware struct {
	resolver AppResolver
	redis    *redis.Client
}

func NewAuthMiddleware(resolver AppResolver, redisClient *redis.Client) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver, redis: redisClient}
}

// Handler wraps next with API key authentication.
func (a *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			httputil.Unauthorized(w, "missing API key")
			return
		}

		app, err := a.resolve(r.Context(), apiKey)
		if err == store.ErrNotFound {
			httputil.Unauthorized(w, "invalid API key")
			return
		}
		if err != nil {
			httputil.InternalError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), appContextKey, app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthMiddleware) resolve(ctx context.Context, apiKey string) (*store.Application, error) {
	cacheKey := a.cacheKey(apiKey)

	if a.redis != nil {
		if cached, err := a.redis.Get(ctx, cacheKey).Result(); err == nil {
			var app store.Application
			if json.Unmarshal([]byte(cached), &app) == nil {
				return &app, nil
			}
		}
	}

	app, err := a.resolver.GetApplicationByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	if a.redis != nil {
		if data, err := json.Marshal(app); err == nil {
			if err := a.redis.Set(ctx, cacheKey, data, apiKeyCacheTTL).Err(); err != nil {
				logger.Debug("api key cache write failed", "error", err)
			}
		}
	}
	return app, nil
}

func (a *AuthMiddleware) cacheKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "apikey:" + hex.EncodeToString(sum[:])
}

// appFromContext returns the authenticated application. Only valid
// behind the auth middleware.
func appFromContext(ctx context.Context) *store.Application {
	app, _ := ctx.Value(appContextKey).(*store.Application)
	return app
}
