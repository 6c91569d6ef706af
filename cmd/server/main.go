package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatchd/internal/api"
	"github.com/ignite/dispatchd/internal/artifact"
	"github.com/ignite/dispatchd/internal/config"
	"github.com/ignite/dispatchd/internal/dispatch"
	"github.com/ignite/dispatchd/internal/events"
	"github.com/ignite/dispatchd/internal/pkg/distlock"
	"github.com/ignite/dispatchd/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	// Postgres is the single source of truth; refuse to start without it.
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	log.Printf("Database connected, schema ensured")

	// Redis is optional: without it the API key cache and rate limiter
	// degrade to direct lookups and pass-through.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v — caching and rate limiting disabled", cfg.Redis.Addr, err)
			redisClient = nil
		} else {
			log.Printf("Redis connected: %s", cfg.Redis.Addr)
		}
		cancel()
	}

	mailer, err := dispatch.NewSESMailer(cfg.SES)
	if err != nil {
		log.Fatalf("Failed to initialize SES mailer: %v", err)
	}

	blobs, err := newBlobStore(ctx, cfg.Artifacts)
	if err != nil {
		log.Fatalf("Failed to initialize artifact storage: %v", err)
	}

	generator := artifact.NewGenerator(st, blobs, cfg.Converter, cfg.Artifacts.Prefix)
	tracking := dispatch.NewTrackingService(cfg.Tracking)
	orchestrator := dispatch.NewOrchestrator(st, generator, blobs, mailer,
		tracking, dispatch.NewNotifier(), cfg.SES)

	handlers := api.NewHandlers(st, orchestrator, generator, blobs, tracking,
		events.NewReconciler(st), events.NewVerifier(cfg.Webhook))

	server := api.NewServer(cfg.Server,
		handlers,
		api.NewAuthMiddleware(st, redisClient),
		api.NewRateLimiter(redisClient))

	// Background expiry sweep: active pending deliveries past their
	// deadline become terminal failed rows. The lock keeps a single
	// replica sweeping.
	expiryCtx, stopExpiry := context.WithCancel(ctx)
	sweepLock := distlock.NewLock(redisClient, st.DB(), "pending-expiry", cfg.Pending.ExpiryInterval())
	go runExpiryLoop(expiryCtx, st, sweepLock, cfg.Pending.ExpiryInterval())

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("Shutting down...")
	stopExpiry()

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
	log.Printf("Server stopped")
}

func newBlobStore(ctx context.Context, artCfg config.ArtifactsConfig) (artifact.BlobStore, error) {
	if artCfg.S3Bucket == "" {
		log.Printf("Warning: no artifact bucket configured, using in-memory blob store")
		return artifact.NewMemoryBlobStore(), nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(artCfg.S3Region)}
	if artCfg.AccessKey != "" && artCfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(artCfg.AccessKey, artCfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	log.Printf("Artifact storage: s3://%s/%s", artCfg.S3Bucket, artCfg.Prefix)
	return artifact.NewS3BlobStore(s3.NewFromConfig(awsCfg), artCfg.S3Bucket), nil
}

func runExpiryLoop(ctx context.Context, st *store.Store, lock distlock.DistLock, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acquired, err := lock.Acquire(ctx)
			if err != nil {
				log.Printf("Pending expiry lock failed: %v", err)
				continue
			}
			if !acquired {
				continue
			}
			n, err := st.ExpirePending(ctx)
			if err != nil {
				log.Printf("Pending expiry sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Expired %d pending deliveries", n)
			}
			if err := lock.Release(ctx); err != nil {
				log.Printf("Pending expiry lock release failed: %v", err)
			}
		}
	}
}
