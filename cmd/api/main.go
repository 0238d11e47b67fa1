package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/storystack/tagflow/internal/api"
	"github.com/storystack/tagflow/internal/assets"
	"github.com/storystack/tagflow/internal/config"
	"github.com/storystack/tagflow/internal/queue"
	"github.com/storystack/tagflow/internal/ratelimit"
	"github.com/storystack/tagflow/internal/registry"
	"github.com/storystack/tagflow/internal/storage"
	"github.com/storystack/tagflow/internal/tagger"
	"github.com/storystack/tagflow/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "tagflow-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

	taggerClient, err := tagger.NewClient(tagger.Config{
		Endpoint:      cfg.Tagger.Endpoint,
		SigningSecret: cfg.Tagger.SigningSecret,
		Timeout:       cfg.Tagger.Timeout,
	})
	if err != nil {
		logger.Fatalf("tagger client setup failed: %v", err)
	}

	var assetStore assets.Store
	pgStore, err := assets.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Printf("postgres unavailable, using in-memory asset store err=%v", err)
		assetStore = assets.NewMemoryStore()
	} else {
		defer func() {
			if err := pgStore.Close(); err != nil {
				logger.Printf("asset store close error: %v", err)
			}
		}()
		assetStore = pgStore
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Printf("redis client close error: %v", err)
		}
	}()

	var registryStore registry.Store
	if redisStore, err := registry.NewRedisStore(redisClient, cfg.Registry.Key, cfg.Registry.TTL); err != nil {
		logger.Printf("registry store setup failed, tracking in memory only err=%v", err)
	} else {
		registryStore = redisStore
	}
	reg := registry.Open(ctx, logger, registryStore)

	rateLimiter, err := ratelimit.NewTokenBucket(
		redisClient,
		cfg.API.RateLimitCapacity,
		cfg.API.RateLimitWindow,
		"tagflow:ratelimit",
	)
	if err != nil {
		logger.Fatalf("rate limiter setup failed: %v", err)
	}

	opts := api.Options{
		PresignTTL:   cfg.API.PresignTTL,
		RateLimiter:  rateLimiter,
		UserIDHeader: cfg.API.UserIDHeader,
	}

	objectStore, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Printf("object storage unavailable, object_key submissions will fail err=%v", err)
	} else {
		opts.Storage = objectStore
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	app := api.NewServer(logger, taggerClient, assetStore, reg, queueClient, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
