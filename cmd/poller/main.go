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

	"github.com/storystack/tagflow/internal/assets"
	"github.com/storystack/tagflow/internal/cache"
	"github.com/storystack/tagflow/internal/config"
	"github.com/storystack/tagflow/internal/notify"
	"github.com/storystack/tagflow/internal/poll"
	"github.com/storystack/tagflow/internal/poller"
	"github.com/storystack/tagflow/internal/registry"
	"github.com/storystack/tagflow/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[poller] ", log.LstdFlags|log.Lmsgprefix)

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "tagflow-poller",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
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
	if n := reg.Len(); n > 0 {
		logger.Printf("restored tracked batches from store count=%d", n)
	}

	var invalidator poll.Invalidator = cache.Noop{}
	if cfg.Invalidation.Endpoint != "" {
		webhookInvalidator, err := cache.NewWebhookInvalidator(cache.Config{
			Endpoint:      cfg.Invalidation.Endpoint,
			SigningSecret: cfg.Invalidation.SigningSecret,
		})
		if err != nil {
			logger.Fatalf("invalidator setup failed: %v", err)
		}
		invalidator = webhookInvalidator
	}

	hub := notify.NewHub()
	metrics := poll.NewMetrics()
	loop := poll.NewLoop(logger, reg, assetStore, hub, invalidator, poll.Config{
		Interval:   cfg.Poller.PollInterval,
		MaxBackoff: cfg.Poller.MaxBackoff,
	}, metrics)

	loop.Start(ctx)
	defer loop.Stop()
	logger.Printf(
		"poll loop started interval=%s max_backoff=%s sweep_interval=%s",
		cfg.Poller.PollInterval,
		cfg.Poller.MaxBackoff,
		cfg.Poller.SweepInterval,
	)

	srv := poller.NewServer(logger, cfg.Queue, cfg.Poller, loop, hub, metrics)
	go func() {
		if err := srv.Run(); err != nil {
			logger.Fatalf("sweep consumer failed: %v", err)
		}
	}()

	scheduler, err := poller.NewSweepScheduler(cfg.Queue, cfg.Poller.SweepInterval)
	if err != nil {
		logger.Fatalf("sweep scheduler setup failed: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatalf("sweep scheduler failed to start: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Poller.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.Poller.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Println("shutting down")
	scheduler.Shutdown()
	srv.Shutdown()
	loop.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
