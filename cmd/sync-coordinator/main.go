package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/sync-coordinator/internal/api"
	"github.com/Checker-Finance/sync-coordinator/internal/coordinator"
	"github.com/Checker-Finance/sync-coordinator/internal/events"
	"github.com/Checker-Finance/sync-coordinator/internal/health"
	"github.com/Checker-Finance/sync-coordinator/internal/integration"
	"github.com/Checker-Finance/sync-coordinator/internal/jobs"
	"github.com/Checker-Finance/sync-coordinator/internal/notify"
	"github.com/Checker-Finance/sync-coordinator/internal/platform"
	"github.com/Checker-Finance/sync-coordinator/internal/publisher"
	"github.com/Checker-Finance/sync-coordinator/internal/rabbitmq"
	"github.com/Checker-Finance/sync-coordinator/internal/rate"
	internalsecrets "github.com/Checker-Finance/sync-coordinator/internal/secrets"
	"github.com/Checker-Finance/sync-coordinator/internal/store"
	"github.com/Checker-Finance/sync-coordinator/internal/stream"
	"github.com/Checker-Finance/sync-coordinator/pkg/config"
	"github.com/Checker-Finance/sync-coordinator/pkg/logger"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
	"github.com/Checker-Finance/sync-coordinator/pkg/secrets"
	"github.com/Checker-Finance/sync-coordinator/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [sync-coordinator]...")
	logg.Infow("platform endpoints",
		"portal", utils.MaskURL(cfg.Portal.BaseURL),
		"trading", utils.MaskURL(cfg.Trading.BaseURL),
		"support", utils.MaskURL(cfg.Support.BaseURL))

	// --- AWS Secrets Manager provider (optional) ---
	var provider secrets.Provider
	if cfg.AWSSecretsEnabled {
		p, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		provider = p
	}

	// --- Per-platform config resolver (secrets cached in-memory) ---
	configCache := secrets.NewCache[internalsecrets.PlatformConfig](cfg.CacheTTL)
	go configCache.StartCleaner(ctx, cfg.CleanupFreq)

	resolver := internalsecrets.NewResolver(
		logger.Component("secrets"),
		cfg.Env,
		cfg.ServiceName,
		provider,
		configCache,
		func(p model.Platform) internalsecrets.PlatformConfig {
			ep := cfg.Endpoint(string(p))
			return internalsecrets.PlatformConfig{
				BaseURL:       ep.BaseURL,
				APIKey:        ep.APIKey,
				WebhookSecret: ep.WebhookSecret,
			}
		},
	)

	// --- Rate limiter + platform clients ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.PlatformRPS,
		Burst:             cfg.PlatformBurst,
	}, nil)
	clients := platform.NewSet(logger.Component("platform"), rateMgr, cfg.PlatformTimeout, cfg.PlatformRetryMax, resolver)

	bus := notify.New(logger.Component("notify"))

	// --- Store (Redis) ---
	st, err := store.New(ctx, store.Options{
		Addr:      cfg.RedisAddr,
		DB:        cfg.RedisDB,
		Password:  cfg.RedisPass,
		DedupeTTL: cfg.EventDedupeTTL,
	}, logger.Component("store"))
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}

	// --- Connect to NATS ---
	logg.Infow("connecting to NATS", "url", utils.MaskURL(cfg.NATSURL))
	nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
	if err != nil {
		logg.Fatalw("failed to connect to NATS", "error", err)
	}

	// --- Publisher ---
	pub, err := publisher.New(nc, cfg.NATSSubjectNS, cfg.ServiceName, logger.Component("publisher"))
	if err != nil {
		logg.Fatalw("failed to init publisher", "error", err)
	}
	if err := pub.EnsureStream(cfg.NATSStream); err != nil {
		logg.Warnw("failed to ensure JetStream stream", "stream", cfg.NATSStream, "error", err)
	}

	// --- Core components ---
	coord := coordinator.New(logger.Component("coordinator"), clients, bus).
		WithResultCache(st, cfg.SyncIdempotencyTTL)

	flows := integration.NewFlowCounter()
	router := events.NewRouter(logger.Component("router"), clients, bus).
		WithDeduper(st).
		WithFlowRecorder(flows)

	monitor := health.NewMonitor(logger.Component("health"), clients, bus, health.Thresholds{
		Latency:   cfg.DegradedLatency,
		ErrorRate: cfg.DegradedErrorRate,
	}).WithSnapshotStore(st)

	aggregator := integration.NewAggregator(logger.Component("integration"), clients, monitor, flows).
		WithQueue(st)

	// --- Live health stream ---
	hub := stream.NewHub(logger.Component("stream"), func() (notify.HealthCheckedPayload, bool) {
		snap, ok := monitor.Latest()
		if !ok {
			return notify.HealthCheckedPayload{}, false
		}
		return notify.HealthCheckedPayload{Overall: snap.Overall(), Services: snap.Ordered()}, true
	})

	// --- Scheduler ---
	scheduler := jobs.New(logger.Component("jobs"), jobs.Options{
		FlushInterval:  cfg.SyncFlushInterval,
		HealthInterval: cfg.HealthCheckInterval,
		FlushBatch:     cfg.SyncFlushBatch,
		MaxAttempts:    cfg.SyncMaxAttempts,
	}, coord, st, monitor, bus).WithSubscribers(pub, hub)
	if err := scheduler.Start(ctx); err != nil {
		logg.Fatalw("failed to start scheduler", "error", err)
	}

	// --- Inbound events over RabbitMQ (optional) ---
	var consumer *rabbitmq.Consumer
	if cfg.RabbitMQURL != "" {
		logg.Infow("connecting to RabbitMQ", "url", utils.MaskURL(cfg.RabbitMQURL), "queue", cfg.RabbitMQQueue)
		consumer, err = rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.RabbitMQQueue, router, logger.Component("rabbitmq"))
		if err != nil {
			logg.Fatalw("failed to init RabbitMQ consumer", "error", err)
		}
		if err := consumer.Start(ctx); err != nil {
			logg.Fatalw("failed to start RabbitMQ consumer", "error", err)
		}
	}

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})

	syncHandler := api.NewSyncHandler(logger.Component("api"), coord, router, st, cfg.BulkConcurrency, cfg.BulkMaxUsers)
	healthHandler := api.NewHealthHandler(monitor, aggregator, map[string]api.Checker{
		"redis": st,
		"nats":  api.CheckerFunc(func(context.Context) error { return pub.HealthCheck() }),
	})
	webhookHandler := api.NewWebhookHandler(logger.Component("webhook"), router, resolver)

	api.RegisterRoutes(app, syncHandler, healthHandler, webhookHandler)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	// --- Ops server (websocket health stream) ---
	mux := http.NewServeMux()
	mux.Handle("/ws/health", hub)
	ops := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logg.Infof("ops server listening on :%d", cfg.OpsPort)
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatalw("ops.listen_failed", "error", err)
		}
	}()

	logg.Infow("[sync-coordinator] running",
		"env", cfg.Env,
		"flush_interval", cfg.SyncFlushInterval,
		"health_interval", cfg.HealthCheckInterval,
		"rabbitmq", consumer != nil)

	<-ctx.Done()
	logg.Info("shutting down [sync-coordinator]...")

	scheduler.Stop()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logg.Warnw("rabbitmq.close_failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	hub.Close()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logg.Warnw("ops.shutdown_failed", "error", err)
	}
	pub.Close()
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
}
