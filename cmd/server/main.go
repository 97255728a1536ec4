package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/revback/core/internal/alerts"
	"github.com/revback/core/internal/config"
	"github.com/revback/core/internal/credentials"
	"github.com/revback/core/internal/detection"
	"github.com/revback/core/internal/detector"
	"github.com/revback/core/internal/entitlement"
	"github.com/revback/core/internal/gateway"
	"github.com/revback/core/internal/identity"
	"github.com/revback/core/internal/ingestion"
	"github.com/revback/core/internal/normalizer"
	"github.com/revback/core/internal/queue"
	"github.com/revback/core/pkg/breaker"
	"github.com/revback/core/pkg/cache"
	"github.com/revback/core/pkg/database"
	"github.com/revback/core/pkg/events"
	"github.com/revback/core/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger at the configured level
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting RevBack core")

	// Initialize database
	db, err := database.NewDatabase(database.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	// Initialize Redis
	redisCache, err := cache.NewCache(cache.Config{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Initialize credential service
	credentialService, err := credentials.NewService(db, cfg.Security.CredentialEncryptionKey, cfg.Security.CredentialEncryptionKeyPrev, logger)
	if err != nil {
		logger.Fatal("failed to initialize credential service", zap.Error(err))
	}

	// Core components: normalizers, identity, entitlements, detection
	normalizers := normalizer.NewRegistry()
	resolver := identity.NewResolver(db, logger)
	reducer := entitlement.NewReducer(db, logger)
	detectors := detector.NewRegistry(db, logger)
	engine := detection.NewEngine(detectors, db, eventBus, logger)
	logger.Info("initialized detection engine", zap.Int("detectors", len(detectors.All())))

	// Queues
	webhookQueue := queue.NewQueue("webhook-processing", redisCache, logger)
	scanQueue := queue.NewQueue("scheduled-scans", redisCache, logger)
	deliveryQueue := queue.NewQueue("webhook-delivery", redisCache, logger)
	retentionQueue := queue.NewQueue("data-retention", redisCache, logger)

	// Ingestion pipeline (ingress + worker halves)
	pipeline := ingestion.NewPipeline(db, normalizers, credentialService, webhookQueue, eventBus, logger)
	processor := ingestion.NewProcessor(db, normalizers, resolver, reducer, engine, eventBus, logger)

	// Alert dispatcher: breakers per customer endpoint, email via SendGrid,
	// webhook deliveries retried through the delivery queue.
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), logger)
	breakers.SetOnStateChange(func(name string, from, to breaker.State) {
		states := map[breaker.State]float64{breaker.StateClosed: 0, breaker.StateHalfOpen: 1, breaker.StateOpen: 2}
		metrics.SetCircuitState(name, states[to])
	})

	emailSender := alerts.NewEmailSender(cfg.Alerts.SendGridAPIKey, cfg.Alerts.EmailFrom, cfg.Alerts.EmailFromName, logger)
	slackSender := alerts.NewSlackSender(logger)
	webhookSender := alerts.NewWebhookSender(breakers, logger)
	dispatcher := alerts.NewDispatcher(db, deliveryQueue, emailSender, slackSender, webhookSender, logger)
	dispatcher.Subscribe(eventBus)
	logger.Info("initialized alert dispatcher")

	// Scheduler: reconcile the repeatable registry, then start cron
	scheduler := queue.NewScheduler(scanQueue, retentionQueue, db, redisCache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Workers
	webhookWorker := queue.NewWorker(webhookQueue, processor.Process, logger)
	webhookWorker.OnDeadLetter(processor.HandleDeadLetter)
	webhookWorker.Start(ctx)

	scanWorker := queue.NewWorker(scanQueue, engine.HandleScanJob, logger)
	scanWorker.Start(ctx)

	deliveryWorker := queue.NewWorker(deliveryQueue, dispatcher.DeliverWebhook, logger)
	deliveryWorker.Start(ctx)

	retentionWorker := queue.NewWorker(retentionQueue, processor.PurgeOldLogs, logger)
	retentionWorker.Start(ctx)

	if cfg.Scans.Enabled {
		var scanDetectorIDs []string
		for _, d := range detectors.WithScheduledScan() {
			scanDetectorIDs = append(scanDetectorIDs, d.ID())
		}
		if err := scheduler.Reconcile(ctx, queue.DefaultSchedule(scanDetectorIDs)); err != nil {
			logger.Fatal("failed to reconcile schedule", zap.Error(err))
		}
		scheduler.Start()
		logger.Info("started scheduled scans", zap.Int("detectors", len(scanDetectorIDs)))
	} else {
		logger.Warn("scheduled scans disabled via configuration")
	}

	// API gateway
	gw := gateway.NewGateway(db, redisCache, logger, pipeline, detectors, scheduler, credentialService, eventBus, cfg.Security.JWTSecret)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	// Graceful shutdown: stop accepting HTTP, stop the cron, drain workers,
	// then close storage via the deferred handles.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	if cfg.Scans.Enabled {
		<-scheduler.Stop().Done()
	}

	drain := 20 * time.Second
	webhookWorker.Close(drain)
	scanWorker.Close(drain)
	deliveryWorker.Close(drain)
	retentionWorker.Close(drain)

	logger.Info("server exited")
}

// buildLogger maps LOG_LEVEL onto a production zap logger. The accepted
// fatal-to-trace range collapses onto zap's levels: trace logs as debug.
func buildLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()

	switch level {
	case "trace", "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case "fatal":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.FatalLevel)
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL %q", level)
	}

	return zapCfg.Build()
}
