package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/api"
	"github.com/ayo6706/p2p-settlement/internal/bankpattern"
	"github.com/ayo6706/p2p-settlement/internal/config"
	"github.com/ayo6706/p2p-settlement/internal/db"
	"github.com/ayo6706/p2p-settlement/internal/gateway"
	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"github.com/ayo6706/p2p-settlement/internal/settings"
	"github.com/ayo6706/p2p-settlement/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the settlement engine: HTTP surface, matcher, redistribution,
// expiry, callback and reconciliation workers. It blocks until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	shutdownTracing, err := observability.SetupTracing(cfg.TraceExporter)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	store := repository.NewStore(pool)

	// rdb stays a nil interface when Redis is not configured.
	var rdb redis.Cmdable
	if cfg.RedisURL != "" {
		client, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		rdb = client
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		return fmt.Errorf("init callback publisher: %w", err)
	}
	defer publisher.Close()

	cache := settings.NewCache(rdb, store.Queries(), cfg.SettingsCacheTTL)
	freezing := service.NewFreezingService(store, cache).
		WithTTL(cfg.TransactionTTL).
		WithRetries(cfg.RetryAttempts)
	matcher := service.NewMatcher(store, bankpattern.NewRegistry()).
		WithTolerance(cfg.MatchTolerance).
		WithLookback(cfg.MatchLookback).
		WithMaxAttempts(cfg.NotificationMaxAttempts)
	payouts := service.NewPayoutService(store)
	redistributor := service.NewRedistributor(store).
		WithBatch(cfg.RedistributionBatch).
		WithAcceptTimeout(cfg.PayoutAcceptTimeout)
	if rdb != nil {
		redistributor.WithLease(rdb, cfg.RedistributionLeaseTTL)
	}

	stops := []func(){
		worker.NewNotificationWorker(matcher).
			WithInterval(cfg.NotificationPollInterval).
			WithBatchSize(cfg.NotificationBatchSize).
			WithConcurrency(cfg.NotificationWorkers).
			Run(ctx),
		worker.NewRedistributionWorker(redistributor).
			WithInterval(cfg.RedistributionInterval).
			Run(ctx),
		worker.NewCallbackWorker(service.NewCallbackDispatcher(store, publisher)).
			WithInterval(cfg.CallbackPollInterval).
			WithBatchSize(cfg.CallbackBatchSize).
			Run(ctx),
		worker.NewReconciliationWorker(service.NewReconciliationService(store)).
			WithInterval(cfg.ReconciliationInterval).
			Run(ctx),
	}
	expiry := worker.NewExpiryScheduler(service.NewExpiryService(store), cfg.ExpirySchedule, cfg.ExpiryBatchSize)
	if err := expiry.Start(ctx); err != nil {
		cancel()
		for _, stop := range stops {
			stop()
		}
		return err
	}
	logger.Info("settlement workers started",
		zap.Duration("notification_interval", cfg.NotificationPollInterval),
		zap.Duration("redistribution_interval", cfg.RedistributionInterval),
		zap.String("expiry_schedule", cfg.ExpirySchedule),
		zap.String("callback_publisher", cfg.CallbackPublisher),
	)

	router := api.NewRouter(cfg, logger, store, rdb, api.Services{
		Freezing:      freezing,
		Matcher:       matcher,
		Payouts:       payouts,
		Redistributor: redistributor,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("stopping workers")
	cancel()
	for _, stop := range stops {
		stop()
	}
	select {
	case <-expiry.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("expiry sweep still running at shutdown deadline")
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("trace provider shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return runErr
}

func newPublisher(cfg *config.Config) (gateway.Publisher, error) {
	switch cfg.CallbackPublisher {
	case "amqp":
		return gateway.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
	case "kafka":
		return gateway.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return gateway.NewLogPublisher(), nil
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
