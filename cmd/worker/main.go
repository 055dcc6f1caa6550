// Package main provides the worker application entry point.
// The worker consumes product and image records from Redpanda, enriches
// them, and writes them to the search index; it also runs the retry
// scheduler and the dead-letter archiver.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fairyhunter13/product-ingest/internal/adapter/enrich/ollama"
	"github.com/fairyhunter13/product-ingest/internal/adapter/index/elastic"
	"github.com/fairyhunter13/product-ingest/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/product-ingest/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/product-ingest/internal/app"
	"github.com/fairyhunter13/product-ingest/internal/config"
	"github.com/fairyhunter13/product-ingest/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Dead-letter archive
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	dlqRepo := postgres.NewDLQRepo(pool)

	// Producer used for retry republish, dead-letter moves, and replay.
	maxElapsed, initial, maxInterval := cfg.GetPublishBackoffConfig()
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.TopicPartitions, redpanda.PublishBackoff{
		MaxElapsedTime:  maxElapsed,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
	})
	if err != nil {
		slog.Error("producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()

	enricher, err := ollama.NewClient(cfg.OllamaURL, cfg.OllamaModel)
	if err != nil {
		slog.Error("enricher init failed", slog.Any("error", err))
		os.Exit(1)
	}

	indexer, err := elastic.NewClient([]string{cfg.ElasticURL}, cfg.ElasticUsername, cfg.ElasticPassword, cfg.ProductIndex)
	if err != nil {
		slog.Error("indexer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// One breaker instance shared by every record the worker processes.
	breaker := observability.NewCircuitBreaker("enricher", observability.BreakerConfig{
		WindowSize:   cfg.BreakerWindowSize,
		FailureRatio: cfg.BreakerFailureRatio,
		MinSamples:   cfg.BreakerMinSamples,
		CoolDown:     cfg.BreakerCoolDown,
		MaxCoolDown:  cfg.BreakerMaxCoolDown,
	})

	processor := redpanda.NewProcessor(producer, enricher, indexer, breaker, cfg.GetRetryConfig())

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, redpanda.PrimaryTopics(), processor)
	if err != nil {
		slog.Error("consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	scheduler, err := redpanda.NewRetryScheduler(cfg.KafkaBrokers, cfg.RetryConsumerGroup, producer, cfg.GetRetryConfig())
	if err != nil {
		slog.Error("retry scheduler init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := scheduler.Close(); err != nil {
			slog.Error("failed to close retry scheduler", slog.Any("error", err))
		}
	}()

	dlqConsumer, err := redpanda.NewDLQConsumer(cfg.KafkaBrokers, cfg.DLQConsumerGroup, dlqRepo)
	if err != nil {
		slog.Error("DLQ consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := dlqConsumer.Close(); err != nil {
			slog.Error("failed to close DLQ consumer", slog.Any("error", err))
		}
	}()

	// Ops HTTP server: health, metrics, breaker state, DLQ inspection and
	// replay.
	opsServer := app.NewServer([]*observability.CircuitBreaker{breaker}, dlqRepo, producer)
	httpSrv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.OpsPort),
		Handler:      opsServer.Router(cfg.RateLimitPerMin),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	go func() {
		slog.Info("ops server listening", slog.Int("port", cfg.OpsPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()

	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("consumer stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("retry scheduler stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := dlqConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("DLQ consumer stopped", slog.Any("error", err))
		}
	}()

	slog.Info("worker started, waiting for shutdown signal")
	<-ctx.Done()

	slog.Info("signal received, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown error", slog.Any("error", err))
	}
	slog.Info("worker stopped")
}
