// Package main provides the image generation job entry point.
// It drives one partition of the product catalog through the checkpointed
// runner, generating an image per product with resumable progress.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	checkpointfile "github.com/fairyhunter13/product-ingest/internal/adapter/checkpoint/file"
	"github.com/fairyhunter13/product-ingest/internal/adapter/checkpoint/redisstore"
	"github.com/fairyhunter13/product-ingest/internal/adapter/imagegen/openai"
	"github.com/fairyhunter13/product-ingest/internal/config"
	"github.com/fairyhunter13/product-ingest/internal/domain"
	"github.com/fairyhunter13/product-ingest/internal/observability"
	"github.com/fairyhunter13/product-ingest/internal/runner"
)

func main() {
	partition := flag.String("partition", "", "partition id this process owns")
	itemsFile := flag.String("items", "", "path to the partition's work items JSON file")
	flag.Parse()

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

	if *partition == "" || *itemsFile == "" {
		slog.Error("missing -partition or -items argument")
		flag.Usage()
		os.Exit(2)
	}

	items, err := loadItems(*itemsFile)
	if err != nil {
		slog.Error("items load failed", slog.String("file", *itemsFile), slog.Any("error", err))
		os.Exit(1)
	}

	// The lock file enforces the single-owner precondition: one process per
	// partition, regardless of which checkpoint backend is in use.
	fileStore, err := checkpointfile.NewStore(cfg.CheckpointDir)
	if err != nil {
		slog.Error("checkpoint store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	release, err := fileStore.AcquireLock(*partition)
	if err != nil {
		slog.Error("partition lock denied", slog.Any("error", err))
		os.Exit(1)
	}
	defer release()

	var store domain.CheckpointStore = fileStore
	if cfg.CheckpointBackend == "redis" {
		redisStore, err := redisstore.NewStore(cfg.RedisAddr)
		if err != nil {
			slog.Error("redis checkpoint store init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = redisStore.Close() }()
		store = redisStore
	}

	gen, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ImageModel, cfg.ImageSize, cfg.ImageDir)
	if err != nil {
		slog.Error("image generator init failed", slog.Any("error", err))
		os.Exit(1)
	}

	rcfg := cfg.GetRunnerConfig()
	r := runner.New(*partition, gen, store, runner.Config{
		BaseDelay:         rcfg.BaseDelay,
		MaxDelay:          rcfg.MaxDelay,
		TerminalThreshold: rcfg.TerminalThreshold,
		ItemPacing:        rcfg.ItemPacing,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := r.Run(ctx, items); err != nil {
		slog.Error("partition run interrupted, rerun to resume",
			slog.String("partition", *partition),
			slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("partition run finished", slog.String("partition", *partition))
}

func loadItems(path string) ([]domain.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []domain.WorkItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode work items: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no work items in %s", path)
	}
	for i, item := range items {
		if item.Key == "" {
			return nil, fmt.Errorf("work item %d has no key", i)
		}
	}
	return items, nil
}
