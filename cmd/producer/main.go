// Package main provides the producer application entry point.
// It reads a product catalog file and publishes product and image records
// onto the ingestion topics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/product-ingest/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/product-ingest/internal/config"
	"github.com/fairyhunter13/product-ingest/internal/domain"
	"github.com/fairyhunter13/product-ingest/internal/observability"
)

// catalogEntry is one line of the input catalog: a product plus an
// optional local image to embed.
type catalogEntry struct {
	domain.ProductPayload
	ImagePath string `json:"image_path,omitempty"`
}

func main() {
	file := flag.String("file", "", "path to the product catalog JSON file (array of products)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	if *file == "" {
		slog.Error("missing -file argument")
		flag.Usage()
		os.Exit(2)
	}

	entries, err := loadCatalog(*file)
	if err != nil {
		slog.Error("catalog load failed", slog.String("file", *file), slog.Any("error", err))
		os.Exit(1)
	}

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

	batchID := uuid.New().String()
	slog.Info("publishing catalog",
		slog.String("batch_id", batchID),
		slog.String("file", *file),
		slog.Int("products", len(entries)))

	ctx := context.Background()
	published, failed := 0, 0
	for _, entry := range entries {
		if err := publishEntry(ctx, producer, entry); err != nil {
			failed++
			slog.Error("publish failed",
				slog.String("batch_id", batchID),
				slog.String("id", entry.ID),
				slog.Any("error", err))
			if errors.Is(err, domain.ErrPublish) {
				// Broker-side failure after local retries: later entries
				// will hit the same wall, stop instead of spamming.
				break
			}
			continue
		}
		published++
	}

	slog.Info("catalog publish finished",
		slog.String("batch_id", batchID),
		slog.Int("published", published),
		slog.Int("failed", failed))
	if failed > 0 {
		os.Exit(1)
	}
}

func publishEntry(ctx context.Context, producer *redpanda.Producer, entry catalogEntry) error {
	payload, err := json.Marshal(entry.ProductPayload)
	if err != nil {
		return fmt.Errorf("marshal product %s: %w", entry.ID, err)
	}
	now := time.Now().UTC()
	rec := domain.Record{
		Key:         entry.ID,
		Kind:        domain.KindProduct,
		Payload:     payload,
		FirstSeenAt: now,
		EnqueuedAt:  now,
	}
	if err := producer.Publish(ctx, rec, false); err != nil {
		return err
	}

	if entry.ImagePath == "" {
		return nil
	}
	imgPayload, err := json.Marshal(domain.ImagePayload{
		ProductID: entry.ID,
		ImagePath: entry.ImagePath,
	})
	if err != nil {
		return fmt.Errorf("marshal image payload %s: %w", entry.ID, err)
	}
	imgRec := domain.Record{
		Key:         entry.ID,
		Kind:        domain.KindProductImage,
		Payload:     imgPayload,
		FirstSeenAt: now,
		EnqueuedAt:  now,
	}
	return producer.Publish(ctx, imgRec, false)
}

func loadCatalog(path string) ([]catalogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return entries, nil
}
