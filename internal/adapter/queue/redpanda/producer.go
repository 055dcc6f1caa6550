// Package redpanda provides Redpanda/Kafka queue integration for the
// ingestion pipeline.
//
// It handles message publishing and consumption for product and image
// records. Delivery is at-least-once; downstream index writes are
// idempotent upserts keyed by record key, so redelivery is harmless.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/fairyhunter13/product-ingest/internal/domain"
	"github.com/fairyhunter13/product-ingest/internal/observability"
)

// PublishBackoff bounds the producer-local retry window. Publishing is
// retried within this window only; on exhaustion the caller gets a publish
// error and decides what to do with the record.
type PublishBackoff struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Producer wraps a Kafka producer and implements domain.Publisher.
type Producer struct {
	client   *kgo.Client
	validate *validator.Validate
	backoff  PublishBackoff
}

// NewProducer constructs a Producer and ensures the pipeline topics exist.
func NewProducer(brokers []string, partitions int32, bo PublishBackoff) (*Producer, error) {
	slog.Info("creating redpanda producer", slog.Any("brokers", brokers))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	tracer := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer()))
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(tracer.Hooks()...),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to create redpanda client", slog.Any("error", err))
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := EnsureTopics(ctx, client, partitions); err != nil {
		slog.Warn("failed to ensure topics", slog.Any("error", err))
	}

	return &Producer{
		client:   client,
		validate: validator.New(),
		backoff:  bo,
	}, nil
}

// Publish validates and publishes a record to its primary or retry topic.
// The record key is the Kafka message key, so all attempts of one record
// land on the same partition in order.
//
// Broker errors are retried locally within the configured backoff window;
// when the window is exhausted the returned error wraps domain.ErrPublish
// and the record has NOT been accepted by the broker.
func (p *Producer) Publish(ctx domain.Context, rec domain.Record, isRetry bool) error {
	if err := p.validateRecord(rec); err != nil {
		return err
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.Key, err)
	}

	topic := TopicFor(rec.Kind, isRetry)
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(rec.Key),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerKind, Value: []byte(rec.Kind)},
			{Key: headerAttempt, Value: []byte(fmt.Sprintf("%d", rec.Attempt))},
		},
	}

	if err := p.produce(ctx, record); err != nil {
		return fmt.Errorf("publish %s to %s: %w: %w", rec.Key, topic, domain.ErrPublish, err)
	}

	if isRetry {
		observability.RecordsRetriedTotal.WithLabelValues(string(rec.Kind)).Inc()
	} else {
		observability.RecordsProducedTotal.WithLabelValues(string(rec.Kind)).Inc()
	}
	slog.Debug("record published",
		slog.String("key", rec.Key),
		slog.String("topic", topic),
		slog.Int("attempt", rec.Attempt))
	return nil
}

// PublishDeadLetter moves a record to the dead-letter topic.
func (p *Producer) PublishDeadLetter(ctx domain.Context, entry domain.DeadLetterEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry %s: %w", entry.ID, err)
	}

	record := &kgo.Record{
		Topic: TopicDeadLetter,
		Key:   []byte(entry.Record.Key),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerKind, Value: []byte(entry.Record.Kind)},
			{Key: "reason", Value: []byte(entry.Reason)},
		},
	}

	if err := p.produce(ctx, record); err != nil {
		return fmt.Errorf("publish dead letter %s: %w: %w", entry.Record.Key, domain.ErrPublish, err)
	}

	observability.RecordsDeadLetteredTotal.WithLabelValues(string(entry.Record.Kind), entry.Reason).Inc()
	slog.Warn("record dead-lettered",
		slog.String("key", entry.Record.Key),
		slog.String("reason", entry.Reason),
		slog.Int("attempts_exhausted", entry.AttemptsExhausted))
	return nil
}

// produce synchronously produces one record, retrying broker errors within
// the bounded backoff window.
func (p *Producer) produce(ctx domain.Context, record *kgo.Record) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.backoff.InitialInterval
	bo.MaxInterval = p.backoff.MaxInterval
	bo.MaxElapsedTime = p.backoff.MaxElapsedTime

	return backoff.Retry(func() error {
		return p.client.ProduceSync(ctx, record).FirstErr()
	}, backoff.WithContext(bo, ctx))
}

// validateRecord rejects records that could never be processed, before they
// reach the broker.
func (p *Producer) validateRecord(rec domain.Record) error {
	if !rec.Kind.Valid() {
		return fmt.Errorf("record %s: unknown kind %q: %w", rec.Key, rec.Kind, domain.ErrValidation)
	}
	if err := p.validate.Struct(rec); err != nil {
		return fmt.Errorf("record %s: %w: %w", rec.Key, domain.ErrValidation, err)
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("record %s: payload is not valid JSON: %w", rec.Key, domain.ErrValidation)
	}
	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
