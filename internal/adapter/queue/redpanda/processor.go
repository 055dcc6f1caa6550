package redpanda

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/product-ingest/internal/domain"
	"github.com/fairyhunter13/product-ingest/internal/observability"
)

// Dead-letter reasons.
const (
	ReasonValidation        = "validation"
	ReasonAttemptsExhausted = "attempts_exhausted"
)

// Breaker guards the enrichment dependency.
type Breaker interface {
	Execute(ctx domain.Context, op func(domain.Context) error) error
}

// Processor applies the terminal-action state machine to one record:
// index it, reschedule it, or dead-letter it. Exactly one of those must
// succeed before the consumer may commit the record's offset.
type Processor struct {
	publisher domain.Publisher
	enricher  domain.Enricher
	indexer   domain.Indexer
	breaker   Breaker
	retry     domain.RetryConfig

	now func() time.Time
}

// NewProcessor constructs a Processor.
func NewProcessor(publisher domain.Publisher, enricher domain.Enricher, indexer domain.Indexer, breaker Breaker, retry domain.RetryConfig) *Processor {
	return &Processor{
		publisher: publisher,
		enricher:  enricher,
		indexer:   indexer,
		breaker:   breaker,
		retry:     retry,
		now:       time.Now,
	}
}

// Process handles one record to a terminal action. A nil return means a
// terminal action succeeded and the record's offset may be committed:
// the record was indexed, republished for retry, or dead-lettered. A
// non-nil return means no durable outcome exists yet and the record must
// be redelivered.
func (p *Processor) Process(ctx domain.Context, rec domain.Record) error {
	if err := p.validatePayload(rec); err != nil {
		// Malformed records can never succeed; one DLQ entry, no retry.
		return p.deadLetter(ctx, rec, ReasonValidation, err)
	}

	err := p.handle(ctx, rec)
	if err == nil {
		observability.RecordsIndexedTotal.WithLabelValues(string(rec.Kind)).Inc()
		return nil
	}

	if errors.Is(err, domain.ErrCircuitOpen) {
		// Breaker rejections do not consume the retry budget: the record
		// was never actually tried against the dependency.
		slog.Info("circuit open, rescheduling record",
			slog.String("key", rec.Key),
			slog.Int("attempt", rec.Attempt))
		return p.reschedule(ctx, rec, rec.Attempt, err)
	}

	if errors.Is(err, domain.ErrValidation) {
		// The dependency rejected the record's content; replaying the same
		// bytes can never succeed, so no retry budget is spent on them.
		return p.deadLetter(ctx, rec, ReasonValidation, err)
	}

	nextAttempt := rec.Attempt + 1
	if p.retry.Exhausted(nextAttempt) {
		return p.deadLetter(ctx, rec, ReasonAttemptsExhausted, err)
	}
	slog.Warn("record processing failed, rescheduling",
		slog.String("key", rec.Key),
		slog.Int("attempt", nextAttempt),
		slog.Any("error", err))
	return p.reschedule(ctx, rec, nextAttempt, err)
}

// handle enriches and upserts one record. Enrichment calls go through the
// circuit breaker; index writes do not, they have their own retry path via
// the returned error.
func (p *Processor) handle(ctx domain.Context, rec domain.Record) error {
	switch rec.Kind {
	case domain.KindProduct:
		var payload domain.ProductPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal product payload: %w: %w", domain.ErrValidation, err)
		}

		var embedding []float32
		err := p.breaker.Execute(ctx, func(ctx domain.Context) error {
			start := time.Now()
			var embedErr error
			embedding, embedErr = p.enricher.EmbedText(ctx, embeddingText(payload))
			observability.EnrichDuration.WithLabelValues("embed_text").Observe(time.Since(start).Seconds())
			return embedErr
		})
		if err != nil {
			return err
		}
		return p.indexer.UpsertProduct(ctx, domain.ProductDocument{
			ProductPayload: payload,
			TextEmbedding:  embedding,
		})

	case domain.KindProductImage:
		var payload domain.ImagePayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal image payload: %w: %w", domain.ErrValidation, err)
		}

		var embedding []float32
		err := p.breaker.Execute(ctx, func(ctx domain.Context) error {
			start := time.Now()
			var embedErr error
			embedding, embedErr = p.enricher.EmbedImage(ctx, payload.ImagePath)
			observability.EnrichDuration.WithLabelValues("embed_image").Observe(time.Since(start).Seconds())
			return embedErr
		})
		if err != nil {
			return err
		}
		return p.indexer.UpsertImageEmbedding(ctx, payload.ProductID, embedding)

	default:
		return fmt.Errorf("unknown record kind %q: %w", rec.Kind, domain.ErrValidation)
	}
}

// reschedule republishes the record onto its retry topic with the given
// attempt counter and a fresh enqueue timestamp.
func (p *Processor) reschedule(ctx domain.Context, rec domain.Record, attempt int, cause error) error {
	rec.Attempt = attempt
	rec.EnqueuedAt = p.now().UTC()
	rec.LastError = cause.Error()
	if err := p.publisher.Publish(ctx, rec, true); err != nil {
		return fmt.Errorf("reschedule %s: %w", rec.Key, err)
	}
	return nil
}

// deadLetter converts the record into exactly one dead-letter entry.
func (p *Processor) deadLetter(ctx domain.Context, rec domain.Record, reason string, cause error) error {
	attempts := rec.Attempt
	if reason == ReasonAttemptsExhausted {
		attempts = rec.Attempt + 1
	}
	rec.LastError = cause.Error()
	entry := domain.DeadLetterEntry{
		ID:                ulid.Make().String(),
		Record:            rec,
		Reason:            reason,
		AttemptsExhausted: attempts,
		MovedAt:           p.now().UTC(),
	}
	if err := p.publisher.PublishDeadLetter(ctx, entry); err != nil {
		return fmt.Errorf("dead letter %s: %w", rec.Key, err)
	}
	return nil
}

// validatePayload checks structural validity before any downstream work.
func (p *Processor) validatePayload(rec domain.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("empty record key: %w", domain.ErrValidation)
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("unknown kind %q: %w", rec.Kind, domain.ErrValidation)
	}
	if len(rec.Payload) == 0 || !json.Valid(rec.Payload) {
		return fmt.Errorf("record %s: payload is not valid JSON: %w", rec.Key, domain.ErrValidation)
	}
	switch rec.Kind {
	case domain.KindProduct:
		var payload domain.ProductPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return fmt.Errorf("record %s: %w: %w", rec.Key, domain.ErrValidation, err)
		}
		if payload.ID == "" {
			return fmt.Errorf("record %s: product id missing: %w", rec.Key, domain.ErrValidation)
		}
	case domain.KindProductImage:
		var payload domain.ImagePayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return fmt.Errorf("record %s: %w: %w", rec.Key, domain.ErrValidation, err)
		}
		if payload.ProductID == "" || payload.ImagePath == "" {
			return fmt.Errorf("record %s: image payload incomplete: %w", rec.Key, domain.ErrValidation)
		}
	}
	return nil
}

// embeddingText flattens a product into the text fed to the embedding
// model. Field order is stable so re-enrichment of the same product yields
// the same input.
func embeddingText(p domain.ProductPayload) string {
	parts := []string{p.Name, p.Description, p.Category, p.Subcategory, p.Brand}
	fields := parts[:0]
	for _, s := range parts {
		if s != "" {
			fields = append(fields, s)
		}
	}
	return strings.Join(fields, " ")
}
