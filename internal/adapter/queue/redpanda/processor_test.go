package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

type fakePublisher struct {
	published   []domain.Record
	retried     []domain.Record
	deadLetters []domain.DeadLetterEntry
	publishErr  error
	dlqErr      error
}

func (f *fakePublisher) Publish(_ domain.Context, rec domain.Record, isRetry bool) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	if isRetry {
		f.retried = append(f.retried, rec)
	} else {
		f.published = append(f.published, rec)
	}
	return nil
}

func (f *fakePublisher) PublishDeadLetter(_ domain.Context, entry domain.DeadLetterEntry) error {
	if f.dlqErr != nil {
		return f.dlqErr
	}
	f.deadLetters = append(f.deadLetters, entry)
	return nil
}

type fakeEnricher struct {
	textCalls  int
	imageCalls int
	// errs are consumed one per call; nil means success.
	errs []error
}

func (f *fakeEnricher) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeEnricher) EmbedText(_ domain.Context, _ string) ([]float32, error) {
	f.textCalls++
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return []float32{0.1, 0.2}, nil
}

func (f *fakeEnricher) EmbedImage(_ domain.Context, _ string) ([]float32, error) {
	f.imageCalls++
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return []float32{0.3, 0.4}, nil
}

type fakeIndexer struct {
	products   []domain.ProductDocument
	embeddings map[string][]float32
	err        error
}

func (f *fakeIndexer) UpsertProduct(_ domain.Context, doc domain.ProductDocument) error {
	if f.err != nil {
		return f.err
	}
	f.products = append(f.products, doc)
	return nil
}

func (f *fakeIndexer) UpsertImageEmbedding(_ domain.Context, productID string, embedding []float32) error {
	if f.err != nil {
		return f.err
	}
	if f.embeddings == nil {
		f.embeddings = make(map[string][]float32)
	}
	f.embeddings[productID] = embedding
	return nil
}

// passBreaker invokes the op directly; openBreaker rejects every call.
type passBreaker struct{}

func (passBreaker) Execute(ctx domain.Context, op func(domain.Context) error) error {
	return op(ctx)
}

type openBreaker struct{}

func (openBreaker) Execute(domain.Context, func(domain.Context) error) error {
	return fmt.Errorf("enricher: %w", domain.ErrCircuitOpen)
}

func productRecord(t *testing.T, id string, attempt int) domain.Record {
	t.Helper()
	payload, err := json.Marshal(domain.ProductPayload{
		ID:   id,
		Name: "Trail Runner",
	})
	require.NoError(t, err)
	return domain.Record{
		Key:        id,
		Kind:       domain.KindProduct,
		Payload:    payload,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}
}

func newTestProcessor(pub *fakePublisher, enr *fakeEnricher, idx *fakeIndexer, br Breaker) *Processor {
	return NewProcessor(pub, enr, idx, br, domain.RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Minute,
	})
}

func TestProcessIndexesValidProduct(t *testing.T) {
	pub := &fakePublisher{}
	enr := &fakeEnricher{}
	idx := &fakeIndexer{}
	p := newTestProcessor(pub, enr, idx, passBreaker{})

	err := p.Process(context.Background(), productRecord(t, "PROD-000001", 0))
	require.NoError(t, err)

	require.Len(t, idx.products, 1)
	assert.Equal(t, "PROD-000001", idx.products[0].ID)
	assert.Equal(t, []float32{0.1, 0.2}, idx.products[0].TextEmbedding)
	assert.Empty(t, pub.retried)
	assert.Empty(t, pub.deadLetters)
}

func TestProcessIndexesImageEmbedding(t *testing.T) {
	pub := &fakePublisher{}
	enr := &fakeEnricher{}
	idx := &fakeIndexer{}
	p := newTestProcessor(pub, enr, idx, passBreaker{})

	payload, err := json.Marshal(domain.ImagePayload{ProductID: "PROD-000002", ImagePath: "/images/PROD-000002.png"})
	require.NoError(t, err)
	rec := domain.Record{Key: "PROD-000002", Kind: domain.KindProductImage, Payload: payload}

	require.NoError(t, p.Process(context.Background(), rec))
	assert.Equal(t, []float32{0.3, 0.4}, idx.embeddings["PROD-000002"])
	assert.Equal(t, 1, enr.imageCalls)
}

func TestProcessSucceedsOnThirdAttempt(t *testing.T) {
	// A record fails transiently twice, each failure rescheduling it with
	// an incremented attempt, and is indexed exactly once on the third try.
	pub := &fakePublisher{}
	enr := &fakeEnricher{errs: []error{
		fmt.Errorf("embed: %w", domain.ErrTransientDependency),
		fmt.Errorf("embed: %w", domain.ErrTransientDependency),
		nil,
	}}
	idx := &fakeIndexer{}
	p := newTestProcessor(pub, enr, idx, passBreaker{})
	ctx := context.Background()

	rec := productRecord(t, "PROD-000123", 0)
	require.NoError(t, p.Process(ctx, rec))
	require.Len(t, pub.retried, 1)
	assert.Equal(t, 1, pub.retried[0].Attempt)
	assert.NotEmpty(t, pub.retried[0].LastError)

	require.NoError(t, p.Process(ctx, pub.retried[0]))
	require.Len(t, pub.retried, 2)
	assert.Equal(t, 2, pub.retried[1].Attempt)

	require.NoError(t, p.Process(ctx, pub.retried[1]))
	require.Len(t, idx.products, 1)
	assert.Equal(t, "PROD-000123", idx.products[0].ID)
	assert.Len(t, pub.retried, 2)
	assert.Empty(t, pub.deadLetters)
}

func TestProcessDeadLettersAfterBudgetExhausted(t *testing.T) {
	// Fifth consecutive failure converts the record into one dead-letter
	// entry recording the exhausted budget.
	pub := &fakePublisher{}
	enr := &fakeEnricher{errs: []error{fmt.Errorf("embed: %w", domain.ErrTransientDependency)}}
	idx := &fakeIndexer{}
	p := newTestProcessor(pub, enr, idx, passBreaker{})

	rec := productRecord(t, "PROD-000456", 4)
	require.NoError(t, p.Process(context.Background(), rec))

	assert.Empty(t, pub.retried)
	require.Len(t, pub.deadLetters, 1)
	entry := pub.deadLetters[0]
	assert.Equal(t, ReasonAttemptsExhausted, entry.Reason)
	assert.Equal(t, 5, entry.AttemptsExhausted)
	assert.Equal(t, "PROD-000456", entry.Record.Key)
	assert.NotEmpty(t, entry.ID)
	assert.NotEmpty(t, entry.Record.LastError)
}

func TestProcessDeadLettersMalformedRecordImmediately(t *testing.T) {
	pub := &fakePublisher{}
	enr := &fakeEnricher{}
	idx := &fakeIndexer{}
	p := newTestProcessor(pub, enr, idx, passBreaker{})

	rec := domain.Record{
		Key:     "PROD-000789",
		Kind:    domain.KindProduct,
		Payload: json.RawMessage(`{"name": "no id"}`),
	}
	require.NoError(t, p.Process(context.Background(), rec))

	assert.Zero(t, enr.textCalls, "malformed records must not reach the enricher")
	assert.Empty(t, pub.retried)
	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, ReasonValidation, pub.deadLetters[0].Reason)
}

func TestProcessDownstreamValidationDeadLettersImmediately(t *testing.T) {
	// A validation-class rejection from the enricher means the record's
	// content can never succeed: one dead-letter entry, never a retry.
	pub := &fakePublisher{}
	enr := &fakeEnricher{errs: []error{fmt.Errorf("ollama status 400: %w", domain.ErrValidation)}}
	idx := &fakeIndexer{}
	p := newTestProcessor(pub, enr, idx, passBreaker{})

	rec := productRecord(t, "PROD-000222", 1)
	require.NoError(t, p.Process(context.Background(), rec))

	assert.Empty(t, pub.retried, "validation failures must not be rescheduled")
	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, ReasonValidation, pub.deadLetters[0].Reason)
	assert.Equal(t, "PROD-000222", pub.deadLetters[0].Record.Key)
	assert.Empty(t, idx.products)
}

func TestProcessIndexerValidationDeadLettersImmediately(t *testing.T) {
	// Index-side mapping rejections are validation-class too.
	pub := &fakePublisher{}
	enr := &fakeEnricher{}
	idx := &fakeIndexer{err: fmt.Errorf("es status 400: %w", domain.ErrValidation)}
	p := newTestProcessor(pub, enr, idx, passBreaker{})

	require.NoError(t, p.Process(context.Background(), productRecord(t, "PROD-000333", 0)))
	assert.Empty(t, pub.retried)
	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, ReasonValidation, pub.deadLetters[0].Reason)
}

func TestProcessCircuitOpenDoesNotConsumeBudget(t *testing.T) {
	pub := &fakePublisher{}
	enr := &fakeEnricher{}
	idx := &fakeIndexer{}
	p := newTestProcessor(pub, enr, idx, openBreaker{})

	rec := productRecord(t, "PROD-000321", 2)
	require.NoError(t, p.Process(context.Background(), rec))

	assert.Zero(t, enr.textCalls)
	require.Len(t, pub.retried, 1)
	assert.Equal(t, 2, pub.retried[0].Attempt, "breaker rejection must not increment attempt")
	assert.Empty(t, pub.deadLetters)
}

func TestProcessIndexerFailureReschedules(t *testing.T) {
	pub := &fakePublisher{}
	enr := &fakeEnricher{}
	idx := &fakeIndexer{err: fmt.Errorf("es: %w", domain.ErrTransientDependency)}
	p := newTestProcessor(pub, enr, idx, passBreaker{})

	require.NoError(t, p.Process(context.Background(), productRecord(t, "PROD-000654", 0)))
	require.Len(t, pub.retried, 1)
	assert.Equal(t, 1, pub.retried[0].Attempt)
}

func TestProcessReturnsErrorWhenNoTerminalActionLands(t *testing.T) {
	// If the retry republish itself fails there is no durable outcome and
	// the caller must not commit the offset.
	pub := &fakePublisher{publishErr: fmt.Errorf("broker down: %w", domain.ErrPublish)}
	enr := &fakeEnricher{errs: []error{fmt.Errorf("embed: %w", domain.ErrTransientDependency)}}
	idx := &fakeIndexer{}
	p := newTestProcessor(pub, enr, idx, passBreaker{})

	err := p.Process(context.Background(), productRecord(t, "PROD-000987", 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPublish))
}

func TestProcessDLQPublishFailurePropagates(t *testing.T) {
	pub := &fakePublisher{dlqErr: fmt.Errorf("broker down: %w", domain.ErrPublish)}
	enr := &fakeEnricher{}
	idx := &fakeIndexer{}
	p := newTestProcessor(pub, enr, idx, passBreaker{})

	rec := domain.Record{Key: "PROD-000111", Kind: domain.KindProduct, Payload: json.RawMessage(`not json`)}
	err := p.Process(context.Background(), rec)
	require.Error(t, err)
}

func TestEmbeddingTextSkipsEmptyFields(t *testing.T) {
	got := embeddingText(domain.ProductPayload{
		Name:        "Trail Runner",
		Description: "Lightweight shoe",
		Brand:       "Acme",
	})
	assert.Equal(t, "Trail Runner Lightweight shoe Acme", got)
}
